package parser

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/shineum/mailkit/internal/email"
)

func join(lines ...string) string {
	return strings.Join(lines, "\r\n")
}

var mixedMessage = join(
	"From: sender@example.com",
	"To: recipient@example.com",
	"Subject: Mixed",
	"MIME-Version: 1.0",
	"Content-Type: multipart/mixed; boundary=outer",
	"",
	"preamble",
	"--outer",
	"Content-Type: multipart/alternative; boundary=inner",
	"",
	"--inner",
	"Content-Type: text/plain; charset=utf-8",
	"",
	"Plain body",
	"--inner",
	"Content-Type: text/html; charset=utf-8",
	"",
	"<p>HTML body</p>",
	"--inner--",
	"--outer",
	"Content-Type: application/pdf",
	"Content-Disposition: attachment; filename=\"report.pdf\"",
	"Content-Transfer-Encoding: base64",
	"",
	"JVBERi0xLjQ=",
	"--outer",
	"Content-Type: image/png",
	"Content-Transfer-Encoding: base64",
	"",
	"iVBORw0KGgo=",
	"--outer--",
	"",
)

func TestParseFull_PlainText(t *testing.T) {
	t.Parallel()

	p := &Parser{}
	msg := p.ParseFull(join(
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: Test Subject",
		"Message-Id: <test123@example.com>",
		"Content-Type: text/plain",
		"",
		"Hello, this is a plain text email.",
	))

	if msg.Failed() {
		t.Fatalf("unexpected parse failure: %v", msg.ParseError)
	}
	if got := msg.Get("Subject"); got != "Test Subject" {
		t.Errorf("Subject: got %q, want %q", got, "Test Subject")
	}
	if got := msg.Get("Message-Id"); got != "<test123@example.com>" {
		t.Errorf("Message-Id: got %q, want %q", got, "<test123@example.com>")
	}
	if msg.IsMultipart() || len(msg.Parts) != 0 {
		t.Errorf("expected scalar message, got %d parts", len(msg.Parts))
	}

	ct, text := p.FindMainText(msg)
	if ct != "text/plain" {
		t.Errorf("content type: got %q, want text/plain", ct)
	}
	if text != "Hello, this is a plain text email." {
		t.Errorf("main text: got %q", text)
	}
}

func TestParseFull_RepeatedFieldsKeepOrder(t *testing.T) {
	t.Parallel()

	msg := (&Parser{}).ParseFull(join(
		"Received: from a",
		"Received: from b",
		"Subject: x",
		"",
		"",
	))
	want := []string{"from a", "from b"}
	if got := msg.Values("received"); !reflect.DeepEqual(got, want) {
		t.Errorf("Received: got %v, want %v", got, want)
	}
}

func TestParseFull_FormatErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
	}{
		{name: "header line without colon", text: "this is not a header\n\nbody"},
		{name: "multipart without boundary", text: "Content-Type: multipart/mixed\n\nbody"},
		{name: "continuation first", text: " folded\nSubject: x\n\nbody"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &Parser{}
			msg := p.ParseFull(tt.text)
			if !msg.Failed() {
				t.Fatal("expected sentinel message")
			}
			if !errors.Is(msg.ParseError, email.ErrFormat) {
				t.Errorf("ParseError: got %v, want ErrFormat", msg.ParseError)
			}
			if _, text := p.FindMainText(msg); text != email.FormatErrorText {
				t.Errorf("main text: got %q, want %q", text, email.FormatErrorText)
			}
		})
	}
}

func TestParseFull_UnterminatedMultipartKeepsParts(t *testing.T) {
	t.Parallel()

	p := &Parser{}
	msg := p.ParseFull(join(
		"Content-Type: multipart/mixed; boundary=b",
		"",
		"--b",
		"Content-Type: text/plain",
		"",
		"first",
		"--b",
		"Content-Type: text/plain",
		"",
		"second, cut off",
	))
	if msg.Failed() {
		t.Fatalf("unexpected parse failure: %v", msg.ParseError)
	}
	if len(msg.Parts) == 0 {
		t.Fatal("expected at least the first part")
	}
	if _, text := p.FindMainText(msg); text != "first" {
		t.Errorf("main text: got %q, want %q", text, "first")
	}
}

func TestParseHeaders_KeepsBodyUnparsed(t *testing.T) {
	t.Parallel()

	msg := (&Parser{}).ParseHeaders("Subject: hi\nContent-Type: multipart/mixed\n\nnot parsed")
	if msg.Failed() {
		t.Fatalf("unexpected parse failure: %v", msg.ParseError)
	}
	if got := msg.Get("Subject"); got != "hi" {
		t.Errorf("Subject: got %q, want %q", got, "hi")
	}
	if string(msg.Body) != "not parsed" {
		t.Errorf("Body: got %q", msg.Body)
	}
}

func TestWalkNamedParts_NamesAndOrder(t *testing.T) {
	t.Parallel()

	p := &Parser{}
	msg := p.ParseFull(mixedMessage)
	parts := p.WalkNamedParts(msg)

	want := []struct {
		name  string
		ctype string
		index int
	}{
		{"part-002.txt", "text/plain", 2},
		{"part-003.html", "text/html", 3},
		{"report.pdf", "application/pdf", 4},
		{"part-005.png", "image/png", 5},
	}

	if len(parts) != len(want) {
		t.Fatalf("parts: got %d, want %d (%v)", len(parts), len(want), p.PartsList(msg))
	}
	for i, w := range want {
		if parts[i].Filename != w.name {
			t.Errorf("part %d Filename: got %q, want %q", i, parts[i].Filename, w.name)
		}
		if parts[i].ContentType != w.ctype {
			t.Errorf("part %d ContentType: got %q, want %q", i, parts[i].ContentType, w.ctype)
		}
		if parts[i].Index != w.index {
			t.Errorf("part %d Index: got %d, want %d", i, parts[i].Index, w.index)
		}
	}

	again := p.PartsList(msg)
	for i, w := range want {
		if again[i] != w.name {
			t.Errorf("second walk part %d: got %q, want %q", i, again[i], w.name)
		}
	}
}

func TestWalkNamedParts_SkipsEnclosedMessageWrapper(t *testing.T) {
	t.Parallel()

	p := &Parser{}
	msg := p.ParseFull(join(
		"Content-Type: multipart/mixed; boundary=x",
		"",
		"--x",
		"Content-Type: text/plain",
		"",
		"see attached",
		"--x",
		"Content-Type: message/rfc822",
		"",
		"Subject: inner",
		"Content-Type: text/plain",
		"",
		"inner body",
		"--x--",
	))

	got := p.PartsList(msg)
	want := []string{"part-001.txt", "part-003.txt"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parts: got %v, want %v", got, want)
	}

	part, ok := p.FindPart("part-003.txt", msg)
	if !ok {
		t.Fatal("part-003.txt not found")
	}
	if text := p.DecodePayloadText(part.Node); text != "inner body" {
		t.Errorf("inner text: got %q", text)
	}
}

func TestWalkNamedParts_DigestChildrenAreMessages(t *testing.T) {
	t.Parallel()

	p := &Parser{}
	msg := p.ParseFull(join(
		"Content-Type: multipart/digest; boundary=d",
		"",
		"--d",
		"",
		"Subject: one",
		"",
		"first digest entry",
		"--d--",
	))
	if len(msg.Parts) != 1 {
		t.Fatalf("parts: got %d, want 1", len(msg.Parts))
	}
	if ct, _ := msg.Parts[0].ContentType(); ct != "message/rfc822" {
		t.Errorf("digest child type: got %q, want message/rfc822", ct)
	}
	if got := p.PartsList(msg); !reflect.DeepEqual(got, []string{"part-002.txt"}) {
		t.Errorf("parts: got %v", got)
	}
}

func TestWalkNamedParts_ContentTypeNameParam(t *testing.T) {
	t.Parallel()

	p := &Parser{}
	msg := p.ParseFull(join(
		"Content-Type: multipart/mixed; boundary=x",
		"",
		"--x",
		"Content-Type: application/octet-stream; name=\"=?utf-8?q?r=C3=A9sum=C3=A9.bin?=\"",
		"",
		"data",
		"--x--",
	))
	if got := p.PartsList(msg); !reflect.DeepEqual(got, []string{"résumé.bin"}) {
		t.Errorf("parts: got %v", got)
	}
}

func TestFindPart_NotFound(t *testing.T) {
	t.Parallel()

	p := &Parser{}
	if _, ok := p.FindPart("nope.txt", p.ParseFull(mixedMessage)); ok {
		t.Error("expected not found")
	}
}

func TestDecodePayload_TransferEncodings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		encoding string
		body     string
		want     string
	}{
		{name: "base64", encoding: "base64", body: "SGVsbG8s\r\nIFdvcmxk\r\n", want: "Hello, World"},
		{name: "base64 unpadded", encoding: "BASE64", body: "SGk", want: "Hi"},
		{name: "base64 invalid returns raw", encoding: "base64", body: "!!!not base64", want: "!!!not base64"},
		{name: "quoted-printable", encoding: "quoted-printable", body: "caf=C3=A9 soft=\r\nbreak", want: "café softbreak"},
		{name: "uuencode", encoding: "x-uuencode", body: "begin 644 cat.txt\n#0V%T\n`\nend\n", want: "Cat"},
		{name: "7bit passthrough", encoding: "7bit", body: "as is", want: "as is"},
		{name: "none", encoding: "", body: "as is", want: "as is"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			node := &email.Message{Body: []byte(tt.body)}
			if tt.encoding != "" {
				node.Header.Add("Content-Transfer-Encoding", tt.encoding)
			}
			got := (&Parser{}).DecodePayload(node)
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodePayload_MultipartHasNone(t *testing.T) {
	t.Parallel()

	p := &Parser{}
	msg := p.ParseFull(mixedMessage)
	if got := p.DecodePayload(msg); got != nil {
		t.Errorf("got %q, want nil", got)
	}
}

func TestDecodePayloadText_Charsets(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		parser   Parser
		ctype    string
		encoding string
		body     string
		want     string
	}{
		{
			name:     "declared latin1",
			ctype:    "text/plain; charset=iso-8859-1",
			encoding: "quoted-printable",
			body:     "caf=E9",
			want:     "café",
		},
		{
			name:  "unknown declared falls back to utf-8",
			ctype: "text/plain; charset=x-bogus",
			body:  "caf\xc3\xa9",
			want:  "café",
		},
		{
			name:  "wrong declared charset falls back",
			ctype: "text/plain; charset=us-ascii",
			body:  "caf\xc3\xa9",
			want:  "café",
		},
		{
			name:   "nothing decodes",
			parser: Parser{Charsets: []string{"ascii"}},
			ctype:  "text/plain; charset=us-ascii",
			body:   "\xff\xfe",
			want:   email.UndecodableText,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			node := &email.Message{Body: []byte(tt.body)}
			node.Header.Add("Content-Type", tt.ctype)
			if tt.encoding != "" {
				node.Header.Add("Content-Transfer-Encoding", tt.encoding)
			}
			if got := tt.parser.DecodePayloadText(node); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFindMainText_Preference(t *testing.T) {
	t.Parallel()

	p := &Parser{}

	ct, text := p.FindMainText(p.ParseFull(mixedMessage))
	if ct != "text/plain" || text != "Plain body" {
		t.Errorf("mixed: got (%q, %q)", ct, text)
	}

	htmlOnly := join(
		"Content-Type: multipart/alternative; boundary=a",
		"",
		"--a",
		"Content-Type: text/html",
		"",
		"<b>hi</b>",
		"--a--",
	)
	ct, text = p.FindMainText(p.ParseFull(htmlOnly))
	if ct != "text/html" || text != "<b>hi</b>" {
		t.Errorf("html only: got (%q, %q)", ct, text)
	}

	enriched := join("Content-Type: text/enriched", "", "<bold>hi</bold>")
	ct, _ = p.FindMainText(p.ParseFull(enriched))
	if ct != "text/enriched" {
		t.Errorf("other text: got %q, want text/enriched", ct)
	}

	image := join("Content-Type: image/png", "Content-Transfer-Encoding: base64", "", "iVBORw0KGgo=")
	ct, text = p.FindMainText(p.ParseFull(image))
	if ct != "text/plain" || text != email.NoTextPlaceholder {
		t.Errorf("no text: got (%q, %q)", ct, text)
	}
}

func TestDecodeHeaderField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want string
	}{
		{"plain subject", "plain subject"},
		{"=?utf-8?q?caf=C3=A9?=", "café"},
		{"=?iso-8859-1?b?Y2Fm6Q==?=", "café"},
		{"Re: =?utf-8?b?5pel5pys?= news", "Re: 日本 news"},
		{"=?x-unknown-charset?q?abc?=", "=?x-unknown-charset?q?abc?="},
	}

	p := &Parser{}
	for _, tt := range tests {
		if got := p.DecodeHeaderField(tt.raw); got != tt.want {
			t.Errorf("DecodeHeaderField(%q): got %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestDecodeAddressField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "encoded name and quoted name",
			raw:  `=?utf-8?q?Jos=C3=A9?= <jose@example.com>, "Smith, Bob" <bob@example.com>, plain@example.com`,
			want: `José <jose@example.com>, "Smith, Bob" <bob@example.com>, plain@example.com`,
		},
		{name: "empty", raw: "", want: ""},
		{name: "garbage kept raw", raw: "<<< not an address", want: "<<< not an address"},
	}

	p := &Parser{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.DecodeAddressField(tt.raw); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSplitAddresses(t *testing.T) {
	t.Parallel()

	p := &Parser{}
	got := p.SplitAddresses(`Ann <ann@example.com>, bob@example.com`)
	want := []string{"Ann <ann@example.com>", "bob@example.com"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got := p.SplitAddresses("   "); got != nil {
		t.Errorf("blank: got %v, want nil", got)
	}
}

func TestHeadersMatch(t *testing.T) {
	t.Parallel()

	base := "From: a@example.com\nTo: b@example.com\nSubject: hello\nDate: Mon, 1 Jan 2024 10:00:00 +0000\n"

	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{name: "identical", a: base, b: base, want: true},
		{name: "status line only differs", a: base + "Status: RO\n", b: base, want: true},
		{
			name: "message id differs",
			a:    base + "Message-Id: <1@x>\n",
			b:    base + "Message-ID: <2@x>\n",
			want: false,
		},
		{
			name: "message id on one side only",
			a:    base + "Message-Id: <1@x>\n",
			b:    base,
			want: false,
		},
		{
			name: "unstable field differs without message id",
			a:    base + "X-Spam-Score: 1\n",
			b:    base + "X-Spam-Score: 5\n",
			want: true,
		},
		{
			name: "same message id but subject differs",
			a:    "Message-Id: <1@x>\nSubject: one\nX: 1\n",
			b:    "Message-Id: <1@x>\nSubject: two\nX: 1\n",
			want: false,
		},
		{
			name: "stable field differs",
			a:    base + "X: 1\n",
			b:    strings.Replace(base, "hello", "bye", 1) + "X: 2\n",
			want: false,
		},
		{
			name: "received count differs",
			a:    "Received: from a\nReceived: from b\nX: 1\n",
			b:    "Received: from a\nX: 2\n",
			want: false,
		},
		{name: "unparseable headers", a: "garbage one", b: "garbage two", want: false},
	}

	p := &Parser{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.HeadersMatch(tt.a, tt.b); got != tt.want {
				t.Errorf("HeadersMatch: got %v, want %v", got, tt.want)
			}
			if !p.HeadersMatch(tt.a, tt.a) {
				t.Error("HeadersMatch must be reflexive")
			}
		})
	}
}

func TestSaveParts(t *testing.T) {
	t.Parallel()

	p := &Parser{}
	dir := filepath.Join(t.TempDir(), "parts")
	saved, err := p.SaveParts(dir, p.ParseFull(mixedMessage))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(saved) != 4 {
		t.Fatalf("saved: got %d, want 4", len(saved))
	}

	pdf, err := os.ReadFile(filepath.Join(dir, "report.pdf"))
	if err != nil {
		t.Fatalf("read report.pdf: %v", err)
	}
	if string(pdf) != "%PDF-1.4" {
		t.Errorf("report.pdf: got %q", pdf)
	}
	if saved[2].ContentType != "application/pdf" {
		t.Errorf("ContentType: got %q", saved[2].ContentType)
	}
}

func TestSaveOnePart(t *testing.T) {
	t.Parallel()

	p := &Parser{}
	msg := p.ParseFull(mixedMessage)
	dir := t.TempDir()

	saved, err := p.SaveOnePart(dir, "part-002.txt", msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := os.ReadFile(saved.Path)
	if string(data) != "Plain body" {
		t.Errorf("content: got %q", data)
	}

	if _, err := p.SaveOnePart(dir, "missing.bin", msg); !errors.Is(err, ErrPartNotFound) {
		t.Errorf("missing part: got %v, want ErrPartNotFound", err)
	}
}

func TestSaveParts_StripsDirectoriesFromNames(t *testing.T) {
	t.Parallel()

	p := &Parser{}
	msg := p.ParseFull(join(
		"Content-Type: multipart/mixed; boundary=x",
		"",
		"--x",
		"Content-Type: text/plain",
		"Content-Disposition: attachment; filename=\"../../evil.txt\"",
		"",
		"x",
		"--x--",
	))
	dir := t.TempDir()
	saved, err := p.SaveParts(dir, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(dir, "evil.txt"); saved[0].Path != want {
		t.Errorf("Path: got %q, want %q", saved[0].Path, want)
	}
}

func TestHTMLToText(t *testing.T) {
	t.Parallel()

	got := HTMLToText("<html><head><style>p{}</style></head><body><p>Hello   <b>there</b></p><div>second</div><script>x()</script></body></html>")
	want := "Hello there\nsecond"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestUUDecode_MissingBegin(t *testing.T) {
	t.Parallel()

	if _, err := uudecode([]byte("#0V%T\nend\n")); err == nil {
		t.Error("expected error")
	}
}
