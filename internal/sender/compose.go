package sender

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/shineum/mailkit/internal/decode"
	"github.com/shineum/mailkit/internal/parser"
)

// base64LineLen is the MIME line length for base64 bodies.
const base64LineLen = 76

// foldAt is the joined address list length above which lists are folded.
const foldAt = 72

// field is one header line in output order. Raw fields are already
// formatted and folded.
type field struct {
	name  string
	value string
	raw   bool
}

// buildHeader returns a header that writes fields in the given order.
// textproto.Header writes the most recently added field first.
func buildHeader(fields []field) textproto.Header {
	var h textproto.Header
	for i := len(fields) - 1; i >= 0; i-- {
		f := fields[i]
		if f.raw {
			h.AddRaw([]byte(f.name + ": " + f.value + "\r\n"))
			continue
		}
		h.Add(f.name, f.value)
	}
	return h
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// encodeWord returns s as an RFC 2047 B encoded-word in charset. Text
// that charset cannot represent is encoded as utf-8.
func encodeWord(s, charset string) string {
	if decode.Normalize(charset) == "utf-8" {
		return mime.BEncoding.Encode("utf-8", s)
	}
	b, err := decode.Encode(s, charset)
	if err != nil {
		return mime.BEncoding.Encode("utf-8", s)
	}
	return "=?" + charset + "?b?" + base64.StdEncoding.EncodeToString(b) + "?="
}

// encodeHeader encodes a header value only when it is not plain ASCII.
func encodeHeader(value, charset string) string {
	if isASCII(value) {
		return value
	}
	return encodeWord(value, charset)
}

// lineBreak matches a line break and the indentation that follows it.
var lineBreak = regexp.MustCompile(`\r?\n[ \t]*`)

// headerField builds a free-text header field. Values spanning several
// lines are written as one field folded onto continuation lines.
func headerField(name, value, charset string) field {
	var lines []string
	for _, l := range lineBreak.Split(value, -1) {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) <= 1 {
		return field{name: name, value: encodeHeader(strings.Join(lines, ""), charset)}
	}

	encoded := make([]string, len(lines))
	for i, l := range lines {
		// Whitespace between two encoded-words is dropped when decoding,
		// so the word itself carries the separating space.
		if i < len(lines)-1 && !isASCII(l) && !isASCII(lines[i+1]) {
			l += " "
		}
		encoded[i] = encodeHeader(l, charset)
	}
	return field{name: name, value: strings.Join(encoded, "\r\n "), raw: true}
}

// encodeAddress encodes the display name of one address when needed and
// returns the header form and the bare address. Unparseable input is
// passed through as a plain header value. Line breaks are refused.
func encodeAddress(text, charset string) (formatted, bare string, err error) {
	if strings.ContainsAny(text, "\r\n") {
		return "", "", fmt.Errorf("invalid address %q: contains a line break", text)
	}
	addr, perr := mail.ParseAddress(text)
	if perr != nil {
		var ok bool
		if addr, ok = looseAddress(text); !ok {
			trimmed := strings.TrimSpace(text)
			return encodeHeader(trimmed, charset), trimmed, nil
		}
	}
	if addr.Name == "" {
		return addr.Address, addr.Address, nil
	}
	if !isASCII(addr.Name) {
		return encodeWord(addr.Name, charset) + " <" + addr.Address + ">", addr.Address, nil
	}
	return parser.FormatAddress(addr.Name, addr.Address), addr.Address, nil
}

// looseAddress reads "Name <addr>" forms that the address parser refuses,
// such as display names with an unquoted comma.
func looseAddress(text string) (*mail.Address, bool) {
	text = strings.TrimSpace(text)
	lt := strings.LastIndexByte(text, '<')
	if lt < 0 || !strings.HasSuffix(text, ">") {
		return nil, false
	}
	addr := strings.TrimSpace(text[lt+1 : len(text)-1])
	if !strings.Contains(addr, "@") || strings.ContainsAny(addr, " <>,") {
		return nil, false
	}
	name := strings.Trim(strings.TrimSpace(text[:lt]), `"`)
	return &mail.Address{Name: name, Address: addr}, true
}

// encodeAddressList formats a list of addresses for one header, folding
// long lists one address per line.
func encodeAddressList(list []string, charset string) (value string, bare []string, err error) {
	encoded := make([]string, 0, len(list))
	for _, text := range list {
		f, b, err := encodeAddress(text, charset)
		if err != nil {
			return "", nil, err
		}
		encoded = append(encoded, f)
		bare = append(bare, b)
	}
	value = strings.Join(encoded, ", ")
	if len(value) > foldAt {
		value = strings.Join(encoded, ",\r\n ")
	}
	return value, bare, nil
}

// dedupe keeps the first occurrence of each address, compared
// case-insensitively.
func dedupe(addrs []string) []string {
	seen := make(map[string]bool, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		key := strings.ToLower(a)
		if a == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, a)
	}
	return out
}

// crlf normalizes line endings to CRLF.
func crlf(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

// textBody returns the encoded body, its charset and its transfer
// encoding. ASCII text is sent 7bit; anything else is quoted-printable.
func textBody(text []byte, charset string) ([]byte, string, string) {
	if isASCII(string(text)) {
		return []byte(crlf(string(text))), charset, "7bit"
	}
	var buf bytes.Buffer
	w := quotedprintable.NewWriter(&buf)
	w.Write(bytes.ReplaceAll(text, []byte("\r\n"), []byte("\n")))
	w.Close()
	return buf.Bytes(), charset, "quoted-printable"
}

// wrapBase64 encodes data as base64 in lines of base64LineLen.
func wrapBase64(data []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(data)
	var buf bytes.Buffer
	for len(encoded) > base64LineLen {
		buf.WriteString(encoded[:base64LineLen])
		buf.WriteString("\r\n")
		encoded = encoded[base64LineLen:]
	}
	if encoded != "" {
		buf.WriteString(encoded)
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

// contentTypeFor guesses a media type from the file extension.
func contentTypeFor(path string) string {
	t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if t == "" {
		return "application/octet-stream"
	}
	mediaType, _, err := mime.ParseMediaType(t)
	if err != nil {
		return "application/octet-stream"
	}
	return mediaType
}

// composed is a finished message and its envelope.
type composed struct {
	raw        []byte
	recipients []string
	messageID  string
	from       string
}

func (s *Sender) bodyCharset(m Mail, body string) string {
	cs := m.BodyEncoding
	if cs == "" {
		cs = "us-ascii"
	}
	if !isASCII(body) && decode.Normalize(cs) == "ascii" {
		s.log.Debug().Str("charset", cs).Msg("body is not ASCII, sending as utf-8")
		cs = "utf-8"
	}
	return cs
}

func (s *Sender) compose(m Mail) (*composed, error) {
	hdrenc := s.cfg.HeadersEncodeTo
	if hdrenc == "" {
		hdrenc = decode.DefaultEncoding
	}

	fromValue, fromBare, err := encodeAddress(m.From, hdrenc)
	if err != nil {
		return nil, err
	}
	toValue, recipients, err := encodeAddressList(m.To, hdrenc)
	if err != nil {
		return nil, err
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.cfg.Hostname)
	fields := []field{{name: "From", value: fromValue}}
	if len(m.To) > 0 {
		fields = append(fields, field{name: "To", value: toValue, raw: true})
	}

	cc := append([]string(nil), m.Cc...)
	bcc := append([]string(nil), m.Bcc...)
	var extras []field
	for _, h := range m.Extra {
		if h.Value == "" {
			continue
		}
		if h.Name == "" || strings.ContainsAny(h.Name, ": \t\r\n") {
			return nil, fmt.Errorf("invalid header name %q", h.Name)
		}
		switch strings.ToLower(h.Name) {
		case "cc":
			cc = append(cc, splitList(h.Value)...)
		case "bcc":
			bcc = append(bcc, splitList(h.Value)...)
		default:
			extras = append(extras, headerField(h.Name, h.Value, hdrenc))
		}
	}

	if len(cc) > 0 {
		ccValue, ccBare, err := encodeAddressList(cc, hdrenc)
		if err != nil {
			return nil, err
		}
		fields = append(fields, field{name: "Cc", value: ccValue, raw: true})
		recipients = append(recipients, ccBare...)
	}
	for _, b := range bcc {
		_, bare, err := encodeAddress(b, hdrenc)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, bare)
	}

	fields = append(fields,
		headerField("Subject", m.Subject, hdrenc),
		field{name: "Date", value: s.now().Format(time.RFC1123Z)},
		field{name: "Message-Id", value: messageID},
	)
	fields = append(fields, extras...)
	fields = append(fields, field{name: "MIME-Version", value: "1.0"})

	var body bytes.Buffer
	if len(m.Attachments) == 0 {
		text, cs, cte := s.encodeText(m.Body, s.bodyCharset(m, m.Body))
		fields = append(fields,
			field{name: "Content-Type", value: mime.FormatMediaType("text/plain", map[string]string{"charset": cs})},
			field{name: "Content-Transfer-Encoding", value: cte},
		)
		body.Write(text)
	} else {
		mw := textproto.NewMultipartWriter(&body)
		fields = append(fields, field{
			name:  "Content-Type",
			value: mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": mw.Boundary()}),
		})
		if err := s.writeParts(mw, m); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, fmt.Errorf("closing multipart body: %w", err)
		}
	}

	var out bytes.Buffer
	if err := textproto.WriteHeader(&out, buildHeader(fields)); err != nil {
		return nil, fmt.Errorf("writing header: %w", err)
	}
	out.Write(body.Bytes())

	return &composed{
		raw:        out.Bytes(),
		recipients: dedupe(recipients),
		messageID:  messageID,
		from:       fromBare,
	}, nil
}

// encodeText converts body to charset and applies a transfer encoding.
func (s *Sender) encodeText(body, charset string) ([]byte, string, string) {
	b, err := decode.Encode(body, charset)
	if err != nil {
		s.log.Warn().Str("charset", charset).Err(err).Msg("cannot encode text, sending as utf-8")
		b, charset = []byte(body), "utf-8"
	}
	return textBody(b, charset)
}

func (s *Sender) writeParts(mw *textproto.MultipartWriter, m Mail) error {
	text, cs, cte := s.encodeText(m.Body, s.bodyCharset(m, m.Body))
	w, err := mw.CreatePart(buildHeader([]field{
		{name: "Content-Type", value: mime.FormatMediaType("text/plain", map[string]string{"charset": cs})},
		{name: "Content-Transfer-Encoding", value: cte},
	}))
	if err != nil {
		return fmt.Errorf("creating text part: %w", err)
	}
	w.Write(text)

	for _, att := range m.Attachments {
		info, err := os.Stat(att.Path)
		if err != nil || info.IsDir() {
			s.log.Warn().Str("path", att.Path).Msg("skipping attachment: not a regular file")
			continue
		}
		data, err := os.ReadFile(att.Path)
		if err != nil {
			return fmt.Errorf("reading attachment %s: %w", att.Path, err)
		}

		contentType := contentTypeFor(att.Path)
		params := map[string]string{}
		var payload []byte
		var enc string
		if strings.HasPrefix(contentType, "text/") {
			charset := att.Encoding
			if charset == "" {
				charset = "us-ascii"
			}
			if !isASCII(string(data)) && decode.Normalize(charset) == "ascii" {
				charset = "utf-8"
			}
			payload, params["charset"], enc = textBody(data, charset)
		} else {
			payload, enc = wrapBase64(data), "base64"
		}

		s.log.Debug().Str("path", att.Path).Str("type", contentType).Msg("adding attachment")
		w, err := mw.CreatePart(buildHeader([]field{
			{name: "Content-Type", value: mime.FormatMediaType(contentType, params)},
			{name: "Content-Transfer-Encoding", value: enc},
			{name: "Content-Disposition", value: mime.FormatMediaType("attachment", map[string]string{"filename": filepath.Base(att.Path)})},
		}))
		if err != nil {
			return fmt.Errorf("creating attachment part: %w", err)
		}
		w.Write(payload)
	}
	return nil
}

// splitList splits a comma separated address list, keeping quoted
// commas inside display names.
// SplitAddresses splits each value as an address list, so that commas
// inside quoted display names do not separate addresses.
func SplitAddresses(values []string) []string {
	var out []string
	for _, v := range values {
		out = append(out, splitList(v)...)
	}
	return out
}

func splitList(value string) []string {
	value = lineBreak.ReplaceAllString(value, " ")
	addrs, err := mail.ParseAddressList(value)
	if err != nil {
		// Pieces without an address belong to the display name of the
		// next one.
		var out []string
		pending := ""
		for _, p := range strings.Split(value, ",") {
			if pending != "" {
				p = pending + "," + p
			}
			if !strings.Contains(p, "@") {
				pending = p
				continue
			}
			pending = ""
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if p := strings.TrimSpace(pending); p != "" {
			out = append(out, p)
		}
		return out
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, parser.FormatAddress(a.Name, a.Address))
	}
	return out
}
