package parser

import (
	"mime"
	"reflect"
	"strings"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// Fields compared when two headers carry no usable Message-Id.
var stableFields = []string{"From", "To", "Subject", "Date", "Cc", "Return-Path", "Received"}

// DecodeHeaderField decodes RFC 2047 encoded words in a header value.
// On any decoding error the raw value is returned unchanged.
func (p *Parser) DecodeHeaderField(raw string) string {
	decoded, err := wordDecoder.DecodeHeader(raw)
	if err != nil {
		p.Logger.Debug().Err(err).Str("raw", raw).Msg("header left undecoded")
		return raw
	}
	return decoded
}

// DecodeAddressField decodes the display names of an address list header
// and re-joins the addresses with ", ". The raw value is returned when the
// list cannot be parsed.
func (p *Parser) DecodeAddressField(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	addrs, err := mail.ParseAddressList(raw)
	if err != nil {
		p.Logger.Debug().Err(err).Str("raw", raw).Msg("address list left undecoded")
		return raw
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = FormatAddress(a.Name, a.Address)
	}
	return strings.Join(out, ", ")
}

// SplitAddresses splits an address list header into single formatted
// addresses. It returns nil when the list cannot be parsed.
func (p *Parser) SplitAddresses(field string) []string {
	if strings.TrimSpace(field) == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(field)
	if err != nil {
		p.Logger.Debug().Err(err).Str("field", field).Msg("address list not split")
		return nil
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = FormatAddress(a.Name, a.Address)
	}
	return out
}

// FormatAddress renders a display name and address without encoding the
// name, quoting it when it contains specials.
func FormatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	if strings.ContainsAny(name, `()<>[]:;@\,."`) {
		name = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(name) + `"`
	}
	return name + " <" + addr + ">"
}

// HeadersMatch reports whether two header blocks describe the same
// message. Exact text and text minus Status: lines are accepted first.
// Differing Message-Id lines always mismatch. Otherwise a fixed set of
// stable fields must agree.
func (p *Parser) HeadersMatch(a, b string) bool {
	if a == b {
		return true
	}

	linesA, linesB := splitLines(a), splitLines(b)
	if reflect.DeepEqual(withoutStatus(linesA), withoutStatus(linesB)) {
		return true
	}

	idA, idB := messageIDLines(linesA), messageIDLines(linesB)
	if (len(idA) > 0 || len(idB) > 0) && !reflect.DeepEqual(idA, idB) {
		return false
	}

	msgA, msgB := p.ParseHeaders(a), p.ParseHeaders(b)
	if msgA.Failed() || msgB.Failed() {
		return false
	}
	for _, field := range stableFields {
		if !reflect.DeepEqual(msgA.Values(field), msgB.Values(field)) {
			return false
		}
	}
	return true
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return []string{}
	}
	return strings.Split(s, "\n")
}

func withoutStatus(lines []string) []string {
	out := []string{}
	for _, line := range lines {
		if !strings.HasPrefix(line, "Status:") {
			out = append(out, line)
		}
	}
	return out
}

func messageIDLines(lines []string) []string {
	var out []string
	for _, line := range lines {
		if len(line) >= 11 && strings.EqualFold(line[:11], "message-id:") {
			out = append(out, line)
		}
	}
	return out
}
