// Package email defines the message tree shared by the parser, the fetcher
// and the console front-end.
package email

import (
	"errors"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
)

const (
	// FormatErrorText is the body of the message returned for unparseable
	// input.
	FormatErrorText = "[Unable to parse message - format error]"

	// NoTextPlaceholder is returned when a message has no text/* part.
	NoTextPlaceholder = "[No text to display]"

	// UndecodableText replaces a text payload that no charset can decode.
	UndecodableText = "--Sorry: cannot decode Unicode text--"
)

// ErrFormat is wrapped by the ParseError of sentinel messages.
var ErrFormat = errors.New("message format error")

// Message is one node of a parsed message tree. A node either carries a
// scalar Body or child Parts, never both. A message/rfc822 node has the
// enclosed message as its only part.
type Message struct {
	Header textproto.Header
	Body   []byte
	Parts  []*Message

	// DefaultType is the content type assumed when the node has none:
	// message/rfc822 inside multipart/digest, text/plain elsewhere.
	DefaultType string

	// ParseError is set on sentinel messages built from unparseable text.
	ParseError error
}

// ErrorMessage builds the placeholder returned for text that failed to parse.
func ErrorMessage(err error) *Message {
	return &Message{
		Body:       []byte(FormatErrorText),
		ParseError: errors.Join(ErrFormat, err),
	}
}

// Failed reports whether m is a parse-failure sentinel.
func (m *Message) Failed() bool {
	return m.ParseError != nil
}

// ContentType returns the lower-cased media type and its parameters,
// falling back to the default type when the header is absent or invalid.
func (m *Message) ContentType() (string, map[string]string) {
	h := message.Header{Header: m.Header}
	var (
		t      string
		params map[string]string
		err    error
	)
	if strings.TrimSpace(m.Header.Get("Content-Type")) != "" {
		t, params, err = h.ContentType()
	}
	if err != nil || t == "" || !strings.Contains(t, "/") {
		if m.DefaultType != "" {
			return m.DefaultType, map[string]string{}
		}
		return "text/plain", map[string]string{}
	}
	return strings.ToLower(t), params
}

// MainType returns the part of the content type before the slash.
func (m *Message) MainType() string {
	t, _ := m.ContentType()
	main, _, _ := strings.Cut(t, "/")
	return main
}

// IsMultipart reports whether the node is a multipart container.
func (m *Message) IsMultipart() bool {
	return m.MainType() == "multipart"
}

// Charset returns the declared charset parameter, lower-cased.
func (m *Message) Charset() string {
	_, params := m.ContentType()
	return strings.ToLower(strings.Trim(params["charset"], `"`))
}

// Filename returns the declared file name from Content-Disposition, or
// the name parameter of Content-Type.
func (m *Message) Filename() string {
	h := message.Header{Header: m.Header}
	if _, params, err := h.ContentDisposition(); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	_, params := m.ContentType()
	return params["name"]
}

// TransferEncoding returns the lower-cased Content-Transfer-Encoding.
func (m *Message) TransferEncoding() string {
	return strings.ToLower(strings.TrimSpace(m.Header.Get("Content-Transfer-Encoding")))
}

// Get returns the first value of the header field k.
func (m *Message) Get(k string) string {
	return m.Header.Get(k)
}

// Values returns all values of the header field k in document order.
func (m *Message) Values(k string) []string {
	return m.Header.Values(k)
}

// Walk visits m and every descendant in document order.
func (m *Message) Walk(fn func(node *Message)) {
	fn(m)
	for _, p := range m.Parts {
		p.Walk(fn)
	}
}

// Part is a leaf node of a message with its display name.
type Part struct {
	Filename    string
	ContentType string
	Index       int
	Node        *Message
}
