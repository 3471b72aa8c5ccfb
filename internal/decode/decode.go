// Package decode turns raw mail bytes into text, trying a list of
// candidate encodings in order and degrading to placeholder text instead
// of failing.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"
	"github.com/rs/zerolog"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

const (
	// DefaultEncoding stands in for the runtime default encoding and is
	// always the last candidate.
	DefaultEncoding = "utf-8"

	// UndecodableNotice is appended to the header block when no candidate
	// can decode the whole message.
	UndecodableNotice = "--Sorry: mailtools cannot decode this mail content!--"

	// UnknownSenderHeader replaces the header block when even the headers
	// cannot be decoded.
	UnknownSenderHeader = "From: (sender of unknown Unicode format headers)"
)

// CommonEncodings is the fallback list used after the preferred encoding,
// and again for the header block when the full message fails.
var CommonEncodings = []string{"ascii", "latin1", "utf-8"}

var errUndecodable = errors.New("bytes not valid in charset")

func init() {
	// Labels that appear in the wild but are missing from the IANA index.
	charset.RegisterEncoding("latin1", charmap.ISO8859_1)
	charset.RegisterEncoding("latin-1", charmap.ISO8859_1)
	charset.RegisterEncoding("utf8", unicode.UTF8)
	charset.RegisterEncoding("cp1252", charmap.Windows1252)
	charset.RegisterEncoding("cp1251", charmap.Windows1251)
	charset.RegisterEncoding("cp1250", charmap.Windows1250)
}

// Decoder decodes the lines of a fetched message.
//
// The zero value tries DefaultEncoding, then CommonEncodings.
type Decoder struct {
	// Preferred is tried first, usually the configured fetch encoding.
	Preferred string

	// Fallbacks replaces CommonEncodings when non-nil.
	Fallbacks []string

	// Headers replaces CommonEncodings for the header-only retry when non-nil.
	Headers []string

	Logger zerolog.Logger
}

// Candidates returns the ordered, duplicate-free list of encodings tried
// for a full message.
func (d *Decoder) Candidates() []string {
	list := []string{}
	if d.Preferred != "" {
		list = append(list, d.Preferred)
	}
	if d.Fallbacks != nil {
		list = append(list, d.Fallbacks...)
	} else {
		list = append(list, CommonEncodings...)
	}
	list = append(list, DefaultEncoding)
	return dedupe(list)
}

// Lines decodes every line with the first candidate that accepts all of
// them. It never fails: undecodable mail comes back as its header block
// followed by an empty line and UndecodableNotice.
func (d *Decoder) Lines(raw [][]byte) []string {
	for _, enc := range d.Candidates() {
		text, err := decodeAll(raw, enc)
		if err == nil {
			return text
		}
		d.Logger.Debug().Str("encoding", enc).Err(err).Msg("decode attempt failed")
	}

	end := len(raw)
	for i, line := range raw {
		if len(line) == 0 {
			end = i
			break
		}
	}
	headers := raw[:end]

	commons := CommonEncodings
	if d.Headers != nil {
		commons = d.Headers
	}
	commons = dedupe(append(append([]string{}, commons...), DefaultEncoding))

	var text []string
	for _, enc := range commons {
		if decoded, err := decodeAll(headers, enc); err == nil {
			text = decoded
			break
		}
	}
	if text == nil {
		text = []string{UnknownSenderHeader}
	}

	d.Logger.Warn().Int("lines", len(raw)).Msg("message content undecodable, kept headers only")
	return append(text, "", UndecodableNotice)
}

// Text is Lines joined with newlines.
func (d *Decoder) Text(raw [][]byte) string {
	return strings.Join(d.Lines(raw), "\n")
}

// SplitLines splits a raw message into lines without their terminators.
func SplitLines(raw []byte) [][]byte {
	lines := bytes.Split(raw, []byte("\n"))
	if n := len(lines); n > 0 && len(lines[n-1]) == 0 {
		lines = lines[:n-1]
	}
	for i, line := range lines {
		lines[i] = bytes.TrimSuffix(line, []byte("\r"))
	}
	return lines
}

// String decodes b strictly in the named encoding. Unknown encodings and
// bytes that do not belong to the encoding both return an error.
func String(b []byte, enc string) (string, error) {
	switch Normalize(enc) {
	case "ascii":
		for i, c := range b {
			if c >= utf8.RuneSelf {
				return "", fmt.Errorf("ascii: byte 0x%02x at %d: %w", c, i, errUndecodable)
			}
		}
		return string(b), nil
	case "utf-8":
		if !utf8.Valid(b) {
			return "", fmt.Errorf("utf-8: %w", errUndecodable)
		}
		return string(b), nil
	case "latin1":
		runes := make([]rune, len(b))
		for i, c := range b {
			runes[i] = rune(c)
		}
		return string(runes), nil
	}

	r, err := charset.Reader(enc, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%s: %w", enc, err)
	}
	if bytes.ContainsRune(out, utf8.RuneError) && !bytes.ContainsRune(b, utf8.RuneError) {
		return "", fmt.Errorf("%s: %w", enc, errUndecodable)
	}
	return string(out), nil
}

// Encode converts UTF-8 text to the named encoding.
func Encode(s, enc string) ([]byte, error) {
	switch Normalize(enc) {
	case "utf-8":
		return []byte(s), nil
	case "ascii":
		for _, r := range s {
			if r >= utf8.RuneSelf {
				return nil, fmt.Errorf("ascii: cannot encode %q", r)
			}
		}
		return []byte(s), nil
	}

	e, err := Lookup(enc)
	if err != nil {
		return nil, err
	}
	out, err := e.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", enc, err)
	}
	return out, nil
}

// Lookup resolves an encoding label through the IANA and WHATWG indexes.
func Lookup(enc string) (encoding.Encoding, error) {
	switch Normalize(enc) {
	case "latin1":
		return charmap.ISO8859_1, nil
	case "utf-8":
		return unicode.UTF8, nil
	}
	e, err := ianaindex.MIME.Encoding(enc)
	if e == nil || err != nil {
		e, err = htmlindex.Get(enc)
	}
	if err != nil {
		return nil, fmt.Errorf("charset %q: %w", enc, err)
	}
	if e == nil {
		return nil, fmt.Errorf("charset %q: unsupported", enc)
	}
	return e, nil
}

// Normalize folds common aliases of ascii, latin1 and utf-8 onto one
// spelling. Other labels are lower-cased.
func Normalize(enc string) string {
	e := strings.ToLower(strings.TrimSpace(enc))
	switch e {
	case "ascii", "us-ascii", "us_ascii", "646", "ansi_x3.4-1968":
		return "ascii"
	case "latin1", "latin-1", "latin_1", "iso-8859-1", "iso8859-1", "iso_8859-1", "l1":
		return "latin1"
	case "utf8", "utf-8", "utf_8", "u8":
		return "utf-8"
	}
	return e
}

func decodeAll(lines [][]byte, enc string) ([]string, error) {
	out := make([]string, len(lines))
	for i, line := range lines {
		s, err := String(line, enc)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func dedupe(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := list[:0]
	for _, enc := range list {
		key := Normalize(enc)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, enc)
	}
	return out
}
