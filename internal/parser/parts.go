package parser

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"os"
	"path/filepath"
	"strings"

	"github.com/shineum/mailkit/internal/decode"
	"github.com/shineum/mailkit/internal/email"
)

// ErrPartNotFound is returned by SaveOnePart for an unknown part name.
var ErrPartNotFound = errors.New("part not found")

// noContent is written for parts without a decodable payload.
const noContent = "(no content)"

// Fixed extensions for common types, so synthesized names do not depend on
// the host's mime.types files.
var extensions = map[string]string{
	"text/plain":               ".txt",
	"text/html":                ".html",
	"text/csv":                 ".csv",
	"text/xml":                 ".xml",
	"text/css":                 ".css",
	"text/calendar":            ".ics",
	"image/jpeg":               ".jpg",
	"image/png":                ".png",
	"image/gif":                ".gif",
	"image/bmp":                ".bmp",
	"image/svg+xml":            ".svg",
	"audio/mpeg":               ".mp3",
	"audio/x-wav":              ".wav",
	"video/mp4":                ".mp4",
	"application/pdf":          ".pdf",
	"application/zip":          ".zip",
	"application/json":         ".json",
	"application/msword":       ".doc",
	"application/octet-stream": ".bin",
}

// SavedPart describes a part written to disk.
type SavedPart struct {
	ContentType string
	Path        string
}

// WalkNamedParts returns the leaf parts of msg in document order.
// Multipart containers and message/rfc822 wrappers are skipped, but they
// still count towards the index used in synthesized file names.
func (p *Parser) WalkNamedParts(msg *email.Message) []email.Part {
	var parts []email.Part
	ix := 0
	msg.Walk(func(node *email.Message) {
		defer func() { ix++ }()

		contentType, _ := node.ContentType()
		if node.IsMultipart() || contentType == "message/rfc822" {
			return
		}
		parts = append(parts, email.Part{
			Filename:    p.partName(node, ix),
			ContentType: contentType,
			Index:       ix,
			Node:        node,
		})
	})
	return parts
}

// PartsList returns the names of the leaf parts of msg.
func (p *Parser) PartsList(msg *email.Message) []string {
	parts := p.WalkNamedParts(msg)
	names := make([]string, len(parts))
	for i, part := range parts {
		names[i] = part.Filename
	}
	return names
}

// FindPart looks a part up by the name WalkNamedParts gives it.
func (p *Parser) FindPart(name string, msg *email.Message) (email.Part, bool) {
	for _, part := range p.WalkNamedParts(msg) {
		if part.Filename == name {
			return part, true
		}
	}
	return email.Part{}, false
}

// partName derives the display name of a part from its declared file
// name, or from its position and content type.
func (p *Parser) partName(node *email.Message, ix int) string {
	if name := node.Filename(); name != "" {
		return p.DecodeHeaderField(name)
	}
	contentType, _ := node.ContentType()
	return fmt.Sprintf("part-%03d%s", ix, extensionFor(contentType))
}

func extensionFor(contentType string) string {
	if ext, ok := extensions[contentType]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// DecodePayload returns the content of a leaf part with its transfer
// encoding removed. Multipart nodes have no payload and return nil.
// Malformed encoded content is returned as is.
func (p *Parser) DecodePayload(part *email.Message) []byte {
	if part.IsMultipart() || len(part.Parts) > 0 {
		return nil
	}

	raw := part.Body
	if raw == nil {
		raw = []byte{}
	}

	switch part.TransferEncoding() {
	case "base64":
		if b, err := decodeBase64(raw); err == nil {
			return b
		}
		p.Logger.Debug().Msg("invalid base64 payload, returning raw content")
	case "quoted-printable":
		if b, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw))); err == nil {
			return b
		}
		p.Logger.Debug().Msg("invalid quoted-printable payload, returning raw content")
	case "x-uuencode", "uuencode", "uue", "x-uue":
		if b, err := uudecode(raw); err == nil {
			return b
		}
		p.Logger.Debug().Msg("invalid uuencoded payload, returning raw content")
	}
	return raw
}

// DecodePayloadText returns the payload of a leaf part as text, trying
// the declared charset and then the parser's fallback charsets. When none
// applies it returns email.UndecodableText.
func (p *Parser) DecodePayloadText(part *email.Message) string {
	payload := p.DecodePayload(part)
	if payload == nil {
		return ""
	}

	var tries []string
	if cs := part.Charset(); cs != "" {
		tries = append(tries, cs)
	}
	tries = append(tries, p.charsets()...)

	for _, cs := range tries {
		if text, err := decode.String(payload, cs); err == nil {
			return text
		}
	}
	p.Logger.Debug().Strs("charsets", tries).Msg("payload undecodable")
	return email.UndecodableText
}

func (p *Parser) charsets() []string {
	if p.Charsets != nil {
		return p.Charsets
	}
	return []string{decode.DefaultEncoding, "latin1", "utf-8"}
}

// FindMainText returns the content type and text of the part a reader
// most likely wants: the first text/plain, else text/html, else any
// other text/* part.
func (p *Parser) FindMainText(msg *email.Message) (string, string) {
	preferences := []func(string) bool{
		func(t string) bool { return t == "text/plain" },
		func(t string) bool { return t == "text/html" },
		func(t string) bool { return strings.HasPrefix(t, "text/") },
	}

	for _, match := range preferences {
		var found *email.Message
		msg.Walk(func(node *email.Message) {
			if found != nil {
				return
			}
			if t, _ := node.ContentType(); match(t) {
				found = node
			}
		})
		if found != nil {
			t, _ := found.ContentType()
			return t, p.DecodePayloadText(found)
		}
	}
	return "text/plain", email.NoTextPlaceholder
}

// SaveParts writes every named part of msg into dir, creating it if needed.
func (p *Parser) SaveParts(dir string, msg *email.Message) ([]SavedPart, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	var saved []SavedPart
	for _, part := range p.WalkNamedParts(msg) {
		path, err := p.writePart(dir, part)
		if err != nil {
			return saved, err
		}
		saved = append(saved, SavedPart{ContentType: part.ContentType, Path: path})
	}
	return saved, nil
}

// SaveOnePart writes the part called name into dir.
func (p *Parser) SaveOnePart(dir, name string, msg *email.Message) (SavedPart, error) {
	part, ok := p.FindPart(name, msg)
	if !ok {
		return SavedPart{}, fmt.Errorf("%q: %w", name, ErrPartNotFound)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return SavedPart{}, fmt.Errorf("failed to create directory: %w", err)
	}
	path, err := p.writePart(dir, part)
	if err != nil {
		return SavedPart{}, err
	}
	return SavedPart{ContentType: part.ContentType, Path: path}, nil
}

func (p *Parser) writePart(dir string, part email.Part) (string, error) {
	path := filepath.Join(dir, filepath.Base(part.Filename))
	content := p.DecodePayload(part.Node)
	if content == nil {
		content = []byte(noContent)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("failed to save part %s: %w", part.Filename, err)
	}
	p.Logger.Debug().Str("path", path).Int("bytes", len(content)).Msg("part saved")
	return path, nil
}

func decodeBase64(raw []byte) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return r
	}, string(raw))

	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "="))
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}
