// Package parser provides RFC 5322 message parsing with MIME multipart
// support. Parsing never fails outright: unparseable text becomes a
// sentinel message so that batch operations keep going.
package parser

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/rs/zerolog"

	"github.com/shineum/mailkit/internal/decode"
	"github.com/shineum/mailkit/internal/email"
)

// Parser parses and inspects messages. The zero value is ready to use.
type Parser struct {
	// Charsets are tried, in order, after a part's declared charset when
	// decoding text payloads. Nil means DefaultEncoding, latin1, utf-8.
	Charsets []string

	Logger zerolog.Logger
}

// New creates a Parser logging to logger.
func New(logger zerolog.Logger) *Parser {
	return &Parser{Logger: logger}
}

// ParseFull parses a complete message, including every MIME part.
func (p *Parser) ParseFull(text string) *email.Message {
	msg, err := p.parseEntity(bufio.NewReader(strings.NewReader(text)), "")
	if err != nil {
		p.Logger.Debug().Err(err).Msg("failed to parse message")
		return email.ErrorMessage(err)
	}
	return msg
}

// ParseHeaders parses only the header block. Whatever follows the blank
// line is kept unparsed as the body.
func (p *Parser) ParseHeaders(text string) *email.Message {
	br := bufio.NewReader(strings.NewReader(text))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		p.Logger.Debug().Err(err).Msg("failed to parse message headers")
		return email.ErrorMessage(err)
	}
	rest, err := io.ReadAll(br)
	if err != nil {
		return email.ErrorMessage(err)
	}
	return &email.Message{Header: h, Body: rest}
}

// ParseBytes decodes raw message bytes with the given preferred encoding
// and parses the result.
func (p *Parser) ParseBytes(raw []byte, preferred string) *email.Message {
	dec := decode.Decoder{Preferred: preferred, Logger: p.Logger}
	return p.ParseFull(dec.Text(decode.SplitLines(raw)))
}

func (p *Parser) parseEntity(br *bufio.Reader, defaultType string) (*email.Message, error) {
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	return p.parseBody(h, br, defaultType)
}

func (p *Parser) parseBody(h textproto.Header, body io.Reader, defaultType string) (*email.Message, error) {
	m := &email.Message{Header: h, DefaultType: defaultType}
	mediaType, params := m.ContentType()

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		boundary := params["boundary"]
		if boundary == "" {
			return nil, errors.New("multipart message missing boundary")
		}
		childType := ""
		if mediaType == "multipart/digest" {
			childType = "message/rfc822"
		}

		mr := textproto.NewMultipartReader(body, boundary)
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				// Truncated or unterminated multipart: keep what was read.
				p.Logger.Debug().Err(err).Int("parts", len(m.Parts)).Msg("multipart body ended early")
				break
			}
			child, err := p.parseBody(part.Header, part, childType)
			if err != nil {
				p.Logger.Debug().Err(err).Int("parts", len(m.Parts)).Msg("stopping at unreadable part")
				break
			}
			m.Parts = append(m.Parts, child)
		}

	case mediaType == "message/rfc822":
		inner, err := p.parseEntity(bufio.NewReader(body), "")
		if err != nil {
			return nil, fmt.Errorf("failed to parse enclosed message: %w", err)
		}
		m.Parts = []*email.Message{inner}

	default:
		b, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
		m.Body = b
	}

	return m, nil
}
