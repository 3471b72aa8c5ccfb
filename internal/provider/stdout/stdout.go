// Package stdout implements a dry-run Provider that prints messages
// instead of sending them.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/docker/go-units"

	"github.com/shineum/mailkit/internal/provider"
)

const rule = "========================================\n"

// Provider prints the envelope and raw message text to a writer.
type Provider struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints the message. It never rejects a recipient.
func (p *Provider) Send(_ context.Context, env provider.Envelope, raw []byte) (map[string]error, error) {
	var b strings.Builder

	b.WriteString(rule)
	fmt.Fprintf(&b, "MAIL FROM: <%s>\n", env.From)
	for _, r := range env.Recipients {
		fmt.Fprintf(&b, "RCPT TO: <%s>\n", r)
	}
	fmt.Fprintf(&b, "Size: %s\n", units.HumanSize(float64(len(raw))))
	b.WriteString("\n")
	b.WriteString(strings.ReplaceAll(string(raw), "\r\n", "\n"))
	if len(raw) > 0 && raw[len(raw)-1] != '\n' {
		b.WriteString("\n")
	}
	b.WriteString(rule)

	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		return nil, fmt.Errorf("failed to write message: %w", err)
	}
	return nil, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}
