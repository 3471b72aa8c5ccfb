package sender

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-mbox"
)

// Sent log formats.
const (
	FormatSeparator = "separator"
	FormatMbox      = "mbox"
)

// DefaultSeparator precedes each record of a separator-format sent log.
var DefaultSeparator = strings.Repeat("=", 80) + "PY\n"

// SentLog appends sent messages to a local file.
type SentLog struct {
	Path   string
	Format string

	// Separator is used by the separator format. Empty means
	// DefaultSeparator.
	Separator string
}

// Append writes one record. sep overrides the log's separator when set.
// text is stored with LF line endings and always ends in a newline.
func (l *SentLog) Append(text []byte, sep string, from string, at time.Time) error {
	text = bytes.ReplaceAll(text, []byte("\r\n"), []byte("\n"))
	if len(text) == 0 || text[len(text)-1] != '\n' {
		text = append(text, '\n')
	}

	f, err := os.OpenFile(l.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening sent log: %w", err)
	}
	defer f.Close()

	switch l.Format {
	case FormatMbox:
		w := mbox.NewWriter(f)
		mw, err := w.CreateMessage(from, at)
		if err != nil {
			return fmt.Errorf("writing sent log: %w", err)
		}
		if _, err := mw.Write(text); err != nil {
			return fmt.Errorf("writing sent log: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("writing sent log: %w", err)
		}
	default:
		if sep == "" {
			sep = l.separator()
		}
		if _, err := io.WriteString(f, sep); err != nil {
			return fmt.Errorf("writing sent log: %w", err)
		}
		if _, err := f.Write(text); err != nil {
			return fmt.Errorf("writing sent log: %w", err)
		}
	}
	return f.Close()
}

func (l *SentLog) separator() string {
	if l.Separator != "" {
		return l.Separator
	}
	return DefaultSeparator
}

// ReadAll returns every record in the log, oldest first. A missing file
// is an empty log.
func (l *SentLog) ReadAll() ([]string, error) {
	f, err := os.Open(l.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening sent log: %w", err)
	}
	defer f.Close()

	if l.Format == FormatMbox {
		var records []string
		reader := mbox.NewReader(f)
		for {
			msgReader, err := reader.NextMessage()
			if err == io.EOF {
				break
			}
			if err != nil {
				return records, fmt.Errorf("reading sent log: %w", err)
			}
			b, err := io.ReadAll(msgReader)
			if err != nil {
				return records, fmt.Errorf("reading sent log: %w", err)
			}
			records = append(records, string(b))
		}
		return records, nil
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading sent log: %w", err)
	}
	chunks := strings.Split(string(data), l.separator())
	var records []string
	for i, c := range chunks {
		if i == 0 && c == "" {
			continue
		}
		records = append(records, c)
	}
	return records, nil
}
