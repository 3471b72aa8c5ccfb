package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shineum/mailkit/internal/fetcher"
)

// snapshot is a saved header index, used later to check that message
// numbers still refer to the same messages.
type snapshot struct {
	Server  string    `yaml:"server"`
	User    string    `yaml:"user"`
	Taken   time.Time `yaml:"taken"`
	Limited bool      `yaml:"limited"`
	Sizes   []int     `yaml:"sizes"`
	Headers []string  `yaml:"headers"`
}

func newSnapshot(server, user string, idx fetcher.Index, taken time.Time) *snapshot {
	return &snapshot{
		Server:  server,
		User:    user,
		Taken:   taken.UTC(),
		Limited: idx.Limited,
		Sizes:   idx.Sizes,
		Headers: idx.Headers,
	}
}

func (s *snapshot) save(path string) error {
	if s.Limited {
		return errors.New("cannot save an index with skipped messages, load it without a limit")
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	return nil
}

func loadSnapshot(path string) (*snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading index: %w", err)
	}
	var s snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing index: %w", err)
	}
	return &s, nil
}

// matches reports whether the snapshot was taken for this account.
func (s *snapshot) matches(server, user string) bool {
	return s.Server == server && s.User == user
}
