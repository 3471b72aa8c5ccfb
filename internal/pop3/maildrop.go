package pop3

import (
	"bytes"
	"errors"
	"sync"
)

// ErrMaildropLocked is returned when a second session tries to open a
// maildrop that is already in use.
var ErrMaildropLocked = errors.New("maildrop already locked")

type stored struct {
	data []byte
}

func (s *stored) lines() [][]byte {
	data := bytes.TrimSuffix(s.data, []byte("\n"))
	if len(data) == 0 {
		return nil
	}
	lines := bytes.Split(data, []byte("\n"))
	for i, l := range lines {
		lines[i] = bytes.TrimSuffix(l, []byte("\r"))
	}
	return lines
}

// size is the octet count of the message as sent on the wire (CRLF lines).
func (s *stored) size() int {
	n := 0
	for _, l := range s.lines() {
		n += len(l) + 2
	}
	return n
}

// Maildrop is an in-memory mailbox served by Server. Deletions made
// during a session are applied only when the session ends with QUIT.
type Maildrop struct {
	mu       sync.Mutex
	messages []*stored
	locked   bool
}

// NewMaildrop creates a maildrop holding msgs in order.
func NewMaildrop(msgs ...[]byte) *Maildrop {
	m := &Maildrop{}
	for _, msg := range msgs {
		m.Add(msg)
	}
	return m
}

// Add appends a message.
func (m *Maildrop) Add(msg []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, &stored{data: bytes.Clone(msg)})
}

// Remove deletes message n (1-based) immediately, as another client
// would. It reports whether n existed.
func (m *Maildrop) Remove(n int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 1 || n > len(m.messages) {
		return false
	}
	m.messages = append(m.messages[:n-1], m.messages[n:]...)
	return true
}

// Len returns the number of messages.
func (m *Maildrop) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// Messages returns copies of the stored messages.
func (m *Maildrop) Messages() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.messages))
	for i, s := range m.messages {
		out[i] = bytes.Clone(s.data)
	}
	return out
}

// Locked reports whether a session currently holds the maildrop.
func (m *Maildrop) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

func (m *Maildrop) lock() ([]*stored, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return nil, ErrMaildropLocked
	}
	m.locked = true
	return append([]*stored(nil), m.messages...), nil
}

func (m *Maildrop) unlock(deleted []*stored) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked = false
	if len(deleted) == 0 {
		return
	}

	gone := make(map[*stored]bool, len(deleted))
	for _, s := range deleted {
		gone[s] = true
	}
	kept := m.messages[:0]
	for _, s := range m.messages {
		if !gone[s] {
			kept = append(kept, s)
		}
	}
	m.messages = kept
}
