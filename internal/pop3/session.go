package pop3

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Session states for the POP3 state machine.
const (
	stateAuthorization = iota
	stateTransaction
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

type session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	server *Server
	log    zerolog.Logger

	state     int
	tlsActive bool
	user      string

	msgs    []*stored
	deleted map[int]bool
}

func newSession(conn net.Conn, srv *Server) *session {
	_, tlsActive := conn.(*tls.Conn)
	return &session{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		server:    srv,
		log:       srv.log.With().Str("remote", conn.RemoteAddr().String()).Logger(),
		state:     stateAuthorization,
		tlsActive: tlsActive,
	}
}

// Handle runs the session until the client quits or disconnects. A
// session that ends without QUIT discards its deletions.
func (s *session) Handle(ctx context.Context) {
	defer s.conn.Close()
	committed := false
	defer func() {
		if s.state == stateTransaction && !committed {
			s.server.drop.unlock(nil)
		}
	}()

	s.ok("%s POP3 server ready", s.server.config.Hostname)

	for {
		select {
		case <-ctx.Done():
			s.err("server shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			s.log.Error().Err(err).Msg("failed to set connection deadline")
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.log.Debug().Err(err).Msg("connection read error")
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, args := parseCommand(line)
		if cmd == "QUIT" {
			committed = s.handleQUIT()
			return
		}
		s.handleCommand(cmd, args)
	}
}

func (s *session) handleCommand(cmd string, args []string) {
	switch cmd {
	case "CAPA":
		s.handleCAPA()
		return
	case "NOOP":
		s.ok("")
		return
	}

	if s.state == stateAuthorization {
		switch cmd {
		case "USER":
			s.handleUSER(args)
		case "PASS":
			s.handlePASS(args)
		case "STLS":
			s.handleSTLS()
		default:
			s.err("command not valid before login")
		}
		return
	}

	switch cmd {
	case "STAT":
		s.handleSTAT()
	case "LIST":
		s.handleLIST(args)
	case "UIDL":
		s.handleUIDL(args)
	case "RETR":
		s.handleRETR(args)
	case "TOP":
		s.handleTOP(args)
	case "DELE":
		s.handleDELE(args)
	case "RSET":
		s.deleted = map[int]bool{}
		s.ok("maildrop has %d messages", len(s.msgs))
	default:
		s.err("unrecognized command")
	}
}

func (s *session) handleCAPA() {
	s.ok("capability list follows")
	s.writeLine("USER")
	s.writeLine("UIDL")
	if !s.server.config.DisableTop {
		s.writeLine("TOP")
	}
	if s.server.config.TLSConfig != nil && !s.tlsActive {
		s.writeLine("STLS")
	}
	s.writeLine(".")
}

func (s *session) handleSTLS() {
	if s.server.config.TLSConfig == nil || s.tlsActive {
		s.err("TLS not available")
		return
	}
	s.ok("begin TLS negotiation")

	tlsConn := tls.Server(s.conn, s.server.config.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.log.Error().Err(err).Msg("TLS handshake failed")
		return
	}
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.user = ""
}

func (s *session) handleUSER(args []string) {
	if len(args) != 1 {
		s.err("syntax: USER name")
		return
	}
	s.user = args[0]
	s.ok("send PASS")
}

func (s *session) handlePASS(args []string) {
	if s.user == "" {
		s.err("send USER first")
		return
	}
	pass := strings.Join(args, " ")
	if err := s.server.auth.Verify(s.user, pass); err != nil {
		s.user = ""
		s.err("[AUTH] %s", err)
		return
	}

	msgs, err := s.server.drop.lock()
	if err != nil {
		s.err("[IN-USE] %s", err)
		return
	}
	s.msgs = msgs
	s.deleted = map[int]bool{}
	s.state = stateTransaction
	s.ok("logged in as %s", s.user)
}

func (s *session) handleSTAT() {
	count, size := 0, 0
	for i, m := range s.msgs {
		if !s.deleted[i+1] {
			count++
			size += m.size()
		}
	}
	s.ok("%d %d", count, size)
}

func (s *session) handleLIST(args []string) {
	if len(args) > 0 {
		n, m, ok := s.lookup(args[0])
		if !ok {
			return
		}
		s.ok("%d %d", n, m.size())
		return
	}

	s.ok("scan listing follows")
	for i, m := range s.msgs {
		if !s.deleted[i+1] {
			s.writeLine("%d %d", i+1, m.size())
		}
	}
	s.writeLine(".")
}

func (s *session) handleUIDL(args []string) {
	uid := func(m *stored) string { return fmt.Sprintf("%p", m) }
	if len(args) > 0 {
		n, m, ok := s.lookup(args[0])
		if !ok {
			return
		}
		s.ok("%d %s", n, uid(m))
		return
	}

	s.ok("unique-id listing follows")
	for i, m := range s.msgs {
		if !s.deleted[i+1] {
			s.writeLine("%d %s", i+1, uid(m))
		}
	}
	s.writeLine(".")
}

func (s *session) handleRETR(args []string) {
	if len(args) != 1 {
		s.err("syntax: RETR msg")
		return
	}
	_, m, ok := s.lookup(args[0])
	if !ok {
		return
	}
	s.ok("%d octets", m.size())
	s.writeMultiline(m.lines())
}

func (s *session) handleTOP(args []string) {
	if s.server.config.DisableTop {
		s.err("unrecognized command")
		return
	}
	if len(args) != 2 {
		s.err("syntax: TOP msg n")
		return
	}
	bodyLines, err := strconv.Atoi(args[1])
	if err != nil || bodyLines < 0 {
		s.err("invalid line count")
		return
	}
	_, m, ok := s.lookup(args[0])
	if !ok {
		return
	}

	lines := m.lines()
	out := make([][]byte, 0, len(lines))
	inBody := false
	for _, l := range lines {
		if inBody {
			if bodyLines == 0 {
				break
			}
			bodyLines--
		}
		out = append(out, l)
		if !inBody && len(l) == 0 {
			inBody = true
		}
	}
	s.ok("top of message follows")
	s.writeMultiline(out)
}

func (s *session) handleDELE(args []string) {
	if len(args) != 1 {
		s.err("syntax: DELE msg")
		return
	}
	n, _, ok := s.lookup(args[0])
	if !ok {
		return
	}
	s.deleted[n] = true
	s.ok("message %d deleted", n)
}

// handleQUIT enters the update state. It reports whether the maildrop
// lock was released with deletions applied.
func (s *session) handleQUIT() bool {
	if s.state != stateTransaction {
		s.ok("bye")
		return false
	}

	var gone []*stored
	for n := range s.deleted {
		gone = append(gone, s.msgs[n-1])
	}
	s.server.drop.unlock(gone)
	s.ok("bye, %d messages deleted", len(gone))
	return true
}

// lookup resolves a message number argument, replying -ERR itself when
// the number is invalid or deleted.
func (s *session) lookup(arg string) (int, *stored, bool) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(s.msgs) {
		s.err("no such message")
		return 0, nil, false
	}
	if s.deleted[n] {
		s.err("message %d already deleted", n)
		return 0, nil, false
	}
	return n, s.msgs[n-1], true
}

func (s *session) writeMultiline(lines [][]byte) {
	for _, l := range lines {
		if len(l) > 0 && l[0] == '.' {
			s.writer.WriteByte('.')
		}
		s.writer.Write(l)
		s.writer.WriteString("\r\n")
	}
	s.writeLine(".")
}

func (s *session) ok(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if msg == "" {
		s.writeLine("+OK")
		return
	}
	s.writeLine("+OK %s", msg)
}

func (s *session) err(format string, args ...any) {
	s.writeLine("-ERR "+format, args...)
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *session) writeLine(format string, args ...any) {
	if _, err := fmt.Fprintf(s.writer, format+"\r\n", args...); err != nil {
		s.log.Error().Err(err).Msg("failed to write to client")
		return
	}
	if err := s.writer.Flush(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Error().Err(err).Msg("failed to flush to client")
	}
}

// parseCommand splits a command line into the upper-cased verb and its
// arguments.
func parseCommand(line string) (string, []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToUpper(fields[0]), fields[1:]
}
