// Package pop3 implements a POP3 client connection and a small in-memory
// POP3 server used to exercise it.
package pop3

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	gopop3 "github.com/knadh/go-pop3"
)

// Error is a -ERR reply from the server.
type Error struct {
	Command string
	Msg     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("pop3: %s: -ERR %s", e.Command, e.Msg)
}

// MessageInfo is one entry of a LIST reply.
type MessageInfo struct {
	Num  int
	Size int
}

// Conn is an open POP3 connection. It is not safe for concurrent use.
type Conn struct {
	nc *trackedConn
	c  *gopop3.Conn

	// Timeout bounds each command round trip when positive.
	Timeout time.Duration
}

// DialOptions configures Dial.
type DialOptions struct {
	// TLS enables implicit TLS (pop3s) when non-nil and StartTLS is false.
	TLS *tls.Config

	// StartTLS upgrades a plain connection with STLS after the greeting.
	StartTLS bool

	Timeout time.Duration
}

// Dial connects to addr and reads the greeting.
func Dial(ctx context.Context, addr string, opts DialOptions) (*Conn, error) {
	host, portText, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("pop3: invalid address %q: %w", addr, err)
	}
	port, _ := strconv.Atoi(portText)

	d := &dialer{ctx: ctx, addr: addr, opts: opts}
	client := gopop3.New(gopop3.Opt{
		Host:        host,
		Port:        port,
		DialTimeout: opts.Timeout,
		Dialer:      d,
	})
	c, err := client.NewConn()
	if err != nil {
		if d.conn != nil {
			d.conn.Close()
			if d.conn.failed() {
				return nil, err
			}
			return nil, &Error{Command: "greeting", Msg: err.Error()}
		}
		return nil, err
	}
	return &Conn{nc: d.conn, c: c, Timeout: opts.Timeout}, nil
}

// dialer opens the transport for gopop3. It handles TLS itself so the
// caller's tls.Config is honoured, and keeps the connection so it can be
// given deadlines and dropped without QUIT.
type dialer struct {
	ctx  context.Context
	addr string
	opts DialOptions
	conn *trackedConn
}

// Dial ignores the address built by gopop3, which does not bracket IPv6
// hosts, and uses the one given to Dial.
func (d *dialer) Dial(network, _ string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.opts.Timeout}
	raw, err := nd.DialContext(d.ctx, network, d.addr)
	if err != nil {
		return nil, err
	}
	setDeadline(raw, d.opts.Timeout)

	var nc net.Conn = raw
	switch {
	case d.opts.StartTLS:
		nc, err = startTLS(d.ctx, raw, d.opts.TLS)
	case d.opts.TLS != nil:
		tc := tls.Client(raw, d.opts.TLS)
		if err = tc.HandshakeContext(d.ctx); err != nil {
			err = fmt.Errorf("pop3: TLS handshake failed: %w", err)
		}
		nc = tc
	}
	if err != nil {
		raw.Close()
		return nil, err
	}

	d.conn = &trackedConn{Conn: nc}
	return d.conn, nil
}

// startTLS reads the greeting, issues STLS and upgrades raw. The greeting
// is replayed on the returned connection so gopop3 can read it as usual.
func startTLS(ctx context.Context, raw net.Conn, config *tls.Config) (net.Conn, error) {
	if config == nil {
		config = &tls.Config{}
	}
	br := bufio.NewReader(raw)
	greeting, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("pop3: failed to read greeting: %w", err)
	}
	if _, err := parseStatus("greeting", strings.TrimRight(greeting, "\r\n")); err != nil {
		return nil, err
	}
	if _, err := io.WriteString(raw, "STLS\r\n"); err != nil {
		return nil, err
	}
	reply, err := br.ReadString('\n')
	if err != nil {
		return nil, err
	}
	if _, err := parseStatus("STLS", strings.TrimRight(reply, "\r\n")); err != nil {
		return nil, err
	}

	tc := tls.Client(raw, config)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("pop3: TLS handshake failed: %w", err)
	}
	return &replayConn{Conn: tc, r: io.MultiReader(strings.NewReader(greeting), tc)}, nil
}

// replayConn serves buffered bytes before reading from the connection.
type replayConn struct {
	net.Conn
	r io.Reader
}

func (c *replayConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// trackedConn remembers transport failures so that they can be told apart
// from -ERR replies, which gopop3 reports as plain errors.
type trackedConn struct {
	net.Conn

	mu  sync.Mutex
	err error
}

func (c *trackedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.record(err)
	return n, err
}

func (c *trackedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.record(err)
	return n, err
}

func (c *trackedConn) record(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *trackedConn) failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err != nil
}

// Auth logs in with USER and PASS.
func (c *Conn) Auth(user, pass string) error {
	if err := c.do("USER", func() error { return c.c.User(user) }); err != nil {
		return err
	}
	return c.do("PASS", func() error { return c.c.Pass(pass) })
}

// Stat returns the message count and total mailbox size.
func (c *Conn) Stat() (count, size int, err error) {
	err = c.do("STAT", func() error {
		count, size, err = c.c.Stat()
		return err
	})
	return count, size, err
}

// List returns the number and size of every message.
func (c *Conn) List() ([]MessageInfo, error) {
	var ids []gopop3.MessageID
	err := c.do("LIST", func() (err error) {
		ids, err = c.c.List(0)
		return err
	})
	if err != nil {
		return nil, err
	}
	infos := make([]MessageInfo, len(ids))
	for i, id := range ids {
		infos[i] = MessageInfo{Num: id.ID, Size: id.Size}
	}
	return infos, nil
}

// Top returns the header block of message n followed by at most lines
// body lines. Lines are returned undecoded, without terminators.
func (c *Conn) Top(n, lines int) ([][]byte, error) {
	var buf *bytes.Buffer
	err := c.do("TOP", func() (err error) {
		buf, err = c.c.Cmd("TOP", true, n, lines)
		return err
	})
	if err != nil {
		return nil, err
	}
	return splitLines(buf), nil
}

// Retr returns the full text of message n, undecoded.
func (c *Conn) Retr(n int) ([][]byte, error) {
	var buf *bytes.Buffer
	err := c.do("RETR", func() (err error) {
		buf, err = c.c.RetrRaw(n)
		return err
	})
	if err != nil {
		return nil, err
	}
	return splitLines(buf), nil
}

// Dele marks message n for deletion. The server removes it on QUIT.
func (c *Conn) Dele(n int) error {
	return c.do("DELE", func() error { return c.c.Dele(n) })
}

// Noop pings the server.
func (c *Conn) Noop() error {
	return c.do("NOOP", c.c.Noop)
}

// Rset unmarks every message marked for deletion.
func (c *Conn) Rset() error {
	return c.do("RSET", c.c.Rset)
}

// Quit commits deletions, ends the session and closes the connection.
func (c *Conn) Quit() error {
	return c.do("QUIT", c.c.Quit)
}

// Close drops the connection without QUIT. Pending deletions are
// discarded by the server.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// do runs one command under the timeout. Failures without a transport
// error are server replies and become *Error.
func (c *Conn) do(command string, fn func() error) error {
	setDeadline(c.nc, c.Timeout)
	err := fn()
	if err == nil || c.nc.failed() {
		return err
	}
	return &Error{Command: command, Msg: err.Error()}
}

// splitLines cuts a gopop3 multi-line reply, whose lines all end in CRLF.
func splitLines(buf *bytes.Buffer) [][]byte {
	lines := bytes.Split(buf.Bytes(), []byte("\r\n"))
	return lines[:len(lines)-1]
}

func setDeadline(nc net.Conn, timeout time.Duration) {
	if timeout > 0 {
		nc.SetDeadline(time.Now().Add(timeout))
	}
}

func parseStatus(command, line string) (string, error) {
	switch {
	case strings.HasPrefix(line, "+OK"):
		return strings.TrimSpace(strings.TrimPrefix(line, "+OK")), nil
	case strings.HasPrefix(line, "-ERR"):
		return "", &Error{Command: command, Msg: strings.TrimSpace(strings.TrimPrefix(line, "-ERR"))}
	}
	return "", fmt.Errorf("pop3: %s: unexpected reply %q", command, line)
}
