package fetcher

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mailkit/internal/credential"
	"github.com/shineum/mailkit/internal/mailerr"
	"github.com/shineum/mailkit/internal/pop3"
)

const (
	msgOne   = "From: a@example.com\r\nSubject: one\r\nMessage-Id: <1@example.com>\r\n\r\nfirst body\r\n"
	msgTwo   = "From: b@example.com\r\nSubject: two\r\nMessage-Id: <2@example.com>\r\n\r\nline 1\r\n.dotted\r\n"
	msgThree = "From: c@example.com\r\nSubject: three\r\nMessage-Id: <3@example.com>\r\n\r\nthird\r\n"
	msgFour  = "From: d@example.com\r\nSubject: four\r\nMessage-Id: <4@example.com>\r\n\r\nfourth\r\n"
)

type fixture struct {
	drop    *pop3.Maildrop
	srv     *pop3.Server
	fetcher *Fetcher
}

func newFixture(t *testing.T, serverTop bool, cfg Config, opts ...Option) *fixture {
	t.Helper()

	drop := pop3.NewMaildrop([]byte(msgOne), []byte(msgTwo), []byte(msgThree))
	srv := pop3.NewServer(pop3.ServerConfig{
		AuthUsername: "alice",
		AuthPassword: "secret",
		DisableTop:   !serverTop,
	}, drop)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	cfg.Server = srv.Addr()
	if cfg.User == "" {
		cfg.User = "alice"
	}
	cfg.Timeout = 5 * time.Second
	opts = append([]Option{WithSecret(credential.Static("secret"))}, opts...)
	return &fixture{drop: drop, srv: srv, fetcher: New(cfg, opts...)}
}

// released waits until the server has no open session and the maildrop
// lock is free.
func (fx *fixture) released(t *testing.T) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return fx.srv.Active() == 0 && !fx.drop.Locked()
	}, time.Second, 10*time.Millisecond, "session not released")
}

type progressLog [][2]int

func (p *progressLog) record(cur, total int) { *p = append(*p, [2]int{cur, total}) }

func TestFetchHeaderIndex(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, true, Config{HasTop: true})
	var calls progressLog

	idx, err := fx.fetcher.FetchHeaderIndex(context.Background(), calls.record, 1)
	require.NoError(t, err)
	fx.released(t)

	require.Len(t, idx.Headers, 3)
	assert.Equal(t, "From: a@example.com\nSubject: one\nMessage-Id: <1@example.com>\n", idx.Headers[0])
	assert.NotContains(t, idx.Headers[1], "line 1", "TOP 0 must not include body lines")
	assert.Equal(t, []int{len(msgOne), len(msgTwo), len(msgThree)}, idx.Sizes)
	assert.False(t, idx.Limited)
	assert.Equal(t, progressLog{{1, 3}, {2, 3}, {3, 3}}, calls)
}

func TestFetchHeaderIndex_StartFrom(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, true, Config{HasTop: true})
	var calls progressLog

	idx, err := fx.fetcher.FetchHeaderIndex(context.Background(), calls.record, 2)
	require.NoError(t, err)
	require.Len(t, idx.Headers, 2)
	assert.Contains(t, idx.Headers[0], "Subject: two")
	assert.Equal(t, progressLog{{2, 3}, {3, 3}}, calls)

	idx, err = fx.fetcher.FetchHeaderIndex(context.Background(), nil, 9)
	require.NoError(t, err)
	assert.Empty(t, idx.Headers)
}

func TestFetchHeaderIndex_Limit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		limit       int
		wantSkipped int
		wantLimited bool
	}{
		{name: "no limit", limit: 0, wantSkipped: 0},
		{name: "limit applied", limit: 2, wantSkipped: 1, wantLimited: true},
		{name: "limit above count", limit: 5, wantSkipped: 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fx := newFixture(t, true, Config{HasTop: true, FetchLimit: tt.limit})
			var calls progressLog
			idx, err := fx.fetcher.FetchHeaderIndex(context.Background(), calls.record, 1)
			require.NoError(t, err)

			require.Len(t, idx.Headers, 3)
			for i, h := range idx.Headers {
				if i < tt.wantSkipped {
					assert.Equal(t, SkippedHeader, h, "header %d", i+1)
				} else {
					assert.NotEqual(t, SkippedHeader, h, "header %d", i+1)
				}
			}
			assert.Equal(t, tt.wantLimited, idx.Limited)
			assert.Len(t, calls, 3, "progress runs for skipped messages too")
		})
	}
}

func TestFetchHeaderIndex_WithoutTopLoadsFullMessages(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, false, Config{HasTop: false, FetchLimit: 2})

	idx, err := fx.fetcher.FetchHeaderIndex(context.Background(), nil, 1)
	require.NoError(t, err)
	fx.released(t)

	require.Len(t, idx.Headers, 3)
	assert.Equal(t, SkippedMessage, idx.Headers[0])
	assert.Equal(t, len(SkippedMessage), idx.Sizes[0])
	assert.Contains(t, idx.Headers[1], "line 1\n.dotted")
	assert.Equal(t, len(msgTwo), idx.Sizes[1])
	assert.True(t, idx.Limited)
}

func TestFetchFullMessage(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, true, Config{HasTop: true})
	text, err := fx.fetcher.FetchFullMessage(context.Background(), 2)
	require.NoError(t, err)
	fx.released(t)

	assert.Equal(t, "From: b@example.com\nSubject: two\nMessage-Id: <2@example.com>\n\nline 1\n.dotted", text)

	_, err = fx.fetcher.FetchFullMessage(context.Background(), 42)
	var perr *pop3.Error
	assert.ErrorAs(t, err, &perr)
	fx.released(t)
}

func TestConnect_AuthenticationError(t *testing.T) {
	t.Parallel()

	calls := 0
	resolver := func(context.Context, credential.Request) (string, error) {
		calls++
		return "wrong", nil
	}
	fx := newFixture(t, true, Config{HasTop: true}, WithSecret(resolver))

	_, err := fx.fetcher.FetchHeaderIndex(context.Background(), nil, 1)
	require.Error(t, err)
	assert.True(t, mailerr.IsAuth(err), "got %v", err)

	_, err = fx.fetcher.FetchFullMessage(context.Background(), 1)
	assert.True(t, mailerr.IsAuth(err))
	assert.Equal(t, 2, calls, "a rejected password must be asked for again")
	fx.released(t)
}

func TestConnect_SecretResolvedOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	resolver := func(context.Context, credential.Request) (string, error) {
		calls++
		return "secret", nil
	}
	fx := newFixture(t, true, Config{HasTop: true}, WithSecret(resolver))

	for i := 0; i < 3; i++ {
		_, err := fx.fetcher.FetchFullMessage(context.Background(), 1)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, calls)
}

func TestConnect_ConnectionError(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	f := New(Config{Server: addr, User: "alice", HasTop: true, Timeout: time.Second},
		WithSecret(credential.Static("secret")))
	_, err = f.FetchHeaderIndex(context.Background(), nil, 1)
	require.Error(t, err)
	assert.True(t, mailerr.IsConnection(err), "got %v", err)
}

func TestDeleteMessages(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, true, Config{HasTop: true})
	var calls progressLog

	require.NoError(t, fx.fetcher.DeleteMessages(context.Background(), []int{1, 3}, calls.record))
	fx.released(t)

	assert.Equal(t, [][]byte{[]byte(msgTwo)}, fx.drop.Messages())
	assert.Equal(t, progressLog{{1, 2}, {2, 2}}, calls)
}

func TestDeleteMessagesSafe(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, true, Config{HasTop: true})
	idx, err := fx.fetcher.FetchHeaderIndex(context.Background(), nil, 1)
	require.NoError(t, err)

	var calls progressLog
	require.NoError(t, fx.fetcher.DeleteMessagesSafe(context.Background(), []int{2}, idx.Headers, calls.record))
	fx.released(t)

	msgs := fx.drop.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, msgOne, string(msgs[0]))
	assert.Equal(t, msgThree, string(msgs[1]))
	assert.Equal(t, progressLog{{1, 1}}, calls)
}

func TestDeleteMessagesSafe_StaleHeaderAbortsBatch(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, true, Config{HasTop: true})
	idx, err := fx.fetcher.FetchHeaderIndex(context.Background(), nil, 1)
	require.NoError(t, err)

	// Another client deletes message 2; message 3 shifts into its place.
	require.True(t, fx.drop.Remove(2))

	err = fx.fetcher.DeleteMessagesSafe(context.Background(), []int{1, 2}, idx.Headers, nil)
	var serr *mailerr.SynchronizationError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 2, serr.Msg)
	fx.released(t)

	msgs := fx.drop.Messages()
	require.Len(t, msgs, 2, "no deletion may survive an aborted batch")
	assert.Equal(t, msgOne, string(msgs[0]))
	assert.Equal(t, msgThree, string(msgs[1]))
}

func TestDeleteMessagesSafe_NumberBeyondMailbox(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, true, Config{HasTop: true})
	idx, err := fx.fetcher.FetchHeaderIndex(context.Background(), nil, 1)
	require.NoError(t, err)
	require.True(t, fx.drop.Remove(3))

	err = fx.fetcher.DeleteMessagesSafe(context.Background(), []int{3}, idx.Headers, nil)
	var serr *mailerr.SynchronizationError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 3, serr.Msg)
	assert.Equal(t, 2, fx.drop.Len())
}

func TestDeleteMessagesSafe_RequiresTop(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, false, Config{HasTop: false})

	err := fx.fetcher.DeleteMessagesSafe(context.Background(), []int{1}, []string{"x"}, nil)
	assert.True(t, mailerr.IsCapability(err), "got %v", err)
	assert.Equal(t, 0, fx.srv.Sessions(), "no session may be opened")
	assert.Equal(t, 3, fx.drop.Len())
}

func TestCheckSynchronization(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, true, Config{HasTop: true})
	idx, err := fx.fetcher.FetchHeaderIndex(context.Background(), nil, 1)
	require.NoError(t, err)

	require.NoError(t, fx.fetcher.CheckSynchronization(context.Background(), idx.Headers))
	require.NoError(t, fx.fetcher.CheckSynchronization(context.Background(), idx.Headers[:2]))
	require.NoError(t, fx.fetcher.CheckSynchronization(context.Background(), nil))

	// Another client deletes message 2.
	require.True(t, fx.drop.Remove(2))
	err = fx.fetcher.CheckSynchronization(context.Background(), idx.Headers)
	assert.True(t, mailerr.IsSync(err), "got %v", err)
	fx.released(t)
}

func TestCheckSynchronization_ShiftedLastMessage(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, true, Config{HasTop: true})
	idx, err := fx.fetcher.FetchHeaderIndex(context.Background(), nil, 1)
	require.NoError(t, err)

	// Same count, different content at the last position.
	require.True(t, fx.drop.Remove(2))
	fx.drop.Add([]byte(msgFour))

	err = fx.fetcher.CheckSynchronization(context.Background(), idx.Headers)
	var serr *mailerr.SynchronizationError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 3, serr.Msg)
}

func TestCheckSynchronization_WithoutTopChecksCountOnly(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, false, Config{HasTop: false})
	stale := []string{"a", "b", "c"}
	require.NoError(t, fx.fetcher.CheckSynchronization(context.Background(), stale))

	require.True(t, fx.drop.Remove(1))
	assert.True(t, mailerr.IsSync(fx.fetcher.CheckSynchronization(context.Background(), stale)))
}

// fakeSession records how a session was ended.
type fakeSession struct {
	quit, closed bool
	deleErr      error
}

func (s *fakeSession) Auth(string, string) error { return nil }
func (s *fakeSession) Stat() (int, int, error)   { return 2, 100, nil }
func (s *fakeSession) List() ([]pop3.MessageInfo, error) {
	return []pop3.MessageInfo{{Num: 1, Size: 50}, {Num: 2, Size: 50}}, nil
}
func (s *fakeSession) Top(int, int) ([][]byte, error)  { return [][]byte{[]byte("Subject: x"), nil}, nil }
func (s *fakeSession) Retr(int) ([][]byte, error)      { return nil, errors.New("connection reset") }
func (s *fakeSession) Dele(int) error                  { return s.deleErr }
func (s *fakeSession) Quit() error                     { s.quit = true; return nil }
func (s *fakeSession) Close() error                    { s.closed = true; return nil }

func TestWithSession_EndsSessionOnEveryPath(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{}
	f := New(Config{Server: "pop.test:995", HasTop: true}, WithDialer(
		func(context.Context, string, pop3.DialOptions) (Session, error) { return sess, nil },
	))

	require.NoError(t, f.DeleteMessages(context.Background(), []int{1}, nil))
	assert.True(t, sess.quit)
	assert.False(t, sess.closed)

	*sess = fakeSession{}
	_, err := f.FetchFullMessage(context.Background(), 1)
	assert.True(t, mailerr.IsConnection(err), "transport failures are connection errors, got %v", err)
	assert.False(t, sess.quit, "failed operation must not commit")
	assert.True(t, sess.closed)
}

func TestFetch_ContextCancelled(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{}
	f := New(Config{Server: "pop.test:995", HasTop: true}, WithDialer(
		func(context.Context, string, pop3.DialOptions) (Session, error) { return sess, nil },
	))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.FetchHeaderIndex(ctx, nil, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, sess.closed)
}
