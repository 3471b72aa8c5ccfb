// Package credential resolves account secrets from files, the OS keyring
// or an interactive prompt.
package credential

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/99designs/keyring"
	"golang.org/x/term"
)

// ErrNotFound is returned by a Resolver that has no secret for a request.
// Chain moves on to the next resolver on this error only.
var ErrNotFound = errors.New("credential not found")

// Request identifies the account a secret is needed for.
type Request struct {
	// Service is "pop" or "smtp".
	Service string
	Server  string
	User    string
}

// Key returns the keyring key for the request.
func (r Request) Key() string {
	return fmt.Sprintf("%s:%s@%s", r.Service, r.User, r.Server)
}

// Resolver returns the secret for an account.
type Resolver func(ctx context.Context, req Request) (string, error)

// Static always returns secret.
func Static(secret string) Resolver {
	return func(context.Context, Request) (string, error) {
		return secret, nil
	}
}

// File reads the secret from the first line of path. An empty path or a
// missing file yields ErrNotFound.
func File(path string) Resolver {
	return func(_ context.Context, _ Request) (string, error) {
		if path == "" {
			return "", ErrNotFound
		}
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if err != nil {
			return "", fmt.Errorf("opening password file: %w", err)
		}
		defer f.Close()

		line, err := bufio.NewReader(f).ReadString('\n')
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("reading password file: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
}

// OpenKeyring opens the OS keyring for service. fileDir is used by the
// encrypted file backend when no native keyring is available.
func OpenKeyring(service, fileDir string) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(service + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Keyring looks the secret up in ring under Request.Key.
func Keyring(ring keyring.Keyring) Resolver {
	return func(_ context.Context, req Request) (string, error) {
		item, err := ring.Get(req.Key())
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, req.Key())
		}
		if err != nil {
			return "", fmt.Errorf("getting credential %q: %w", req.Key(), err)
		}
		return string(item.Data), nil
	}
}

// Store saves secret in ring for req.
func Store(ring keyring.Keyring, req Request, secret string) error {
	err := ring.Set(keyring.Item{
		Key:   req.Key(),
		Data:  []byte(secret),
		Label: fmt.Sprintf("mailkit %s password for %s", req.Service, req.User),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", req.Key(), err)
	}
	return nil
}

// Prompt asks for the secret on out and reads it from in. Echo is
// disabled when in is a terminal.
func Prompt(in io.Reader, out io.Writer) Resolver {
	return func(_ context.Context, req Request) (string, error) {
		fmt.Fprintf(out, "%s password for %s on %s: ", req.Service, req.User, req.Server)

		if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			b, err := term.ReadPassword(int(f.Fd()))
			fmt.Fprintln(out)
			if err != nil {
				return "", fmt.Errorf("reading password: %w", err)
			}
			return string(b), nil
		}

		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
}

// Chain tries each resolver in turn until one returns something other
// than ErrNotFound.
func Chain(resolvers ...Resolver) Resolver {
	return func(ctx context.Context, req Request) (string, error) {
		for _, r := range resolvers {
			secret, err := r(ctx, req)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return secret, err
		}
		return "", ErrNotFound
	}
}

// Cache remembers resolved secrets per request.
type Cache struct {
	resolver Resolver

	mu      sync.RWMutex
	secrets map[Request]string
}

// NewCache wraps r.
func NewCache(r Resolver) *Cache {
	return &Cache{resolver: r, secrets: map[Request]string{}}
}

// Resolve returns the cached secret or resolves and caches it.
func (c *Cache) Resolve(ctx context.Context, req Request) (string, error) {
	c.mu.RLock()
	secret, ok := c.secrets[req]
	c.mu.RUnlock()
	if ok {
		return secret, nil
	}

	secret, err := c.resolver(ctx, req)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.secrets[req] = secret
	c.mu.Unlock()
	return secret, nil
}

// Forget drops the cached secret for req, so the next Resolve asks again.
func (c *Cache) Forget(req Request) {
	c.mu.Lock()
	delete(c.secrets, req)
	c.mu.Unlock()
}
