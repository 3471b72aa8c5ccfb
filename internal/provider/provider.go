// Package provider defines the interface for mail delivery backends.
package provider

import (
	"context"
)

// Envelope is the transport-level sender and recipient list. It may
// differ from the message headers: Bcc recipients appear only here.
type Envelope struct {
	From       string
	Recipients []string
}

// Provider is the interface that mail delivery backends must implement.
// Each provider hands a fully composed message to the target service
// (an SMTP server, AWS SES, stdout).
type Provider interface {
	// Send delivers raw to the envelope recipients. Recipients refused
	// by the server are returned in rejected, keyed by address. When
	// every recipient is refused the message is not transmitted and err
	// is still nil. A non-nil err means nothing was delivered.
	Send(ctx context.Context, env Envelope, raw []byte) (rejected map[string]error, err error)

	// Name returns the human-readable name of this provider.
	Name() string
}
