// Package mailerr defines the error types shared by the fetch and send paths.
package mailerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ConnectionError reports a transport-level failure: dial, TLS, timeouts
// or an unexpected protocol reply.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError reports that the server rejected the credentials.
type AuthenticationError struct {
	Server string
	User   string
	Err    error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication as %q on %s rejected: %v", e.User, e.Server, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// CapabilityError reports that an operation needs a server feature that
// is not available on this connection.
type CapabilityError struct {
	Op         string
	Capability string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s requires the %s capability", e.Op, e.Capability)
}

// SynchronizationError reports that a cached mailbox index no longer
// matches the server. Msg is the relative message number that failed.
type SynchronizationError struct {
	Msg    int
	Reason string
}

func (e *SynchronizationError) Error() string {
	if e.Msg > 0 {
		return fmt.Sprintf("mailbox out of sync at message %d: %s", e.Msg, e.Reason)
	}
	return "mailbox out of sync: " + e.Reason
}

// PartialSendFailure is returned when the message was delivered to some
// recipients but the server rejected others.
type PartialSendFailure struct {
	Rejected map[string]error
}

func (e *PartialSendFailure) Error() string {
	addrs := make([]string, 0, len(e.Rejected))
	for addr := range e.Rejected {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return fmt.Sprintf("%d recipient(s) rejected: %s", len(addrs), strings.Join(addrs, ", "))
}

// SendError is a total send failure: nothing was delivered.
type SendError struct {
	Provider string
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send via %s failed: %v", e.Provider, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsConnection reports whether err is or wraps a ConnectionError.
func IsConnection(err error) bool {
	var target *ConnectionError
	return errors.As(err, &target)
}

// IsAuth reports whether err is or wraps an AuthenticationError.
func IsAuth(err error) bool {
	var target *AuthenticationError
	return errors.As(err, &target)
}

// IsCapability reports whether err is or wraps a CapabilityError.
func IsCapability(err error) bool {
	var target *CapabilityError
	return errors.As(err, &target)
}

// IsSync reports whether err is or wraps a SynchronizationError.
func IsSync(err error) bool {
	var target *SynchronizationError
	return errors.As(err, &target)
}

// IsPartial reports whether err is or wraps a PartialSendFailure.
func IsPartial(err error) bool {
	var target *PartialSendFailure
	return errors.As(err, &target)
}
