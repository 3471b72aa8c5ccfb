package pop3

import (
	"crypto/subtle"
	"errors"
)

// ErrBadCredentials is returned for a failed USER/PASS login.
var ErrBadCredentials = errors.New("invalid username or password")

// Authenticator checks USER/PASS logins against configured credentials.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If both are empty, any login is accepted.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled returns true if credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" || a.password != ""
}

// Verify checks a username and password pair.
func (a *Authenticator) Verify(user, pass string) error {
	if !a.Enabled() {
		return nil
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.password)) == 1
	if !userOK || !passOK {
		return ErrBadCredentials
	}
	return nil
}
