// Package session implements the process-wide kernel identity used to sign
// and verify Jupyter wire messages.
//
// See: https://jupyter-client.readthedocs.io/en/latest/messaging.html#wire-protocol
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
)

// SignatureScheme is the only signature scheme this kernel supports.
const SignatureScheme = "hmac-sha256"

// Session is the kernel's identity, shared by reference across all sockets.
// It never changes after construction.
type Session struct {
	// ID is the kernel session's unique id, sent in every outgoing header.
	ID string

	// Username is sent in every outgoing header; Jupyter does not otherwise
	// use it.
	Username string

	key []byte
}

// New creates a Session with a freshly generated session id.
//
// An empty key disables signing: Sign returns the empty string and Verify
// accepts anything, per Jupyter convention.
func New(username string, key []byte) (*Session, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to generate session id")
	}
	return &Session{
		ID:       id.String(),
		Username: username,
		key:      key,
	}, nil
}

// HasKey returns whether this session signs/verifies messages.
func (s *Session) HasKey() bool {
	return len(s.key) != 0
}

// Sign computes the hex-encoded HMAC-SHA256 over the concatenation of
// frames, in order. Returns "" if the session has no signing key.
func (s *Session) Sign(frames ...[]byte) string {
	if len(s.key) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, s.key)
	for _, frame := range frames {
		mac.Write(frame)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the correct hex-encoded HMAC-SHA256 of the
// concatenation of frames. If the session has no signing key, Verify always
// returns true (Jupyter convention for unsigned connections).
//
// Comparison is constant-time: timing side-channels must not leak the key.
func (s *Session) Verify(sig string, frames ...[]byte) bool {
	if len(s.key) == 0 {
		return true
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	for _, frame := range frames {
		mac.Write(frame)
	}
	return hmac.Equal(mac.Sum(nil), want)
}
