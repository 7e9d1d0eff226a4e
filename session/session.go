// Package session implements the process-lifetime binding key that ties the
// two stages of an enrollment flow together without server-side session
// state. The HMAC tag embedded in a client-carried artifact is the session:
// a later request verifies against the same key that tagged the earlier
// response. The key is never persisted or rotated; a process restart
// invalidates any flow straddling it.
package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

// KeySize is the size of the binding key in bytes.
const KeySize = 64

// TagSize is the size of a binding tag in bytes.
const TagSize = sha256.Size

// Key is an immutable process-lifetime binding key. Construct it once at
// startup and pass the same instance into every handler; it is safe for
// concurrent use without locking.
type Key struct {
	material [KeySize]byte
}

// NewKey generates a fresh binding key from the system's secure random
// source.
func NewKey() (*Key, error) {
	k := &Key{}
	if _, err := rand.Read(k.material[:]); err != nil {
		return nil, fmt.Errorf("generating session key: %w", err)
	}
	return k, nil
}

// KeyFromBytes constructs a key from existing material. Intended for tests
// that need deterministic keys or simulated restarts.
func KeyFromBytes(material []byte) (*Key, error) {
	if len(material) != KeySize {
		return nil, errors.New("session key material must be exactly 64 bytes")
	}
	k := &Key{}
	copy(k.material[:], material)
	return k, nil
}

// Tag computes the HMAC-SHA256 binding tag over the concatenation of parts.
func (k *Key) Tag(parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, k.material[:])
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// Verify checks a binding tag in constant time.
func (k *Key) Verify(tag []byte, parts ...[]byte) error {
	if !hmac.Equal(tag, k.Tag(parts...)) {
		return errors.New("session binding verification failed")
	}
	return nil
}
