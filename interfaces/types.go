// Package interfaces defines the core types and interfaces of the enrollment
// system. It provides the contract between components without implementation
// details.
package interfaces

import (
	"errors"
	"regexp"

	"github.com/ruteri/tpm-enrollment-backend/cryptoutils"
)

type TLSCSR = cryptoutils.TLSCSR
type TLSCert = cryptoutils.TLSCert
type CACert = cryptoutils.CACert
type AppPubkey = cryptoutils.AppPubkey
type AppPrivkey = cryptoutils.AppPrivkey

// Hostname identifies the enrolling machine. It becomes the common name of
// the certificates issued for it.
type Hostname string

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

// NewHostname creates a hostname with validation.
func NewHostname(name string) (Hostname, error) {
	if name == "" || !hostnameRegex.MatchString(name) {
		return Hostname(""), errors.New("invalid hostname format")
	}
	return Hostname(name), nil
}

// String returns the hostname as a string.
func (h Hostname) String() string {
	return string(h)
}

// Validate checks if the hostname has a valid format.
func (h Hostname) Validate() error {
	_, err := NewHostname(string(h))
	return err
}
