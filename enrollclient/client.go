// Package enrollclient drives the enrollment flows from the enrolling
// machine's side. Each protocol exchange opens its own TCP connection to the
// enrollment server, sends a single request frame and reads a single
// response, so a flow survives server connection handling that never keeps
// more than one exchange per connection.
package enrollclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/ruteri/tpm-enrollment-backend/attestation"
	"github.com/ruteri/tpm-enrollment-backend/cryptoutils"
	"github.com/ruteri/tpm-enrollment-backend/interfaces"
	"github.com/ruteri/tpm-enrollment-backend/wire"
)

const (
	defaultDialTimeout    = 5 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

// Config carries the enrollment client settings.
type Config struct {
	ServerAddr string
	Log        *slog.Logger

	DialTimeout    time.Duration
	RequestTimeout time.Duration

	// MaxFrameSize bounds accepted response frames; zero means
	// wire.DefaultMaxFrameSize.
	MaxFrameSize uint32
}

// Client sequences enrollment flows against one server. Artifact construction
// and consumption is delegated to the engine; the client owns transport and
// persistence.
type Client struct {
	cfg           *Config
	log           *slog.Logger
	engine        interfaces.ClientEngine
	storage       interfaces.StorageBackend
	challengeFile string
}

// New creates an enrollment client around the given engine.
func New(cfg *Config, engine interfaces.ClientEngine) (*Client, error) {
	if engine == nil {
		return nil, errors.New("client engine is required")
	}
	if cfg.ServerAddr == "" {
		return nil, errors.New("server address is required")
	}
	if cfg.Log == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	return &Client{
		cfg:    cfg,
		log:    cfg.Log,
		engine: engine,
	}, nil
}

// WithStorage configures a backend for persisting issued artifacts.
func (c *Client) WithStorage(backend interfaces.StorageBackend) *Client {
	c.storage = backend
	return c
}

// WithChallengeFile configures a path the AK-certificate challenge is written
// to before it is sent, so the request can be inspected or replayed.
func (c *Client) WithChallengeFile(path string) *Client {
	c.challengeFile = path
	return c
}

// EnrollAK runs the AK-certificate flow: challenge, credential activation,
// certificate request. Both exchanges must land on the same server session;
// a server restart in between surfaces as a remote failure on the second
// exchange.
func (c *Client) EnrollAK(hostname interfaces.Hostname) (*attestation.CertBundleContents, error) {
	challenge, err := c.engine.BuildChallenge()
	if err != nil {
		return nil, fmt.Errorf("failed to build challenge: %w", err)
	}

	if c.challengeFile != "" {
		if err := os.WriteFile(c.challengeFile, challenge, 0o600); err != nil {
			return nil, fmt.Errorf("saving challenge: %w", err)
		}
		c.log.Info("Saved challenge", slog.String("path", c.challengeFile))
	}

	credential, err := c.exchange(wire.OpMakeCredential, challenge)
	if err != nil {
		return nil, fmt.Errorf("make_credential exchange failed: %w", err)
	}

	secret, err := c.engine.ActivateCredential(credential)
	if err != nil {
		return nil, fmt.Errorf("credential activation failed: %w", err)
	}
	c.log.Debug("Credential activated", slog.String("hostname", hostname.String()))

	certReq, err := c.engine.BuildCertRequest(secret, hostname)
	if err != nil {
		return nil, fmt.Errorf("failed to build certificate request: %w", err)
	}

	bundle, err := c.exchange(wire.OpMakeCert, certReq)
	if err != nil {
		return nil, fmt.Errorf("make_cert exchange failed: %w", err)
	}

	contents, err := attestation.DecodeCertBundle(bundle)
	if err != nil {
		return nil, err
	}
	c.log.Info("AK certificate issued", slog.String("hostname", hostname.String()))
	return contents, nil
}

// EnrollKey runs the key-certificate flow: build a CSR bundle over a fresh
// TLS key and submit it for issuance against the server's PCR requirements.
func (c *Client) EnrollKey(params interfaces.CSRBundleParams) (*attestation.CertBundleContents, error) {
	bundle, err := c.engine.BuildCSRBundle(params)
	if err != nil {
		return nil, fmt.Errorf("failed to build CSR bundle: %w", err)
	}

	response, err := c.exchange(wire.OpProcessCSR, bundle)
	if err != nil {
		return nil, fmt.Errorf("process_csr exchange failed: %w", err)
	}

	contents, err := attestation.DecodeCertBundle(response)
	if err != nil {
		return nil, err
	}
	c.log.Info("TLS certificate issued", slog.String("hostname", params.Hostname.String()))
	return contents, nil
}

// RunQuote runs the quote flow: fetch a nonce, build a signed quote over it
// and submit it for verification. A failing verdict is returned as such, not
// as an error.
func (c *Client) RunQuote(params interfaces.QuoteParams) (passed bool, reason string, err error) {
	nonce, err := c.exchange(wire.OpGenQuoteNonce, nil)
	if err != nil {
		return false, "", fmt.Errorf("gen_quote_nonce exchange failed: %w", err)
	}

	quote, err := c.engine.BuildQuote(interfaces.QuoteNonce(nonce), params)
	if err != nil {
		return false, "", fmt.Errorf("failed to build quote: %w", err)
	}

	verdict, err := c.exchange(wire.OpProcessQuote, quote)
	if err != nil {
		return false, "", fmt.Errorf("process_quote exchange failed: %w", err)
	}

	passed, reason, err = attestation.DecodeVerdict(interfaces.Verdict(verdict))
	if err != nil {
		return false, "", err
	}
	c.log.Info("Quote verified", slog.Bool("passed", passed), slog.String("reason", reason))
	return passed, reason, nil
}

// PersistedArtifacts holds the content IDs of a stored certificate bundle.
type PersistedArtifacts struct {
	Cert            interfaces.ContentID
	CACert          interfaces.ContentID
	AttestationData *interfaces.ContentID
}

// Persist stores an issued bundle through the configured storage backend.
func (c *Client) Persist(ctx context.Context, contents *attestation.CertBundleContents) (*PersistedArtifacts, error) {
	if c.storage == nil {
		return nil, errors.New("no storage backend configured")
	}

	artifacts := &PersistedArtifacts{}
	var err error

	artifacts.Cert, err = c.storage.Store(ctx, contents.Cert, interfaces.CertificateType)
	if err != nil {
		return nil, fmt.Errorf("failed to store certificate: %w", err)
	}
	artifacts.CACert, err = c.storage.Store(ctx, contents.CACert, interfaces.CertificateType)
	if err != nil {
		return nil, fmt.Errorf("failed to store CA certificate: %w", err)
	}

	if len(contents.AttestationData) > 0 {
		id, err := c.storage.Store(ctx, contents.AttestationData, interfaces.AttestationDataType)
		if err != nil {
			return nil, fmt.Errorf("failed to store attestation data: %w", err)
		}
		artifacts.AttestationData = &id
	}

	c.log.Info("Stored certificate bundle",
		slog.String("certId", artifacts.Cert.String()),
		slog.String("backend", c.storage.Name()))
	return artifacts, nil
}

// WriteFiles writes the issued material into dir as PEM files. tlsKey is nil
// for AK certificates, which leave no client-held private key. When a
// passphrase is given the private key is sealed under it and written as
// key.pem.sealed instead of plaintext key.pem.
func (c *Client) WriteFiles(dir string, contents *attestation.CertBundleContents, tlsKey interfaces.AppPrivkey, passphrase []byte) error {
	files := map[string][]byte{
		"cert.pem": contents.Cert,
		"ca.pem":   contents.CACert,
	}
	if tlsKey != nil {
		if len(passphrase) > 0 {
			sealed, err := cryptoutils.SealPrivateKey(passphrase, tlsKey)
			if err != nil {
				return fmt.Errorf("sealing private key: %w", err)
			}
			files["key.pem.sealed"] = sealed
		} else {
			files["key.pem"] = tlsKey
		}
	}
	if len(contents.AttestationData) > 0 {
		files["attestation.bin"] = contents.AttestationData
	}

	for name, data := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		c.log.Info("Wrote file", slog.String("path", path))
	}
	return nil
}

// exchange performs one request/response round trip on a fresh connection.
func (c *Client) exchange(op wire.Operation, payload []byte) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", c.cfg.ServerAddr, c.cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing enrollment server: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.cfg.RequestTimeout)); err != nil {
		return nil, err
	}

	if err := wire.WriteRequest(conn, op, payload); err != nil {
		return nil, err
	}
	return wire.ReadResponse(conn, c.cfg.MaxFrameSize)
}
