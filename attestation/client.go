package attestation

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ruteri/tpm-enrollment-backend/cryptoutils"
	"github.com/ruteri/tpm-enrollment-backend/interfaces"
	"github.com/ruteri/tpm-enrollment-backend/pcr"
)

// Client implements interfaces.ClientEngine on the enrolling machine. It
// holds the endorsement and attestation keypairs and carries flow state
// between stages (the credential tag received from MakeCredential, the TLS
// key generated for a CSR bundle).
//
// A Client is not safe for concurrent use; each enrollment flow should run
// on its own instance.
type Client struct {
	ekPub  interfaces.AppPubkey
	ekPriv interfaces.AppPrivkey
	akPub  interfaces.AppPubkey
	akPriv interfaces.AppPrivkey
	akKey  *ecdsa.PrivateKey

	credentialTag []byte
	caCert        interfaces.CACert
	tlsKey        interfaces.AppPrivkey
}

// NewClient creates a client engine with freshly generated endorsement and
// attestation keypairs.
func NewClient() (*Client, error) {
	ekPub, ekPriv, err := cryptoutils.RandomP256Keypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate endorsement key: %w", err)
	}
	akPub, akPriv, err := cryptoutils.RandomP256Keypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate attestation key: %w", err)
	}
	return NewClientFromKeys(ekPub, ekPriv, akPub, akPriv)
}

// NewClientFromKeys creates a client engine from previously persisted key
// material.
func NewClientFromKeys(ekPub interfaces.AppPubkey, ekPriv interfaces.AppPrivkey, akPub interfaces.AppPubkey, akPriv interfaces.AppPrivkey) (*Client, error) {
	if err := ekPub.Validate(); err != nil {
		return nil, fmt.Errorf("invalid endorsement public key: %w", err)
	}
	if err := akPub.Validate(); err != nil {
		return nil, fmt.Errorf("invalid attestation public key: %w", err)
	}

	parsedAK, err := akPriv.GetPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("invalid attestation private key: %w", err)
	}
	akKey, ok := parsedAK.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("attestation key must be an ECDSA key")
	}

	if _, err := ekPriv.GetPrivateKey(); err != nil {
		return nil, fmt.Errorf("invalid endorsement private key: %w", err)
	}

	return &Client{
		ekPub:  ekPub,
		ekPriv: ekPriv,
		akPub:  akPub,
		akPriv: akPriv,
		akKey:  akKey,
	}, nil
}

// EKPublicKey returns the endorsement public key in PEM form.
func (c *Client) EKPublicKey() interfaces.AppPubkey { return c.ekPub }

// AKPublicKey returns the attestation public key in PEM form.
func (c *Client) AKPublicKey() interfaces.AppPubkey { return c.akPub }

// CACert returns the authority CA certificate received with the most
// recently activated credential, or nil before activation.
func (c *Client) CACert() interfaces.CACert { return c.caCert }

// TLSKey returns the private key generated by the most recent BuildCSRBundle
// call, or nil if no bundle has been built.
func (c *Client) TLSKey() interfaces.AppPrivkey { return c.tlsKey }

// BuildChallenge assembles the challenge from the endorsement and
// attestation public keys.
func (c *Client) BuildChallenge() (interfaces.Challenge, error) {
	return json.Marshal(challengePayload{
		EKPub: c.ekPub,
		AKPub: c.akPub,
	})
}

// ActivateCredential proves endorsement-key possession by decrypting the
// credential secret. The credential's session tag and CA certificate are
// retained for the subsequent BuildCertRequest.
func (c *Client) ActivateCredential(cred interfaces.Credential) ([]byte, error) {
	var payload credentialPayload
	if err := json.Unmarshal(cred, &payload); err != nil {
		return nil, fmt.Errorf("malformed credential: %w", err)
	}

	secret, err := cryptoutils.DecryptWithPrivateKey(c.ekPriv, payload.EncryptedSecret)
	if err != nil {
		return nil, fmt.Errorf("credential activation failed: %w", err)
	}

	c.credentialTag = payload.Tag
	if len(payload.CACert) > 0 {
		c.caCert = interfaces.CACert(payload.CACert)
	}

	return secret, nil
}

// BuildCertRequest assembles the MakeCert request from the activated
// credential secret and the machine's hostname. The session tag received
// with the credential travels back so the server can verify continuity.
func (c *Client) BuildCertRequest(secret []byte, hostname interfaces.Hostname) (interfaces.CertRequest, error) {
	if err := hostname.Validate(); err != nil {
		return nil, err
	}
	if c.credentialTag == nil {
		return nil, errors.New("no activated credential, call ActivateCredential first")
	}

	return json.Marshal(certRequestPayload{
		Secret:   secret,
		AKPub:    c.akPub,
		Hostname: hostname.String(),
		Tag:      c.credentialTag,
	})
}

// BuildCSRBundle generates a fresh TLS keypair, creates a CSR over it and
// assembles the key-certificate request. The generated private key is
// retained and available through TLSKey.
func (c *Client) BuildCSRBundle(params interfaces.CSRBundleParams) (interfaces.CSRBundle, error) {
	if err := params.Hostname.Validate(); err != nil {
		return nil, err
	}

	subject := pkix.Name{CommonName: params.Subject.CommonName}
	if subject.CommonName == "" {
		subject.CommonName = params.Hostname.String()
	}
	if params.Subject.Country != "" {
		subject.Country = []string{params.Subject.Country}
	}
	if params.Subject.Organization != "" {
		subject.Organization = []string{params.Subject.Organization}
	}

	keyPEM, csr, err := cryptoutils.CreateCSRWithSubject(subject)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSR: %w", err)
	}
	c.tlsKey = interfaces.AppPrivkey(keyPEM)

	return json.Marshal(csrBundlePayload{
		PCRAlgorithm:       params.PCRAlgorithm,
		PCRList:            params.PCRList,
		IncludeBIOSLog:     params.IncludeBIOSLog,
		IncludeIMALog:      params.IncludeIMALog,
		AllowUnsignedFiles: params.AllowUnsignedFiles,
		Subject:            params.Subject,
		Hostname:           params.Hostname.String(),
		AttestationDataURL: params.AttestationDataURL,
		CSR:                csr,
	})
}

// BuildQuote produces an attestation-key signature over the server's nonce
// and the selected PCR state. The PCR digest is a stand-in measurement
// derived from the selection, in place of reading hardware registers.
func (c *Client) BuildQuote(nonce interfaces.QuoteNonce, params interfaces.QuoteParams) (interfaces.Quote, error) {
	var noncePayload quoteNoncePayload
	if err := json.Unmarshal(nonce, &noncePayload); err != nil {
		return nil, fmt.Errorf("malformed quote nonce: %w", err)
	}

	list, err := pcr.ParseList(params.PCRList, pcr.MaxPCRs)
	if err != nil {
		return nil, fmt.Errorf("invalid PCR list: %w", err)
	}
	mask := pcr.BuildMask(list)

	digest := quoteDigest(params.PCRAlgorithm, mask.Bytes())

	signature, err := signQuote(c.akKey, noncePayload.Nonce, mask.Bytes(), digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign quote: %w", err)
	}

	return json.Marshal(quotePayload{
		Nonce:        noncePayload.Nonce,
		NonceTag:     noncePayload.Tag,
		PCRAlgorithm: params.PCRAlgorithm,
		PCRMask:      mask.Bytes(),
		PCRDigest:    digest,
		Signature:    signature,
		AKPub:        c.akPub,
	})
}

// quoteDigest derives the stand-in PCR bank digest for a selection.
func quoteDigest(algorithm string, mask []byte) []byte {
	h := sha256.New()
	h.Write([]byte("pcr-digest:"))
	h.Write([]byte(algorithm))
	h.Write(mask)
	return h.Sum(nil)
}

// quoteMessage is the hash the quote signature covers.
func quoteMessage(nonce, mask, digest []byte) []byte {
	h := sha256.New()
	h.Write(nonce)
	h.Write(mask)
	h.Write(digest)
	return h.Sum(nil)
}

func signQuote(key *ecdsa.PrivateKey, nonce, mask, digest []byte) ([]byte, error) {
	return ecdsa.SignASN1(rand.Reader, key, quoteMessage(nonce, mask, digest))
}
