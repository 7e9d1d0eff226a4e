package kms

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ruteri/tpm-enrollment-backend/cryptoutils"
	"github.com/ruteri/tpm-enrollment-backend/interfaces"
)

// SimpleKMS is the enrollment authority's key management implementation. It
// derives the CA key deterministically from a master key, so any authority
// instance holding the same master key issues certificates under the same
// CA identity.
type SimpleKMS struct {
	masterKey []byte

	attestationProvider cryptoutils.AttestationProvider
}

// NewSimpleKMS creates a new instance with the provided master key.
// The master key must be at least 32 bytes long.
func NewSimpleKMS(masterKey []byte) (*SimpleKMS, error) {
	if len(masterKey) < 32 {
		return nil, errors.New("master key must be at least 32 bytes")
	}

	return &SimpleKMS{masterKey: masterKey, attestationProvider: &cryptoutils.NoopAttestationProvider{}}, nil
}

// WithSeed creates a new SimpleKMS with the provided seed.
// Useful for testing with deterministic keys.
func (k *SimpleKMS) WithSeed(seed []byte) *SimpleKMS {
	return &SimpleKMS{
		masterKey:           append([]byte(nil), seed...),
		attestationProvider: k.attestationProvider,
	}
}

// WithAttestationProvider creates a new SimpleKMS with the specified attestation provider.
// Used to customize how the authority attests its CA identity.
func (k *SimpleKMS) WithAttestationProvider(provider cryptoutils.AttestationProvider) *SimpleKMS {
	return &SimpleKMS{
		masterKey:           append([]byte(nil), k.masterKey...),
		attestationProvider: provider,
	}
}

// OnboardRemote encrypts the master key for a new authority instance.
// Used for secure master key distribution; the receiving instance derives
// the identical CA key.
func (k *SimpleKMS) OnboardRemote(pubkey interfaces.AppPubkey) ([]byte, error) {
	if err := pubkey.Validate(); err != nil {
		return nil, fmt.Errorf("invalid onboarding pubkey: %w", err)
	}
	return cryptoutils.EncryptWithPublicKey(pubkey, k.masterKey)
}

// CACert returns the authority's self-signed CA certificate.
func (k *SimpleKMS) CACert() (interfaces.CACert, error) {
	_, certPEM, err := k.getCA()
	return certPEM, err
}

// CAAttestation produces platform evidence over the CA certificate digest.
// Clients consume it through the pre-handshake attestation exchange.
func (k *SimpleKMS) CAAttestation() ([]byte, error) {
	certPEM, err := k.CACert()
	if err != nil {
		return nil, err
	}

	var reportData [64]byte
	digest := sha256.Sum256(certPEM)
	copy(reportData[:], digest[:])
	return k.attestationProvider.Attest(reportData)
}

// SignCSR signs a certificate signing request issued by an enrolling
// machine. Verifies the CSR signature before creating a certificate valid
// for 1 year.
func (k *SimpleKMS) SignCSR(csr interfaces.TLSCSR) (interfaces.TLSCert, error) {
	parsedCSR, err := csr.GetX509CSR()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSR: %w", err)
	}

	// Verify CSR signature
	if err := parsedCSR.CheckSignature(); err != nil {
		return nil, fmt.Errorf("CSR signature verification failed: %w", err)
	}

	template := x509.Certificate{
		Subject:               parsedCSR.Subject,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              parsedCSR.DNSNames,
		IPAddresses:           parsedCSR.IPAddresses,
	}

	return k.issue(&template, parsedCSR.PublicKey)
}

// SignPubkey issues a certificate directly over a presented public key. AK
// certificates use this path: the attestation key cannot sign a CSR without
// leaving the platform, so possession is proven through credential
// activation instead.
func (k *SimpleKMS) SignPubkey(pubkey interfaces.AppPubkey, commonName string) (interfaces.TLSCert, error) {
	parsedPub, err := pubkey.GetPublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	template := x509.Certificate{
		Subject:               pkix.Name{CommonName: commonName},
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{commonName},
	}

	return k.issue(&template, parsedPub)
}

// issue signs a leaf certificate template with the CA key.
func (k *SimpleKMS) issue(template *x509.Certificate, pubkey any) (interfaces.TLSCert, error) {
	caKey, caCertPEM, err := k.getCA()
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA: %w", err)
	}

	caCert, err := caCertPEM.GetX509Cert()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template.SerialNumber = serialNumber
	template.NotBefore = time.Now()
	template.NotAfter = time.Now().AddDate(1, 0, 0) // 1 year validity

	certDER, err := x509.CreateCertificate(rand.Reader, template, caCert, pubkey, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	}), nil
}

// getCA derives the CA key and builds the self-signed CA certificate.
func (k *SimpleKMS) getCA() (*ecdsa.PrivateKey, interfaces.CACert, error) {
	caKey, err := k.deriveCAKey()
	if err != nil {
		return nil, nil, err
	}

	certPEM, err := createCACertificate(caKey)
	if err != nil {
		return nil, nil, err
	}

	return caKey, certPEM, nil
}

// deriveCAKey derives the CA key from the master key.
// Creates a deterministic ECDSA key using the P-256 curve.
func (k *SimpleKMS) deriveCAKey() (*ecdsa.PrivateKey, error) {
	h := sha256.New()
	h.Write(k.masterKey)
	h.Write([]byte("enrollment-ca"))
	seed := h.Sum(nil)

	curve := elliptic.P256()
	privateKey := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: curve,
		},
		D: new(big.Int).SetBytes(seed[:32]),
	}
	privateKey.PublicKey.X, privateKey.PublicKey.Y = curve.ScalarBaseMult(seed[:32])

	return privateKey, nil
}

// createCACertificate creates a self-signed CA certificate.
// The certificate is valid for 10 years and deterministic in its key, so
// repeated derivations yield the same CA identity.
func createCACertificate(caKey *ecdsa.PrivateKey) (interfaces.CACert, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Enrollment Authority"},
			CommonName:   "TPM Enrollment CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(10, 0, 0), // 10 years validity
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	}), nil
}
