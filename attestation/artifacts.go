package attestation

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ruteri/tpm-enrollment-backend/cryptoutils"
	"github.com/ruteri/tpm-enrollment-backend/interfaces"
)

// challengePayload opens the AK-certificate flow. It carries the enrolling
// machine's endorsement and attestation public keys in PEM form.
type challengePayload struct {
	EKPub []byte `json:"ek_pub"`
	AKPub []byte `json:"ak_pub"`
}

// credentialPayload is the server's answer to a challenge. The secret is
// encrypted to the endorsement key; the tag binds secret and attestation key
// to the server's session key.
type credentialPayload struct {
	EncryptedSecret []byte `json:"encrypted_secret"`
	Tag             []byte `json:"tag"`
	CACert          []byte `json:"ca_cert"`
}

// certRequestPayload requests an AK certificate after credential activation.
// Presenting the decrypted secret proves endorsement-key possession; the tag
// proves the secret came from this server's MakeCredential.
type certRequestPayload struct {
	Secret   []byte `json:"secret"`
	AKPub    []byte `json:"ak_pub"`
	Hostname string `json:"hostname"`
	Tag      []byte `json:"tag"`
}

// csrBundlePayload is the key-certificate request.
type csrBundlePayload struct {
	PCRAlgorithm       string                `json:"pcr_algorithm"`
	PCRList            string                `json:"pcr_list"`
	IncludeBIOSLog     bool                  `json:"include_bios_log"`
	IncludeIMALog      bool                  `json:"include_ima_log"`
	AllowUnsignedFiles bool                  `json:"allow_unsigned_files"`
	Subject            interfaces.CSRSubject `json:"subject"`
	Hostname           string                `json:"hostname"`
	AttestationDataURL string                `json:"attestation_data_url,omitempty"`
	CSR                []byte                `json:"csr"`
}

// certBundlePayload is the server's issuance response for both certificate
// flows.
type certBundlePayload struct {
	Cert            []byte `json:"cert"`
	CACert          []byte `json:"ca_cert"`
	AttestationData []byte `json:"attestation_data,omitempty"`
}

// quoteNoncePayload is the server-issued nonce a quote must be built over.
// The tag binds the nonce to the session key for stateless replay defense.
type quoteNoncePayload struct {
	Nonce []byte `json:"nonce"`
	Tag   []byte `json:"tag"`
}

// quotePayload is the client's signed integrity quote. The signature covers
// the nonce, the PCR selection mask and the PCR digest.
type quotePayload struct {
	Nonce        []byte `json:"nonce"`
	NonceTag     []byte `json:"nonce_tag"`
	PCRAlgorithm string `json:"pcr_algorithm"`
	PCRMask      []byte `json:"pcr_mask"`
	PCRDigest    []byte `json:"pcr_digest"`
	Signature    []byte `json:"signature"`
	AKPub        []byte `json:"ak_pub"`
}

// verdictPayload is the server's quote-verification result.
type verdictPayload struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// CertBundleContents is the decoded form of a CertBundle artifact.
type CertBundleContents struct {
	Cert            interfaces.TLSCert
	CACert          interfaces.CACert
	AttestationData []byte
}

// DecodeCertBundle decodes a server-issued certificate bundle.
func DecodeCertBundle(bundle interfaces.CertBundle) (*CertBundleContents, error) {
	var payload certBundlePayload
	if err := json.Unmarshal(bundle, &payload); err != nil {
		return nil, fmt.Errorf("malformed certificate bundle: %w", err)
	}

	cert := interfaces.TLSCert(payload.Cert)
	if err := cert.Validate(); err != nil {
		return nil, fmt.Errorf("invalid certificate in bundle: %w", err)
	}

	caCert := interfaces.CACert(payload.CACert)
	if err := caCert.Validate(); err != nil {
		return nil, fmt.Errorf("invalid CA certificate in bundle: %w", err)
	}

	return &CertBundleContents{
		Cert:            cert,
		CACert:          caCert,
		AttestationData: payload.AttestationData,
	}, nil
}

// VerifyBundleEvidence verifies the authority's DCAP evidence against the
// bundle's CA certificate digest, returning the platform measurement
// registers. Requires the authority to run a TDX attestation provider;
// placeholder evidence fails verification.
func VerifyBundleEvidence(contents *CertBundleContents) (map[int]string, error) {
	if len(contents.AttestationData) == 0 {
		return nil, errors.New("bundle carries no attestation data")
	}

	var reportData [64]byte
	digest := sha256.Sum256(contents.CACert)
	copy(reportData[:], digest[:])

	return cryptoutils.VerifyDCAPAttestation(reportData, contents.AttestationData)
}

// DecodeVerdict decodes a quote-verification verdict. A failing verdict is a
// valid decode result, not an error.
func DecodeVerdict(verdict interfaces.Verdict) (passed bool, reason string, err error) {
	var payload verdictPayload
	if err := json.Unmarshal(verdict, &payload); err != nil {
		return false, "", fmt.Errorf("malformed verdict: %w", err)
	}
	return payload.Passed, payload.Reason, nil
}
