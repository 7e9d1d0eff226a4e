package attestation

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ruteri/tpm-enrollment-backend/cryptoutils"
	"github.com/ruteri/tpm-enrollment-backend/interfaces"
	"github.com/ruteri/tpm-enrollment-backend/pcr"
	"github.com/ruteri/tpm-enrollment-backend/session"
)

// credentialSecretSize is the size of the secret wrapped for the endorsement
// key in MakeCredential.
const credentialSecretSize = 32

// quoteNonceSize is the size of the nonce issued by GenNonce.
const quoteNonceSize = 32

// Server implements interfaces.ServerEngine inside the enrollment authority.
// All session continuity flows through tags derived from the single binding
// key; the engine itself holds no per-client state and is safe for
// concurrent use.
type Server struct {
	sessionKey   *session.Key
	ca           interfaces.CertificateAuthority
	requirements *pcr.Requirements
	evidence     func() ([]byte, error)
}

// NewServer creates a server engine bound to the given session key,
// certificate authority and verifier requirements. A nil requirements
// document means no PCR coverage requirement and no relaxations.
func NewServer(key *session.Key, ca interfaces.CertificateAuthority, requirements *pcr.Requirements) (*Server, error) {
	if key == nil {
		return nil, errors.New("session key is required")
	}
	if ca == nil {
		return nil, errors.New("certificate authority is required")
	}
	if requirements == nil {
		var err error
		requirements, err = pcr.ParseRequirements([]byte("{}"))
		if err != nil {
			return nil, err
		}
	}
	return &Server{
		sessionKey:   key,
		ca:           ca,
		requirements: requirements,
	}, nil
}

// WithEvidence configures a platform evidence provider whose output is
// attached to issued certificate bundles.
func (s *Server) WithEvidence(provider func() ([]byte, error)) *Server {
	s.evidence = provider
	return s
}

// MakeCredential wraps a fresh secret for the challenge's endorsement key.
// The returned credential carries the session tag over secret and
// attestation key, and the CA certificate so the client can validate issued
// certificates later.
func (s *Server) MakeCredential(challenge interfaces.Challenge) (interfaces.Credential, error) {
	var payload challengePayload
	if err := json.Unmarshal(challenge, &payload); err != nil {
		return nil, fmt.Errorf("malformed challenge: %w", err)
	}

	ekPub := interfaces.AppPubkey(payload.EKPub)
	if err := ekPub.Validate(); err != nil {
		return nil, fmt.Errorf("invalid endorsement key in challenge: %w", err)
	}
	if err := interfaces.AppPubkey(payload.AKPub).Validate(); err != nil {
		return nil, fmt.Errorf("invalid attestation key in challenge: %w", err)
	}

	secret := make([]byte, credentialSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate credential secret: %w", err)
	}

	encryptedSecret, err := cryptoutils.EncryptWithPublicKey(ekPub, secret)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap credential secret: %w", err)
	}

	caCert, err := s.ca.CACert()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain CA certificate: %w", err)
	}

	return json.Marshal(credentialPayload{
		EncryptedSecret: encryptedSecret,
		Tag:             s.sessionKey.Tag(secret, payload.AKPub),
		CACert:          caCert,
	})
}

// IssueAKCert verifies the session binding of an activated credential and
// issues the AK certificate. A tag produced under a different session key
// (a server restart between the two stages) fails verification.
func (s *Server) IssueAKCert(req interfaces.CertRequest) (interfaces.CertBundle, error) {
	var payload certRequestPayload
	if err := json.Unmarshal(req, &payload); err != nil {
		return nil, fmt.Errorf("malformed certificate request: %w", err)
	}

	hostname, err := interfaces.NewHostname(payload.Hostname)
	if err != nil {
		return nil, err
	}

	if err := s.sessionKey.Verify(payload.Tag, payload.Secret, payload.AKPub); err != nil {
		return nil, fmt.Errorf("credential continuity check failed: %w", err)
	}

	cert, err := s.ca.SignPubkey(interfaces.AppPubkey(payload.AKPub), hostname.String())
	if err != nil {
		return nil, fmt.Errorf("failed to issue AK certificate: %w", err)
	}

	return s.buildCertBundle(cert)
}

// IssueCertBundle validates the bundle's PCR selection against the verifier
// requirements and signs its CSR. Coverage denial fails closed unless the
// requirements relax signature verification.
func (s *Server) IssueCertBundle(bundle interfaces.CSRBundle) (interfaces.CertBundle, error) {
	var payload csrBundlePayload
	if err := json.Unmarshal(bundle, &payload); err != nil {
		return nil, fmt.Errorf("malformed CSR bundle: %w", err)
	}

	if !s.requirements.SkipSignatureVerify {
		list, err := pcr.ParseList(payload.PCRList, pcr.MaxPCRs)
		if err != nil {
			return nil, fmt.Errorf("invalid PCR list in bundle: %w", err)
		}
		candidate := pcr.BuildMask(list)
		required := s.requirements.RequiredMask()
		if err := pcr.CheckCoverage(candidate.Bytes(), required.Bytes()); err != nil {
			return nil, err
		}
	}

	csr, err := cryptoutils.NewTLSCSR(payload.CSR)
	if err != nil {
		return nil, fmt.Errorf("invalid CSR in bundle: %w", err)
	}

	cert, err := s.ca.SignCSR(csr)
	if err != nil {
		return nil, fmt.Errorf("failed to sign CSR: %w", err)
	}

	return s.buildCertBundle(cert)
}

// GenNonce produces a fresh session-bound quote nonce. The tag is the only
// state; any number of quotes over a server-issued nonce verify, quotes over
// anything else do not.
func (s *Server) GenNonce() (interfaces.QuoteNonce, error) {
	nonce := make([]byte, quoteNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate quote nonce: %w", err)
	}

	return json.Marshal(quoteNoncePayload{
		Nonce: nonce,
		Tag:   s.sessionKey.Tag(nonce),
	})
}

// VerifyQuote checks the quote's nonce binding, signature and PCR coverage.
// Verification failure yields a failing verdict; an error means the quote
// could not be evaluated at all.
func (s *Server) VerifyQuote(quote interfaces.Quote) (interfaces.Verdict, error) {
	var payload quotePayload
	if err := json.Unmarshal(quote, &payload); err != nil {
		return nil, fmt.Errorf("malformed quote: %w", err)
	}

	if err := s.sessionKey.Verify(payload.NonceTag, payload.Nonce); err != nil {
		return failingVerdict("nonce was not issued by this server")
	}

	if !s.requirements.SkipSignatureVerify {
		akPub, err := interfaces.AppPubkey(payload.AKPub).GetPublicKey()
		if err != nil {
			return nil, fmt.Errorf("invalid attestation key in quote: %w", err)
		}
		ecdsaPub, ok := akPub.(*ecdsa.PublicKey)
		if !ok {
			return nil, errors.New("attestation key in quote is not an ECDSA key")
		}

		msg := quoteMessage(payload.Nonce, payload.PCRMask, payload.PCRDigest)
		if !ecdsa.VerifyASN1(ecdsaPub, msg, payload.Signature) {
			return failingVerdict("quote signature verification failed")
		}
	}

	required := s.requirements.RequiredMask()
	if err := pcr.CheckCoverage(payload.PCRMask, required.Bytes()); err != nil {
		if !s.requirements.AllowMeasurementViolations {
			return failingVerdict(err.Error())
		}
	}

	return json.Marshal(verdictPayload{Passed: true})
}

// buildCertBundle assembles an issuance response with the CA certificate and
// optional platform evidence.
func (s *Server) buildCertBundle(cert interfaces.TLSCert) (interfaces.CertBundle, error) {
	caCert, err := s.ca.CACert()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain CA certificate: %w", err)
	}

	var evidence []byte
	if s.evidence != nil {
		evidence, err = s.evidence()
		if err != nil {
			return nil, fmt.Errorf("failed to obtain platform evidence: %w", err)
		}
	}

	return json.Marshal(certBundlePayload{
		Cert:            cert,
		CACert:          caCert,
		AttestationData: evidence,
	})
}

func failingVerdict(reason string) (interfaces.Verdict, error) {
	return json.Marshal(verdictPayload{Passed: false, Reason: reason})
}
