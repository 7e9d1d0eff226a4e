package interfaces

// Enrollment artifacts are opaque byte blobs on the wire: one party's engine
// produces them and the peer's engine consumes them. The protocol core never
// inspects their contents, only their length and framing. The distinct Go
// types exist so a flow stage cannot be handed the wrong stage's artifact.

// Challenge is the client-built artifact opening the AK-certificate flow.
// It carries the endorsement and attestation key material the server needs
// to wrap a credential.
type Challenge []byte

// Credential is the server's encrypted-credential artifact. Only the holder
// of the endorsement key can activate it, and it carries the session binding
// tag a later MakeCert request is verified against.
type Credential []byte

// CertRequest is the client's activated-credential artifact requesting an
// AK certificate for a hostname.
type CertRequest []byte

// CSRBundle is the client's key-certificate request: PCR selection,
// integrity-log flags, a CSR and optional attestation-data location.
type CSRBundle []byte

// CertBundle is the server's issuance response: the issued certificate, the
// CA certificate and any accompanying attestation data.
type CertBundle []byte

// QuoteNonce is the server-issued nonce artifact a quote must be built over.
type QuoteNonce []byte

// Quote is the client's signed integrity quote artifact.
type Quote []byte

// Verdict is the server's pass/fail quote-verification result. A failing
// verdict is a successful protocol response, distinct from a request failure.
type Verdict []byte

// ServerEngine performs the server side of every enrollment operation. All
// session-continuity tags are derived from the single process-lifetime
// binding key the engine was constructed with.
type ServerEngine interface {
	// MakeCredential wraps a fresh credential secret for the challenge's
	// endorsement key and binds it to the session key.
	MakeCredential(challenge Challenge) (Credential, error)

	// IssueAKCert verifies the session binding of an activated credential
	// and issues the AK certificate.
	IssueAKCert(req CertRequest) (CertBundle, error)

	// IssueCertBundle validates the bundle's PCR selection against the
	// verifier requirements and signs its CSR.
	IssueCertBundle(bundle CSRBundle) (CertBundle, error)

	// GenNonce produces a fresh session-bound quote nonce.
	GenNonce() (QuoteNonce, error)

	// VerifyQuote checks the quote's nonce binding, signature and PCR
	// coverage. Verification failure yields a failing Verdict, not an
	// error; errors indicate the quote could not be evaluated at all.
	VerifyQuote(quote Quote) (Verdict, error)
}

// ClientEngine builds and consumes artifacts on the enrolling machine. The
// key material behind it stands in for TPM-resident keys.
type ClientEngine interface {
	// BuildChallenge assembles the challenge from endorsement and
	// attestation key material.
	BuildChallenge() (Challenge, error)

	// ActivateCredential proves possession of the endorsement key by
	// decrypting the credential secret.
	ActivateCredential(cred Credential) ([]byte, error)

	// BuildCertRequest assembles the MakeCert request from the activated
	// credential secret and the machine's hostname.
	BuildCertRequest(secret []byte, hostname Hostname) (CertRequest, error)

	// BuildCSRBundle assembles the key-certificate request.
	BuildCSRBundle(params CSRBundleParams) (CSRBundle, error)

	// BuildQuote produces a signed quote over the server's nonce and the
	// selected PCRs.
	BuildQuote(nonce QuoteNonce, params QuoteParams) (Quote, error)
}

// CSRBundleParams collects the client-side inputs of the key-certificate
// flow.
type CSRBundleParams struct {
	PCRAlgorithm       string
	PCRList            string
	IncludeBIOSLog     bool
	IncludeIMALog      bool
	AllowUnsignedFiles bool
	Subject            CSRSubject
	Hostname           Hostname
	AttestationDataURL string
}

// CSRSubject carries the distinguished-name fields of a CSR.
type CSRSubject struct {
	Country      string `json:"country,omitempty"`
	Organization string `json:"organization,omitempty"`
	CommonName   string `json:"common_name"`
}

// QuoteParams collects the client-side inputs of the quote flow.
type QuoteParams struct {
	PCRAlgorithm string
	PCRList      string
}

// CertificateAuthority issues certificates for enrolled machines.
type CertificateAuthority interface {
	// CACert returns the authority's certificate in PEM form.
	CACert() (CACert, error)

	// SignCSR verifies a CSR's signature and issues a certificate for it.
	SignCSR(csr TLSCSR) (TLSCert, error)

	// SignPubkey issues a certificate over a bare public key, used for AK
	// certificates where the key holder cannot produce a CSR.
	SignPubkey(pubkey AppPubkey, commonName string) (TLSCert, error)
}
