// Package interfaces defines the core interfaces and types of the TPM
// enrollment system, separating interface definitions from implementations.
//
// # Enrollment Interfaces
//
// ServerEngine: performs the server side of the five enrollment operations,
// binding multi-step flows to the process-lifetime session key.
//
// ClientEngine: builds and consumes enrollment artifacts on the enrolling
// machine, standing in for the TPM-resident key operations.
//
// CertificateAuthority: issues AK and TLS certificates for enrolled
// machines.
//
// # Storage Interfaces
//
// StorageBackend: content-addressed storage for issued certificates and
// attestation data across multiple backend types (file, S3, IPFS, GitHub,
// Vault).
//
// StorageBackendFactory: creates storage backends from URI strings and
// manages multi-backend configurations for redundant storage.
//
// # Artifact Types
//
// Enrollment artifacts (Challenge, Credential, CertRequest, CSRBundle,
// CertBundle, QuoteNonce, Quote, Verdict) are opaque byte blobs on the wire.
// The distinct Go types prevent a flow stage from consuming the wrong
// stage's artifact.
//
// # Error Types
//
// Standard errors returned by storage operations:
//
//   - ErrContentNotFound: content not found in the storage system
//   - ErrBackendUnavailable: storage backend is not accessible
//   - ErrInvalidLocationURI: storage location URI is malformed
package interfaces
