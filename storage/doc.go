// Package storage provides a content-addressed storage system with pluggable backends.
//
// The enrollment system uses it to persist issued certificates and attestation
// evidence, identified by SHA-256 hash, across multiple storage backends:
//
//   - File system storage for local development and testing
//   - S3-compatible storage for cloud deployments
//   - IPFS storage for decentralized content
//   - GitHub storage using repository content (read-only)
//   - Vault storage with TLS client certificate authentication
//
// # Storage URI Format
//
// Storage backends are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Supported URI schemes:
//
//   - file:///var/lib/enrollment/store/
//   - s3://bucket-name/prefix/?region=us-west-2
//   - ipfs://ipfs.example.com:5001/
//   - github://owner/repo
//   - vault://vault.example.com:8200/secret/enrollment
//
// # Content Addressing
//
// Content is stored and retrieved using content addressing, where the content
// identifier is the SHA-256 hash of the data. Certificates and attestation
// evidence are stored in separate namespaces.
//
// # Multi-Backend Redundancy
//
// CreateMultiBackend aggregates several backends behind the StorageBackend
// interface: Store writes to every available backend, Fetch returns the first
// successful read. A single unavailable backend does not fail the operation
// as long as another backend can serve it.
//
// # Usage
//
//	factory := storage.NewStorageBackendFactory(logger)
//	location, err := interfaces.NewStorageBackendLocation("file:///var/lib/enrollment/store/")
//	if err != nil {
//		// handle error
//	}
//	backend, err := factory.StorageBackendFor(location)
//	if err != nil {
//		// handle error
//	}
//
//	id, err := backend.Store(ctx, certPEM, interfaces.CertificateType)
//	data, err := backend.Fetch(ctx, id, interfaces.CertificateType)
package storage
