// Package cryptoutils provides the cryptographic building blocks of the
// enrollment system: ECIES encryption for credential wrapping and master-key
// onboarding, CSR and certificate helpers, platform attestation providers,
// at-rest key protection, and the raw-socket attestation-evidence exchange
// that runs before a TLS handshake.
//
// The ECIES scheme uses NIST P-256 ECDH key agreement, SHA-256 key
// derivation and AES-GCM authenticated encryption, with a fresh ephemeral
// key per operation. The encrypted data follows this binary format:
//
//	[ephemeral key length (2 bytes)][ephemeral key][iv (12 bytes)][ciphertext]
//
// Where:
//   - Ephemeral key length: uint16 in big-endian format
//   - Ephemeral key: elliptic curve point encoded using elliptic.Marshal()
//   - IV: 12-byte nonce for AES-GCM
//   - Ciphertext: the encrypted data with GCM authentication tag
package cryptoutils
