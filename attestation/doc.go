// Package attestation implements the enrollment engines behind the wire
// protocol: the client engine running on the enrolling machine and the server
// engine running inside the enrollment authority.
//
// Artifacts cross the wire as opaque bytes; internally they are JSON
// documents produced by one engine and consumed by the peer's. The engines
// carry all session continuity through HMAC tags derived from the server's
// process-lifetime binding key, so two stages of a flow can land on different
// connections without any server-side session state.
//
// The endorsement and attestation keys are P-256 keypairs standing in for
// TPM-resident keys. Credential activation proves endorsement-key possession
// by ECIES decryption; quotes are attestation-key signatures over a
// server-issued nonce and the selected PCR state.
package attestation
