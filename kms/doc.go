// Package kms implements the enrollment authority's key management: the CA
// key behind every issued AK and TLS certificate.
//
// The package includes these implementations:
//
// # SimpleKMS
//
// Derives the CA key deterministically from a master key, so any authority
// instance holding the same master key presents the same CA identity across
// restarts. It signs CSRs (key-certificate flow) and bare public keys
// (AK-certificate flow, where possession is proven through credential
// activation instead of a CSR signature).
//
// # ShamirKMS
//
// Protects the master key with Shamir's Secret Sharing. The key is split
// into N shares requiring a threshold M to reconstruct, distributed to
// administrators, and never written to persistent storage. At recovery the
// authority stays locked until enough signature-verified shares have been
// submitted; shares are wiped from memory after the key is reconstructed.
//
// # Master Key Distribution
//
// OnboardRemote encrypts the master key under a new instance's public key
// using ECIES, letting additional authority instances join without the key
// ever crossing the wire in the clear.
package kms
