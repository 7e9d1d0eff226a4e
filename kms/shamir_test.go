package kms

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"testing"

	"github.com/ruteri/tpm-enrollment-backend/cryptoutils"
	"github.com/ruteri/tpm-enrollment-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// generateAdmins creates n admin key pairs and their PEM-encoded public keys.
func generateAdmins(t *testing.T, n int) ([]*ecdsa.PrivateKey, [][]byte) {
	t.Helper()

	keys := make([]*ecdsa.PrivateKey, n)
	pubPEMs := make([][]byte, n)
	for i := 0; i < n; i++ {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err, "Failed to generate admin key")
		keys[i] = key

		pubKeyBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		require.NoError(t, err, "Failed to marshal public key")

		pubPEMs[i] = pem.EncodeToMemory(&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: pubKeyBytes,
		})
	}
	return keys, pubPEMs
}

func TestShamirKMS_NewShamirKMS(t *testing.T) {
	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err, "Failed to generate test master key")

	_, adminPubKeyPEMs := generateAdmins(t, 5)

	kms, shares, err := NewShamirKMS(masterKey, ShamirConfig{Threshold: 3, AdminPubKeys: adminPubKeyPEMs})
	require.NoError(t, err, "NewShamirKMS should succeed with valid parameters")
	assert.NotNil(t, kms, "KMS should not be nil")
	assert.Equal(t, 5, len(shares), "Should generate one share per admin")
	assert.True(t, kms.IsUnlocked(), "KMS should start in unlocked state when initiated with master key")

	// Threshold exceeding total admins
	_, _, err = NewShamirKMS(masterKey, ShamirConfig{Threshold: 6, AdminPubKeys: adminPubKeyPEMs})
	assert.Error(t, err, "Should fail when threshold > total shares")

	// Threshold below 2
	_, _, err = NewShamirKMS(masterKey, ShamirConfig{Threshold: 1, AdminPubKeys: adminPubKeyPEMs})
	assert.Error(t, err, "Should fail when threshold < 2")

	// Master key too short
	shortKey := make([]byte, 16)
	_, _, err = NewShamirKMS(shortKey, ShamirConfig{Threshold: 3, AdminPubKeys: adminPubKeyPEMs})
	assert.Error(t, err, "Should fail with master key < 32 bytes")

	// Invalid admin public key
	badPEMs := append([][]byte{[]byte("not-a-valid-pem")}, adminPubKeyPEMs...)
	_, _, err = NewShamirKMS(masterKey, ShamirConfig{Threshold: 3, AdminPubKeys: badPEMs})
	assert.Error(t, err, "Should fail with invalid admin public key")
}

func TestShamirKMS_NewShamirKMSRecovery(t *testing.T) {
	_, adminPubKeyPEMs := generateAdmins(t, 5)

	kms, err := NewShamirKMSRecovery(ShamirConfig{Threshold: 3, AdminPubKeys: adminPubKeyPEMs})
	require.NoError(t, err, "NewShamirKMSRecovery should succeed")
	assert.NotNil(t, kms, "KMS should not be nil")
	assert.Equal(t, 3, kms.threshold, "Threshold should be set correctly")
	assert.False(t, kms.IsUnlocked(), "KMS should start in locked state")

	// Locked KMS refuses signing operations
	_, err = kms.CACert()
	assert.Error(t, err, "CACert should fail on locked KMS")
}

func TestShamirKMS_ShareSubmission(t *testing.T) {
	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err, "Failed to generate test master key")

	adminKeys, adminPubKeyPEMs := generateAdmins(t, 5)

	_, shares, err := NewShamirKMS(masterKey, ShamirConfig{Threshold: 3, AdminPubKeys: adminPubKeyPEMs})
	require.NoError(t, err, "Failed to create KMS")
	require.Equal(t, 5, len(shares), "Should generate 5 shares")

	recoveryKms, err := NewShamirKMSRecovery(ShamirConfig{Threshold: 3, AdminPubKeys: adminPubKeyPEMs})
	require.NoError(t, err, "Failed to create recovery KMS")

	// Sign and submit threshold shares
	for i := 0; i < 3; i++ {
		signature, err := SignShare(shares[i], adminKeys[i])
		require.NoError(t, err, "Failed to sign share")

		err = recoveryKms.SubmitShare(i, shares[i], signature, adminPubKeyPEMs[i])
		require.NoError(t, err, "Share submission should succeed")
	}

	assert.True(t, recoveryKms.IsUnlocked(), "KMS should be unlocked after threshold shares")

	// The recovered authority presents the same CA key as a fresh instance
	// created from the original master key.
	direct, err := NewSimpleKMS(masterKey)
	require.NoError(t, err)
	directCA, err := direct.CACert()
	require.NoError(t, err)
	recoveredCA, err := recoveryKms.CACert()
	require.NoError(t, err)

	directCert, err := directCA.GetX509Cert()
	require.NoError(t, err)
	recoveredCert, err := recoveredCA.GetX509Cert()
	require.NoError(t, err)
	assert.Equal(t, directCert.RawSubjectPublicKeyInfo, recoveredCert.RawSubjectPublicKeyInfo,
		"Recovered CA should use the same key as the original")

	// Invalid signature
	recoveryKms2, err := NewShamirKMSRecovery(ShamirConfig{Threshold: 3, AdminPubKeys: adminPubKeyPEMs})
	require.NoError(t, err)

	err = recoveryKms2.SubmitShare(0, shares[0], []byte("invalid-signature"), adminPubKeyPEMs[0])
	assert.Error(t, err, "Should fail with invalid signature")

	// Unregistered admin
	unregKeys, unregPubKeyPEMs := generateAdmins(t, 1)
	signature, err := SignShare(shares[0], unregKeys[0])
	require.NoError(t, err)

	err = recoveryKms2.SubmitShare(0, shares[0], signature, unregPubKeyPEMs[0])
	assert.Error(t, err, "Should fail with unregistered admin")

	// Submitting to an already-unlocked KMS
	signature, err = SignShare(shares[3], adminKeys[3])
	require.NoError(t, err)
	err = recoveryKms.SubmitShare(3, shares[3], signature, adminPubKeyPEMs[3])
	assert.Error(t, err, "Should fail once the KMS is unlocked")
}

func TestShamirKMS_UnlockedOperations(t *testing.T) {
	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err, "Failed to generate test master key")

	adminKeys, adminPubKeyPEMs := generateAdmins(t, 5)

	_, shares, err := NewShamirKMS(masterKey, ShamirConfig{Threshold: 3, AdminPubKeys: adminPubKeyPEMs})
	require.NoError(t, err, "Failed to create KMS")

	recoveryKms, err := NewShamirKMSRecovery(ShamirConfig{Threshold: 3, AdminPubKeys: adminPubKeyPEMs})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		signature, err := SignShare(shares[i], adminKeys[i])
		require.NoError(t, err)

		err = recoveryKms.SubmitShare(i, shares[i], signature, adminPubKeyPEMs[i])
		require.NoError(t, err)
	}

	require.True(t, recoveryKms.IsUnlocked(), "KMS should be unlocked")

	caCert, err := recoveryKms.CACert()
	assert.NoError(t, err, "CACert should succeed on unlocked KMS")
	assert.NotEmpty(t, caCert, "CA certificate should not be empty")

	attestation, err := recoveryKms.CAAttestation()
	assert.NoError(t, err, "CAAttestation should succeed on unlocked KMS")
	assert.NotEmpty(t, attestation, "Attestation should not be empty")

	// Key-certificate path
	_, csr, err := cryptoutils.CreateCSRWithSubject(pkix.Name{CommonName: "machine-01.example.com"})
	require.NoError(t, err)

	cert, err := recoveryKms.SignCSR(csr)
	assert.NoError(t, err, "SignCSR should succeed on unlocked KMS")
	assert.NotEmpty(t, cert, "Certificate should not be empty")

	// AK-certificate path
	akKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	akPubDER, err := x509.MarshalPKIXPublicKey(&akKey.PublicKey)
	require.NoError(t, err)
	akPubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: akPubDER})

	akCert, err := recoveryKms.SignPubkey(interfaces.AppPubkey(akPubPEM), "machine-01.example.com")
	assert.NoError(t, err, "SignPubkey should succeed on unlocked KMS")
	assert.NotEmpty(t, akCert, "AK certificate should not be empty")
}

func TestSignShare(t *testing.T) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "Failed to generate key")

	share := []byte("test-share-data")

	signature, err := SignShare(share, privateKey)
	assert.NoError(t, err, "Should sign share successfully")
	assert.NotEmpty(t, signature, "Signature should not be empty")

	valid := ecdsa.VerifyASN1(&privateKey.PublicKey, share, signature)
	assert.True(t, valid, "Signature should be valid")
}
