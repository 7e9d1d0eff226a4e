package storage

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/tpm-enrollment-backend/cryptoutils"
	"github.com/ruteri/tpm-enrollment-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFileBackend_StoreFetch(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	certData := []byte("-----BEGIN CERTIFICATE-----\ntest\n-----END CERTIFICATE-----\n")

	id, err := backend.Store(ctx, certData, interfaces.CertificateType)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeID(certData), id)

	fetched, err := backend.Fetch(ctx, id, interfaces.CertificateType)
	require.NoError(t, err)
	assert.Equal(t, certData, fetched)

	// Content types are separate namespaces
	_, err = backend.Fetch(ctx, id, interfaces.AttestationDataType)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	// Unknown content is not found
	_, err = backend.Fetch(ctx, interfaces.ComputeID([]byte("missing")), interfaces.CertificateType)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	assert.True(t, backend.Available(ctx))
}

func TestStorageBackendFactory_SchemeDispatch(t *testing.T) {
	factory := NewStorageBackendFactory(testLogger())

	tests := []struct {
		name     string
		uri      string
		wantName string
		wantErr  bool
	}{
		{name: "file backend", uri: "file://" + t.TempDir(), wantName: "file-"},
		{name: "s3 backend", uri: "s3://bucket/prefix/?region=us-west-2", wantName: "s3-bucket"},
		{name: "ipfs backend", uri: "ipfs://ipfs.example.com:5001/", wantName: "ipfs-ipfs.example.com-5001"},
		{name: "github backend", uri: "github://owner/repo", wantName: "github-owner-repo"},
		{name: "vault requires tls auth", uri: "vault://vault.example.com:8200/secret/enrollment", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			location, err := interfaces.NewStorageBackendLocation(tt.uri)
			require.NoError(t, err)

			backend, err := factory.StorageBackendFor(location)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, backend.Name(), tt.wantName)
		})
	}

	// Unsupported scheme is rejected at location parse time
	_, err := interfaces.NewStorageBackendLocation("ftp://example.com/path")
	assert.Error(t, err)
}

func TestStorageBackendFactory_VaultWithTLSAuth(t *testing.T) {
	factory := NewStorageBackendFactory(testLogger()).WithTLSAuth(cryptoutils.RandomCert)

	location, err := interfaces.NewStorageBackendLocation("vault://vault.example.com:8200/secret/enrollment")
	require.NoError(t, err)

	backend, err := factory.StorageBackendFor(location)
	require.NoError(t, err)
	assert.Contains(t, backend.LocationURI(), "vault://")
}

func TestTLSAuthFromFiles(t *testing.T) {
	cert, err := cryptoutils.RandomCert()
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	require.NoError(t, err)

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath,
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}), 0o600))
	require.NoError(t, os.WriteFile(keyPath,
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600))

	loaded, err := TLSAuthFromFiles(certPath, keyPath)()
	require.NoError(t, err)
	assert.Equal(t, cert.Certificate, loaded.Certificate)

	// A vault backend is constructible with file-based TLS auth
	factory := NewStorageBackendFactory(testLogger()).WithTLSAuth(TLSAuthFromFiles(certPath, keyPath))
	location, err := interfaces.NewStorageBackendLocation("vault://vault.example.com:8200/secret/enrollment")
	require.NoError(t, err)
	backend, err := factory.StorageBackendFor(location)
	require.NoError(t, err)
	assert.Contains(t, backend.LocationURI(), "vault://")

	// Missing files surface when the backend is created, not before
	_, err = TLSAuthFromFiles(filepath.Join(dir, "absent.pem"), keyPath)()
	assert.Error(t, err)
}

func TestStorageBackendFactory_CreateMultiBackend(t *testing.T) {
	factory := NewStorageBackendFactory(testLogger())

	fileLoc, err := interfaces.NewStorageBackendLocation("file://" + t.TempDir())
	require.NoError(t, err)
	// Vault location fails without TLS auth and should be skipped
	vaultLoc, err := interfaces.NewStorageBackendLocation("vault://vault.example.com:8200/secret/enrollment")
	require.NoError(t, err)

	multi, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{fileLoc, vaultLoc})
	require.NoError(t, err)

	ctx := context.Background()
	data := []byte("attestation evidence")
	id, err := multi.Store(ctx, data, interfaces.AttestationDataType)
	require.NoError(t, err)

	fetched, err := multi.Fetch(ctx, id, interfaces.AttestationDataType)
	require.NoError(t, err)
	assert.Equal(t, data, fetched)

	// No usable backend at all
	_, err = factory.CreateMultiBackend([]interfaces.StorageBackendLocation{vaultLoc})
	assert.Error(t, err)
}
