package enrollclient

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/tpm-enrollment-backend/attestation"
	"github.com/ruteri/tpm-enrollment-backend/cryptoutils"
	"github.com/ruteri/tpm-enrollment-backend/enrollserver"
	"github.com/ruteri/tpm-enrollment-backend/interfaces"
	"github.com/ruteri/tpm-enrollment-backend/kms"
	"github.com/ruteri/tpm-enrollment-backend/pcr"
	"github.com/ruteri/tpm-enrollment-backend/session"
	"github.com/ruteri/tpm-enrollment-backend/storage"
	"github.com/ruteri/tpm-enrollment-backend/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCA(t *testing.T) interfaces.CertificateAuthority {
	t.Helper()
	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)
	ca, err := kms.NewSimpleKMS(masterKey)
	require.NoError(t, err)
	return ca
}

func startServer(t *testing.T, key *session.Key, requirements *pcr.Requirements) *enrollserver.Server {
	t.Helper()
	engine, err := attestation.NewServer(key, newTestCA(t), requirements)
	require.NoError(t, err)
	srv, err := enrollserver.New(&enrollserver.Config{
		ListenAddr: "127.0.0.1:0",
		Log:        testLogger(),
	}, engine)
	require.NoError(t, err)
	require.NoError(t, srv.RunInBackground())
	t.Cleanup(srv.Shutdown)
	return srv
}

func newTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	engine, err := attestation.NewClient()
	require.NoError(t, err)
	client, err := New(&Config{ServerAddr: addr, Log: testLogger()}, engine)
	require.NoError(t, err)
	return client
}

func TestClient_EnrollAK(t *testing.T) {
	key, err := session.NewKey()
	require.NoError(t, err)
	srv := startServer(t, key, nil)
	client := newTestClient(t, srv.Addr().String())

	hostname, err := interfaces.NewHostname("host-01")
	require.NoError(t, err)

	contents, err := client.EnrollAK(hostname)
	require.NoError(t, err)

	leaf, err := contents.Cert.GetX509Cert()
	require.NoError(t, err)
	assert.Equal(t, "host-01", leaf.Subject.CommonName)
	assert.NoError(t, contents.CACert.VerifyCertificate(contents.Cert))
}

func TestClient_EnrollAK_ServerRestartBetweenStages(t *testing.T) {
	key, err := session.NewKey()
	require.NoError(t, err)
	srv := startServer(t, key, nil)

	engine, err := attestation.NewClient()
	require.NoError(t, err)

	// Run the first stage against the original server.
	challenge, err := engine.BuildChallenge()
	require.NoError(t, err)
	firstClient, err := New(&Config{ServerAddr: srv.Addr().String(), Log: testLogger()}, engine)
	require.NoError(t, err)
	credential, err := firstClient.exchange(wire.OpMakeCredential, challenge)
	require.NoError(t, err)
	secret, err := engine.ActivateCredential(credential)
	require.NoError(t, err)

	// Restart the server with a fresh session key.
	srv.Shutdown()
	rotatedKey, err := session.NewKey()
	require.NoError(t, err)
	restarted := startServer(t, rotatedKey, nil)

	hostname, err := interfaces.NewHostname("host-01")
	require.NoError(t, err)
	certReq, err := engine.BuildCertRequest(secret, hostname)
	require.NoError(t, err)

	secondClient, err := New(&Config{ServerAddr: restarted.Addr().String(), Log: testLogger()}, engine)
	require.NoError(t, err)
	_, err = secondClient.exchange(wire.OpMakeCert, certReq)
	assert.ErrorIs(t, err, wire.ErrRemoteFailure,
		"credential from before the restart must be rejected")
}

func TestClient_EnrollKey(t *testing.T) {
	key, err := session.NewKey()
	require.NoError(t, err)
	requirements, err := pcr.ParseRequirements([]byte(`{"pcr_list": "0,1,2"}`))
	require.NoError(t, err)
	srv := startServer(t, key, requirements)
	client := newTestClient(t, srv.Addr().String())

	hostname, err := interfaces.NewHostname("host-01.example.com")
	require.NoError(t, err)

	contents, err := client.EnrollKey(interfaces.CSRBundleParams{
		PCRAlgorithm: "sha256",
		PCRList:      "0,1,2,7",
		Subject:      interfaces.CSRSubject{Organization: "Example Corp"},
		Hostname:     hostname,
	})
	require.NoError(t, err)

	leaf, err := contents.Cert.GetX509Cert()
	require.NoError(t, err)
	assert.Equal(t, "host-01.example.com", leaf.Subject.CommonName)
}

func TestClient_EnrollKey_CoverageDenied(t *testing.T) {
	key, err := session.NewKey()
	require.NoError(t, err)
	requirements, err := pcr.ParseRequirements([]byte(`{"pcr_list": "0,7"}`))
	require.NoError(t, err)
	srv := startServer(t, key, requirements)
	client := newTestClient(t, srv.Addr().String())

	hostname, err := interfaces.NewHostname("host-01")
	require.NoError(t, err)

	_, err = client.EnrollKey(interfaces.CSRBundleParams{
		PCRAlgorithm: "sha256",
		PCRList:      "0,1,2",
		Hostname:     hostname,
	})
	assert.ErrorIs(t, err, wire.ErrRemoteFailure)
}

func TestClient_RunQuote(t *testing.T) {
	key, err := session.NewKey()
	require.NoError(t, err)
	srv := startServer(t, key, nil)
	client := newTestClient(t, srv.Addr().String())

	passed, reason, err := client.RunQuote(interfaces.QuoteParams{
		PCRAlgorithm: "sha256",
		PCRList:      "0,1,2",
	})
	require.NoError(t, err)
	assert.True(t, passed, "quote should pass: %s", reason)
}

func TestClient_RunQuote_CoverageViolationIsVerdict(t *testing.T) {
	key, err := session.NewKey()
	require.NoError(t, err)
	requirements, err := pcr.ParseRequirements([]byte(`{"pcr_list": "0,7"}`))
	require.NoError(t, err)
	srv := startServer(t, key, requirements)
	client := newTestClient(t, srv.Addr().String())

	passed, reason, err := client.RunQuote(interfaces.QuoteParams{
		PCRAlgorithm: "sha256",
		PCRList:      "0,1,2",
	})
	require.NoError(t, err, "a failing verdict is not a transport error")
	assert.False(t, passed)
	assert.NotEmpty(t, reason)
}

func TestClient_Persist(t *testing.T) {
	key, err := session.NewKey()
	require.NoError(t, err)
	srv := startServer(t, key, nil)
	client := newTestClient(t, srv.Addr().String())

	location, err := interfaces.NewStorageBackendLocation("file://" + t.TempDir())
	require.NoError(t, err)
	backend, err := storage.NewStorageBackendFactory(testLogger()).StorageBackendFor(location)
	require.NoError(t, err)
	client.WithStorage(backend)

	hostname, err := interfaces.NewHostname("host-01")
	require.NoError(t, err)
	contents, err := client.EnrollAK(hostname)
	require.NoError(t, err)

	artifacts, err := client.Persist(context.Background(), contents)
	require.NoError(t, err)

	stored, err := backend.Fetch(context.Background(), artifacts.Cert, interfaces.CertificateType)
	require.NoError(t, err)
	assert.Equal(t, []byte(contents.Cert), stored)

	storedCA, err := backend.Fetch(context.Background(), artifacts.CACert, interfaces.CertificateType)
	require.NoError(t, err)
	assert.Equal(t, []byte(contents.CACert), storedCA)
}

func TestClient_EnrollAK_SavesChallenge(t *testing.T) {
	key, err := session.NewKey()
	require.NoError(t, err)
	srv := startServer(t, key, nil)
	client := newTestClient(t, srv.Addr().String())

	challengePath := filepath.Join(t.TempDir(), "challenge.json")
	client.WithChallengeFile(challengePath)

	hostname, err := interfaces.NewHostname("host-01")
	require.NoError(t, err)
	_, err = client.EnrollAK(hostname)
	require.NoError(t, err)

	saved, err := os.ReadFile(challengePath)
	require.NoError(t, err)
	assert.True(t, json.Valid(saved), "saved challenge should be the JSON artifact as sent")
}

func TestClient_WriteFiles(t *testing.T) {
	client := newTestClient(t, "127.0.0.1:1")

	_, tlsKey, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)
	contents := &attestation.CertBundleContents{
		Cert:   interfaces.TLSCert("cert pem"),
		CACert: interfaces.CACert("ca pem"),
	}

	dir := t.TempDir()
	require.NoError(t, client.WriteFiles(dir, contents, tlsKey, nil))

	written, err := os.ReadFile(filepath.Join(dir, "key.pem"))
	require.NoError(t, err)
	assert.Equal(t, []byte(tlsKey), written)

	cert, err := os.ReadFile(filepath.Join(dir, "cert.pem"))
	require.NoError(t, err)
	assert.Equal(t, []byte("cert pem"), cert)
}

func TestClient_WriteFiles_SealsKey(t *testing.T) {
	client := newTestClient(t, "127.0.0.1:1")

	_, tlsKey, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)
	contents := &attestation.CertBundleContents{
		Cert:   interfaces.TLSCert("cert pem"),
		CACert: interfaces.CACert("ca pem"),
	}

	dir := t.TempDir()
	passphrase := []byte("correct horse battery staple")
	require.NoError(t, client.WriteFiles(dir, contents, tlsKey, passphrase))

	// No plaintext key on disk
	_, err = os.Stat(filepath.Join(dir, "key.pem"))
	assert.True(t, os.IsNotExist(err))

	sealed, err := os.ReadFile(filepath.Join(dir, "key.pem.sealed"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "PRIVATE KEY")

	opened, err := cryptoutils.OpenPrivateKey(passphrase, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte(tlsKey), opened)
}

func TestClient_PersistWithoutStorage(t *testing.T) {
	key, err := session.NewKey()
	require.NoError(t, err)
	srv := startServer(t, key, nil)
	client := newTestClient(t, srv.Addr().String())

	_, err = client.Persist(context.Background(), &attestation.CertBundleContents{})
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	engine, err := attestation.NewClient()
	require.NoError(t, err)

	_, err = New(&Config{ServerAddr: "127.0.0.1:1", Log: testLogger()}, nil)
	assert.Error(t, err)

	_, err = New(&Config{Log: testLogger()}, engine)
	assert.Error(t, err)

	_, err = New(&Config{ServerAddr: "127.0.0.1:1"}, engine)
	assert.Error(t, err)
}
