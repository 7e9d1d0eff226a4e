package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ruteri/tpm-enrollment-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startBlobServer serves GitHub-style blob responses for the given artifacts,
// keyed by their content ID.
func startBlobServer(t *testing.T, artifacts map[interfaces.ContentID][]byte) *httptest.Server {
	t.Helper()

	byID := make(map[string][]byte, len(artifacts))
	for id, data := range artifacts {
		byID[id.String()] = data
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/example/enrollment-archive" {
			w.WriteHeader(http.StatusOK)
			return
		}

		const prefix = "/repos/example/enrollment-archive/git/blobs/"
		data, ok := byID[strings.TrimPrefix(r.URL.Path, prefix)]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		// GitHub wraps blob content at 60 columns; a single newline is
		// enough to exercise the unwrapping.
		encoded := base64.StdEncoding.EncodeToString(data)
		_ = json.NewEncoder(w).Encode(githubBlob{
			Content:  encoded[:10] + "\n" + encoded[10:],
			Encoding: "base64",
			Size:     len(data),
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestGitHubBackend(t *testing.T, artifacts map[interfaces.ContentID][]byte) *GitHubBackend {
	t.Helper()
	ts := startBlobServer(t, artifacts)
	backend := NewGitHubBackend("example", "enrollment-archive", testLogger())
	backend.apiBase = ts.URL
	return backend
}

func TestGitHubBackend_Fetch(t *testing.T) {
	caPEM := []byte("-----BEGIN CERTIFICATE-----\npinned ca material\n-----END CERTIFICATE-----\n")
	id := interfaces.ComputeID(caPEM)
	backend := newTestGitHubBackend(t, map[interfaces.ContentID][]byte{id: caPEM})

	ctx := context.Background()
	data, err := backend.Fetch(ctx, id, interfaces.CertificateType)
	require.NoError(t, err)
	assert.Equal(t, caPEM, data)

	_, err = backend.Fetch(ctx, interfaces.ComputeID([]byte("missing")), interfaces.CertificateType)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	assert.True(t, backend.Available(ctx))
}

func TestGitHubBackend_Fetch_DigestMismatch(t *testing.T) {
	// Serve tampered content under whatever ID is requested.
	tampered := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(githubBlob{
			Content:  base64.StdEncoding.EncodeToString([]byte("tampered artifact")),
			Encoding: "base64",
		})
	}))
	t.Cleanup(tampered.Close)

	backend := NewGitHubBackend("example", "enrollment-archive", testLogger())
	backend.apiBase = tampered.URL

	_, err := backend.Fetch(context.Background(), interfaces.ComputeID([]byte("original artifact")), interfaces.CertificateType)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest mismatch")
}

func TestGitHubBackend_StoreIsRejected(t *testing.T) {
	backend := NewGitHubBackend("example", "enrollment-archive", testLogger())

	_, err := backend.Store(context.Background(), []byte("data"), interfaces.CertificateType)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only")
}
