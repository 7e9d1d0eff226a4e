package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/tpm-enrollment-backend/interfaces"
)

// defaultGitHubAPI is the public GitHub API endpoint.
const defaultGitHubAPI = "https://api.github.com"

// GitHubBackend reads enrollment artifacts mirrored into a git repository
// through GitHub's blob API. The backend is read-only: artifacts are
// published to the repository out of band, typically by replicating the
// authority's archive directory, and enrolling machines fetch pinned CA
// material or archived certificates from it by content ID.
//
// The hex content ID doubles as the blob SHA under which the artifact was
// committed. Fetched data is re-hashed and must match the requested ID.
type GitHubBackend struct {
	owner       string
	repo        string
	apiBase     string
	client      *http.Client
	log         *slog.Logger
	locationURI string
}

// githubBlob is the subset of GitHub's blob response the backend consumes.
type githubBlob struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	Size     int    `json:"size"`
}

// NewGitHubBackend creates a read-only backend over the given repository.
func NewGitHubBackend(owner, repo string, log *slog.Logger) *GitHubBackend {
	return &GitHubBackend{
		owner:       owner,
		repo:        repo,
		apiBase:     defaultGitHubAPI,
		client:      &http.Client{Timeout: 30 * time.Second},
		log:         log,
		locationURI: fmt.Sprintf("github://%s/%s", owner, repo),
	}
}

// Fetch retrieves an artifact by content ID, using the ID as the blob SHA.
// Returns ErrContentNotFound when no blob exists under that SHA.
func (b *GitHubBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/git/blobs/%s", b.apiBase, b.owner, b.repo, id.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		b.log.Debug("Content not found in repository",
			slog.String("content_id", id.String()),
			slog.String("repo", b.locationURI))
		return nil, interfaces.ErrContentNotFound
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("blob request returned %s: %s", resp.Status, string(body))
	}

	var blob githubBlob
	if err := json.NewDecoder(resp.Body).Decode(&blob); err != nil {
		return nil, fmt.Errorf("failed to decode blob response: %w", err)
	}
	if blob.Encoding != "base64" {
		return nil, fmt.Errorf("unexpected blob encoding: %s", blob.Encoding)
	}

	// GitHub line-wraps base64 blob content
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(blob.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("failed to decode blob content: %w", err)
	}

	if actual := interfaces.ComputeID(data); actual != id {
		b.log.Warn("Fetched content does not match requested ID",
			slog.String("requested", id.String()),
			slog.String("actual", actual.String()))
		return nil, fmt.Errorf("content digest mismatch for %s", id.String())
	}

	b.log.Debug("Fetched content from repository",
		slog.String("content_id", id.String()),
		slog.Int("size", len(data)))
	return data, nil
}

// Store always fails: artifacts reach the repository out of band.
func (b *GitHubBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	return interfaces.ComputeID(data), fmt.Errorf("github backend %s is read-only", b.locationURI)
}

// Available checks whether the repository is reachable.
func (b *GitHubBackend) Available(ctx context.Context) bool {
	url := fmt.Sprintf("%s/repos/%s/%s", b.apiBase, b.owner, b.repo)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := b.client.Do(req)
	if err != nil {
		b.log.Debug("GitHub backend unavailable", "err", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b.log.Debug("GitHub backend unavailable", slog.String("status", resp.Status))
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *GitHubBackend) Name() string {
	return fmt.Sprintf("github-%s-%s", b.owner, b.repo)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *GitHubBackend) LocationURI() string {
	return b.locationURI
}
