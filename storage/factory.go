package storage

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/tpm-enrollment-backend/interfaces"
)

// StorageBackendFactory creates storage backends from location URIs and
// manages multi-backend configurations for redundant storage.
type StorageBackendFactory struct {
	log     *slog.Logger
	tlsAuth func() (tls.Certificate, error)
}

// NewStorageBackendFactory creates a new factory instance that can create storage backends.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{
		log: logger,
	}
}

// WithTLSAuth configures TLS client authentication for backends that support
// it (currently vault://). The provider is called when the backend is created.
func (sf *StorageBackendFactory) WithTLSAuth(certProvider func() (tls.Certificate, error)) interfaces.StorageBackendFactory {
	return &StorageBackendFactory{
		log:     sf.log,
		tlsAuth: certProvider,
	}
}

// TLSAuthFromFiles returns a client certificate provider loading a
// PEM-encoded certificate and key pair from disk. Loading is deferred until
// the backend is created, so the files may be written after the factory is
// configured, e.g. by a preceding enrollment run.
func TLSAuthFromFiles(certPath, keyPath string) func() (tls.Certificate, error) {
	return func() (tls.Certificate, error) {
		return tls.LoadX509KeyPair(certPath, keyPath)
	}
}

// StorageBackendFor creates a storage backend from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - Local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
//   - ipfs:// - IPFS distributed storage
//   - github:// - Read-only storage using GitHub's Git blob API
//   - vault:// - HashiCorp Vault KV storage with TLS client authentication
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (sf *StorageBackendFactory) StorageBackendFor(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	switch strings.ToLower(location.Scheme) {
	case "github":
		return sf.createGitHubBackend(location)
	case "ipfs":
		return sf.createIPFSBackend(location)
	case "s3":
		return sf.createS3Backend(location)
	case "file":
		return sf.createFileBackend(location)
	case "vault":
		return sf.createVaultBackend(location)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme: %s", interfaces.ErrInvalidLocationURI, location.Scheme)
	}
}

// CreateMultiBackend creates a multi-storage backend from a list of location URIs.
// The multi-backend aggregates all valid backends, providing redundancy for storage operations.
// It will store content to all available backends and fetch from the first one that has the content.
// Returns an error if no valid backends could be created from the provided URIs.
func (sf *StorageBackendFactory) CreateMultiBackend(locations []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locations))

	for _, location := range locations {
		backend, err := sf.StorageBackendFor(location)
		if err != nil {
			sf.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("locationURI", location.String()))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}

	return NewMultiStorageBackend(backends, sf.log), nil
}

// createGitHubBackend creates a read-only GitHub storage backend.
// URI format: github://owner/repo
// The backend uses Git's blob objects directly for content addressing.
func (sf *StorageBackendFactory) createGitHubBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating GitHub backend", slog.String("uri", location.String()))

	owner := location.Host
	repo := strings.Trim(location.Path, "/")
	if owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("invalid GitHub URI format, expected github://owner/repo")
	}

	return NewGitHubBackend(owner, repo, sf.log), nil
}

// createIPFSBackend creates an IPFS storage backend.
// URI format: ipfs://host:port/?gateway=true&timeout=30s
// The backend can connect to either an IPFS node or a gateway.
func (sf *StorageBackendFactory) createIPFSBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating IPFS backend", slog.String("uri", location.String()))

	host, port := splitHostPort(location.Host)
	if port == "" {
		port = "5001" // Default IPFS API port
	}

	useGateway := location.GetParamBool("gateway")

	timeout := location.GetParam("timeout")
	if timeout == "" {
		timeout = "30s" // Default timeout
	}

	return NewIPFSBackend(host, port, useGateway, timeout, sf.log)
}

// createS3Backend creates an S3 or S3-compatible storage backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/path/?region=us-west-2&endpoint=custom.s3.com
// The backend supports both public buckets (read-only) and authenticated access.
func (sf *StorageBackendFactory) createS3Backend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating S3 backend", slog.String("uri", location.String()))

	bucketName := location.Host
	path := strings.TrimPrefix(location.Path, "/")

	region := location.GetParam("region")
	if region == "" {
		region = "us-east-1" // Default region
	}

	endpoint := location.GetParam("endpoint")

	var accessKey, secretKey string
	if location.Auth != "" {
		accessKey, secretKey, _ = strings.Cut(location.Auth, ":")
		sf.log.Debug("Using embedded credentials for write access")
	} else {
		sf.log.Debug("No credentials provided, S3 bucket assumed to be public, write operations may fail")
	}

	return NewS3Backend(bucketName, path, region, endpoint, accessKey, secretKey, sf.log)
}

// createFileBackend creates a file system storage backend.
// URI format: file:///absolute/path/ or file://./relative/path/
// The backend stores content in a directory structure organized by content type.
func (sf *StorageBackendFactory) createFileBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating file backend", slog.String("uri", location.String()))

	path := location.Path
	if location.Host != "" {
		// Handle Windows-style paths like file://C:/path
		if strings.HasPrefix(location.Host, "C:") || strings.HasPrefix(location.Host, "D:") {
			path = location.Host + path
		} else {
			path = location.Host + "/" + strings.TrimPrefix(path, "/")
		}
	}

	if path == "" {
		return nil, fmt.Errorf("empty path in file URI: %s", location.String())
	}

	return NewFileBackend(path, sf.log)
}

// createVaultBackend creates a HashiCorp Vault storage backend.
// URI format: vault://vault.example.com:8200/mount/data-path
// Requires TLS client authentication configured via WithTLSAuth.
func (sf *StorageBackendFactory) createVaultBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating Vault backend", slog.String("uri", location.String()))

	if sf.tlsAuth == nil {
		return nil, errors.New("vault backend requires TLS client authentication, none configured")
	}

	clientCert, err := sf.tlsAuth()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain TLS client certificate: %w", err)
	}

	mountPath, dataPath, _ := strings.Cut(strings.Trim(location.Path, "/"), "/")
	if mountPath == "" {
		return nil, fmt.Errorf("vault URI must include a mount path: %s", location.String())
	}

	address := fmt.Sprintf("https://%s", location.Host)
	return NewVaultBackend(address, mountPath, dataPath, clientCert, sf.log)
}

// splitHostPort separates host:port, tolerating a missing port.
func splitHostPort(hostport string) (string, string) {
	host, port, found := strings.Cut(hostport, ":")
	if !found {
		return hostport, ""
	}
	return host, port
}
