package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ruteri/tpm-enrollment-backend/attestation"
	"github.com/ruteri/tpm-enrollment-backend/cmd/flags"
	"github.com/ruteri/tpm-enrollment-backend/cryptoutils"
	"github.com/ruteri/tpm-enrollment-backend/enrollserver"
	"github.com/ruteri/tpm-enrollment-backend/httpserver"
	"github.com/ruteri/tpm-enrollment-backend/interfaces"
	"github.com/ruteri/tpm-enrollment-backend/kms"
	"github.com/ruteri/tpm-enrollment-backend/pcr"
	"github.com/ruteri/tpm-enrollment-backend/session"
	"github.com/ruteri/tpm-enrollment-backend/storage"
	"github.com/urfave/cli/v2"
)

// authority is the KMS surface the server binary needs. Both SimpleKMS and
// ShamirKMS satisfy it.
type authority interface {
	interfaces.CertificateAuthority
	CAAttestation() ([]byte, error)
}

var serveFlags = append([]cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8085",
		Usage: "address to listen on for the enrollment protocol",
	},
	&cli.StringFlag{
		Name:  "http-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for the diagnostics HTTP API",
	},
	&cli.StringFlag{
		Name:  "kms-type",
		Value: "simple",
		Usage: "type of KMS to use: 'simple' or 'shamir'",
	},
	&cli.StringFlag{
		Name:  "master-key",
		Value: "",
		Usage: "hex-encoded 32-byte CA master key (required if kms-type is 'simple')",
	},
	&cli.StringFlag{
		Name:  "admin-keys-file",
		Value: "",
		Usage: "JSON file with admin public keys (required if kms-type is 'shamir')",
	},
	&cli.IntFlag{
		Name:  "threshold",
		Value: 2,
		Usage: "number of shares required to unseal the CA (shamir KMS)",
	},
	&cli.StringSliceFlag{
		Name:  "share-file",
		Usage: "signed share file for unsealing the CA, repeatable (shamir KMS)",
	},
	&cli.StringFlag{
		Name:  "requirements-file",
		Value: "",
		Usage: "JSON file with PCR verifier requirements",
	},
	&cli.StringFlag{
		Name:  "attestation-type",
		Value: cryptoutils.DummyAttestation.StringID,
		Usage: "platform attestation provider for the CA identity: 'dummy' or 'qemu-tdx'",
	},
	&cli.StringFlag{
		Name:  "quote-provider-addr",
		Value: "",
		Usage: "address of a remote quote provider, used instead of the local TDX device",
	},
	&cli.StringSliceFlag{
		Name:  "archive",
		Usage: "storage URI for archiving issued certificates, repeatable",
	},
	&cli.StringFlag{
		Name:  "archive-tls-cert",
		Value: "",
		Usage: "PEM certificate presented to archive backends requiring TLS client auth (vault://)",
	},
	&cli.StringFlag{
		Name:  "archive-tls-key",
		Value: "",
		Usage: "PEM key matching archive-tls-cert",
	},
	&cli.Uint64Flag{
		Name:  "max-frame-size",
		Value: 0,
		Usage: "maximum accepted request frame size in bytes, 0 for the default",
	},
	flags.LogServiceFlagFn("enrollment-server"),
}, flags.CommonFlags...)

var initFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "admin-keys-file",
		Required: true,
		Usage:    "JSON file with admin public keys to split the master key for",
	},
	&cli.IntFlag{
		Name:  "threshold",
		Value: 2,
		Usage: "number of shares required to reconstruct the master key",
	},
	&cli.StringFlag{
		Name:  "output-dir",
		Value: ".",
		Usage: "directory to write the share files into",
	},
	&cli.BoolFlag{
		Name:  "print-master-key",
		Value: false,
		Usage: "print the generated master key in hex (for simple KMS deployments)",
	},
	flags.LogServiceFlagFn("enrollment-server"),
	flags.LogJsonFlag,
	flags.LogDebugFlag,
	flags.LogUidFlag,
}

var onboardFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "master-key",
		Required: true,
		Usage:    "hex-encoded 32-byte CA master key to onboard",
	},
	&cli.StringFlag{
		Name:     "pubkey-file",
		Required: true,
		Usage:    "PEM public key of the new authority instance",
	},
	&cli.StringFlag{
		Name:  "output",
		Value: "",
		Usage: "file to write the encrypted master key to, stdout base64 when empty",
	},
	flags.LogServiceFlagFn("enrollment-server"),
	flags.LogJsonFlag,
	flags.LogDebugFlag,
	flags.LogUidFlag,
}

func main() {
	app := &cli.App{
		Name:  "enrollment-server",
		Usage: "TPM enrollment authority",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the enrollment and diagnostics servers",
				Flags:  serveFlags,
				Action: runServe,
			},
			{
				Name:   "init",
				Usage:  "Generate a CA master key and split it into admin shares",
				Flags:  initFlags,
				Action: runInit,
			},
			{
				Name:   "onboard",
				Usage:  "Encrypt the CA master key for a new authority instance",
				Flags:  onboardFlags,
				Action: runOnboard,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServe(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	kmsImpl, err := setupKMS(cCtx, logger)
	if err != nil {
		return err
	}

	var requirements *pcr.Requirements
	if path := cCtx.String("requirements-file"); path != "" {
		requirements, err = pcr.LoadRequirements(path)
		if err != nil {
			logger.Error("Failed to load verifier requirements", "err", err)
			return err
		}
		logger.Info("Loaded verifier requirements", "file", path)
	}

	sessionKey, err := session.NewKey()
	if err != nil {
		logger.Error("Failed to generate session key", "err", err)
		return err
	}

	engine, err := attestation.NewServer(sessionKey, kmsImpl, requirements)
	if err != nil {
		logger.Error("Failed to create attestation engine", "err", err)
		return err
	}
	engine.WithEvidence(kmsImpl.CAAttestation)

	srv, err := enrollserver.New(&enrollserver.Config{
		ListenAddr:   cCtx.String("listen-addr"),
		Log:          logger,
		MaxFrameSize: uint32(cCtx.Uint64("max-frame-size")),
	}, engine)
	if err != nil {
		logger.Error("Failed to create enrollment server", "err", err)
		return err
	}

	if archiveURIs := cCtx.StringSlice("archive"); len(archiveURIs) > 0 {
		backend, err := archiveBackend(cCtx, logger, archiveURIs)
		if err != nil {
			logger.Error("Failed to create archive backend", "err", err)
			return err
		}
		srv.WithArchive(backend)
	}

	if err := srv.RunInBackground(); err != nil {
		logger.Error("Failed to start enrollment server", "err", err)
		return err
	}

	handler := httpserver.NewHandler(kmsImpl, kmsImpl.CAAttestation, logger)
	httpSrv, err := httpserver.New(flags.ConfigureHTTPServer(cCtx, logger, cCtx.String("http-addr")), handler)
	if err != nil {
		logger.Error("Failed to create diagnostics server", "err", err)
		return err
	}
	httpSrv.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	httpSrv.Shutdown()
	srv.Shutdown()
	return nil
}

func runInit(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	adminKeys, err := loadAdminKeys(cCtx.String("admin-keys-file"))
	if err != nil {
		logger.Error("Failed to load admin keys", "err", err)
		return err
	}

	masterKey := make([]byte, 32)
	if _, err := rand.Read(masterKey); err != nil {
		return err
	}

	_, shares, err := kms.NewShamirKMS(masterKey, kms.ShamirConfig{
		Threshold:    cCtx.Int("threshold"),
		AdminPubKeys: adminKeys,
	})
	if err != nil {
		logger.Error("Failed to split master key", "err", err)
		return err
	}

	outputDir := cCtx.String("output-dir")
	for i, share := range shares {
		file := shareFile{
			Index:       i,
			Share:       base64.StdEncoding.EncodeToString(share),
			AdminPubkey: string(adminKeys[i]),
		}
		data, err := json.MarshalIndent(file, "", "  ")
		if err != nil {
			return err
		}
		path := filepath.Join(outputDir, fmt.Sprintf("share-%d.json", i))
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return err
		}
		logger.Info("Wrote share file", "path", path)
	}

	if cCtx.Bool("print-master-key") {
		fmt.Println(hex.EncodeToString(masterKey))
	}

	logger.Info("Master key split into shares",
		"shares", len(shares),
		"threshold", cCtx.Int("threshold"))
	return nil
}

// runOnboard wraps the master key for a new authority instance. The receiving
// instance decrypts it with its private key and derives the identical CA.
func runOnboard(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	masterKey, err := hex.DecodeString(cCtx.String("master-key"))
	if err != nil || len(masterKey) != 32 {
		return fmt.Errorf("invalid master-key, must be 64 hex chars: %v", err)
	}

	kmsImpl, err := kms.NewSimpleKMS(masterKey)
	if err != nil {
		return err
	}

	pubkeyPEM, err := os.ReadFile(cCtx.String("pubkey-file"))
	if err != nil {
		return fmt.Errorf("reading pubkey file: %w", err)
	}

	encrypted, err := kmsImpl.OnboardRemote(interfaces.AppPubkey(pubkeyPEM))
	if err != nil {
		logger.Error("Onboarding failed", "err", err)
		return err
	}

	if out := cCtx.String("output"); out != "" {
		if err := os.WriteFile(out, encrypted, 0o600); err != nil {
			return err
		}
		logger.Info("Wrote encrypted master key", "path", out)
		return nil
	}
	fmt.Println(base64.StdEncoding.EncodeToString(encrypted))
	return nil
}

func setupKMS(cCtx *cli.Context, logger *slog.Logger) (authority, error) {
	provider, err := attestationProvider(cCtx)
	if err != nil {
		return nil, err
	}

	switch kmsType := cCtx.String("kms-type"); kmsType {
	case "simple":
		masterKeyHex := cCtx.String("master-key")
		if masterKeyHex == "" {
			return nil, errors.New("master-key is required for simple KMS")
		}
		masterKey, err := hex.DecodeString(masterKeyHex)
		if err != nil || len(masterKey) != 32 {
			return nil, fmt.Errorf("invalid master-key, must be 64 hex chars: %v", err)
		}
		logger.Info("Using SimpleKMS")
		kmsImpl, err := kms.NewSimpleKMS(masterKey)
		if err != nil {
			return nil, err
		}
		return kmsImpl.WithAttestationProvider(provider), nil

	case "shamir":
		adminKeysFile := cCtx.String("admin-keys-file")
		if adminKeysFile == "" {
			return nil, errors.New("admin-keys-file is required for shamir KMS")
		}
		adminKeys, err := loadAdminKeys(adminKeysFile)
		if err != nil {
			return nil, err
		}

		shamirKMS, err := kms.NewShamirKMSRecovery(kms.ShamirConfig{
			Threshold:    cCtx.Int("threshold"),
			AdminPubKeys: adminKeys,
		})
		if err != nil {
			return nil, err
		}

		logger.Info("Using ShamirKMS, submitting shares",
			"shares", len(cCtx.StringSlice("share-file")))
		for _, path := range cCtx.StringSlice("share-file") {
			if err := submitShareFile(shamirKMS, path); err != nil {
				return nil, fmt.Errorf("share file %s: %w", path, err)
			}
		}
		if !shamirKMS.IsUnlocked() {
			return nil, errors.New("not enough valid shares to unseal the CA")
		}
		logger.Info("CA unsealed")
		return shamirKMS.SetAttestationProvider(provider), nil

	default:
		return nil, fmt.Errorf("invalid kms-type: %s", kmsType)
	}
}

// attestationProvider selects the platform evidence provider from the CLI
// flags. A remote quote provider address takes precedence over the local TDX
// device for DCAP evidence.
func attestationProvider(cCtx *cli.Context) (cryptoutils.AttestationProvider, error) {
	attestationType, err := cryptoutils.AttestationTypeFromString(cCtx.String("attestation-type"))
	if err != nil {
		return nil, fmt.Errorf("invalid attestation-type %q: %w", cCtx.String("attestation-type"), err)
	}

	switch attestationType.StringID {
	case cryptoutils.DCAPAttestation.StringID:
		if addr := cCtx.String("quote-provider-addr"); addr != "" {
			return &cryptoutils.RemoteAttestationProvider{Address: addr}, nil
		}
		return cryptoutils.DCAPAttestationProvider{}, nil
	default:
		return cryptoutils.NoopAttestationProvider{}, nil
	}
}

// shareFile is the on-disk form of a master key share. The signature is added
// by the administrator after signing the raw share bytes.
type shareFile struct {
	Index       int    `json:"index"`
	Share       string `json:"share"`
	Signature   string `json:"signature,omitempty"`
	AdminPubkey string `json:"admin_pubkey"`
}

func submitShareFile(shamirKMS *kms.ShamirKMS, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var file shareFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("malformed share file: %w", err)
	}

	share, err := base64.StdEncoding.DecodeString(file.Share)
	if err != nil {
		return fmt.Errorf("malformed share: %w", err)
	}
	signature, err := base64.StdEncoding.DecodeString(file.Signature)
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}

	return shamirKMS.SubmitShare(file.Index, share, signature, []byte(file.AdminPubkey))
}

// loadAdminKeys reads a JSON array of PEM-encoded admin public keys.
func loadAdminKeys(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var pems []string
	if err := json.Unmarshal(data, &pems); err != nil {
		return nil, fmt.Errorf("malformed admin keys file: %w", err)
	}

	keys := make([][]byte, len(pems))
	for i, p := range pems {
		keys[i] = []byte(p)
	}
	return keys, nil
}

func archiveBackend(cCtx *cli.Context, logger *slog.Logger, uris []string) (interfaces.StorageBackend, error) {
	locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
	for _, uri := range uris {
		location, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return nil, err
		}
		locations = append(locations, location)
	}

	var factory interfaces.StorageBackendFactory = storage.NewStorageBackendFactory(logger)
	if cert, key := cCtx.String("archive-tls-cert"), cCtx.String("archive-tls-key"); cert != "" && key != "" {
		factory = factory.WithTLSAuth(storage.TLSAuthFromFiles(cert, key))
	}

	if len(locations) == 1 {
		return factory.StorageBackendFor(locations[0])
	}
	return factory.CreateMultiBackend(locations)
}
