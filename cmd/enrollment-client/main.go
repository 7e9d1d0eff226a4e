package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/ruteri/tpm-enrollment-backend/attestation"
	"github.com/ruteri/tpm-enrollment-backend/cmd/flags"
	"github.com/ruteri/tpm-enrollment-backend/enrollclient"
	"github.com/ruteri/tpm-enrollment-backend/interfaces"
	"github.com/ruteri/tpm-enrollment-backend/serviceresolver"
	"github.com/ruteri/tpm-enrollment-backend/storage"
	"github.com/urfave/cli/v2"
)

var commonClientFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "server-addr",
		Value: "",
		Usage: "enrollment server address (host:port)",
	},
	&cli.StringFlag{
		Name:  "discover-domain",
		Value: "",
		Usage: "discover the enrollment server through DNS SRV records for this domain",
	},
	&cli.StringFlag{
		Name:  "dns-server",
		Value: serviceresolver.DefaultDNSServer,
		Usage: "DNS server queried for SRV discovery",
	},
	flags.LogServiceFlagFn("enrollment-client"),
	flags.LogJsonFlag,
	flags.LogDebugFlag,
	flags.LogUidFlag,
}

var persistFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "out-dir",
		Value: "",
		Usage: "directory to write issued PEM files into",
	},
	&cli.StringFlag{
		Name:  "key-passphrase",
		Value: "",
		Usage: "seal the written private key under this passphrase",
	},
	&cli.StringSliceFlag{
		Name:  "storage",
		Usage: "storage URI for persisting issued artifacts, repeatable",
	},
	&cli.BoolFlag{
		Name:  "verify-evidence",
		Usage: "verify the authority's TDX evidence against the CA certificate before persisting",
	},
}

// storageTLSFlags configure TLS client authentication for backends that
// require it (vault://).
var storageTLSFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "storage-tls-cert",
		Value: "",
		Usage: "PEM certificate presented to storage backends requiring TLS client auth",
	},
	&cli.StringFlag{
		Name:  "storage-tls-key",
		Value: "",
		Usage: "PEM key matching storage-tls-cert",
	},
}

func main() {
	app := &cli.App{
		Name:  "enrollment-client",
		Usage: "Enroll this machine with the TPM enrollment authority",
		Commands: []*cli.Command{
			{
				Name:  "ak-cert",
				Usage: "Obtain an attestation key certificate",
				Flags: append(append(append([]cli.Flag{
					&cli.StringFlag{
						Name:     "hostname",
						Required: true,
						Usage:    "hostname to certify, becomes the certificate common name",
					},
					&cli.StringFlag{
						Name:  "save-challenge",
						Value: "",
						Usage: "write the challenge to this path before sending it",
					},
				}, persistFlags...), storageTLSFlags...), commonClientFlags...),
				Action: runAKCert,
			},
			{
				Name:  "key-cert",
				Usage: "Obtain a TLS certificate for a fresh key",
				Flags: append(append(append([]cli.Flag{
					&cli.StringFlag{
						Name:     "hostname",
						Required: true,
						Usage:    "hostname to certify, becomes the certificate common name",
					},
					&cli.StringFlag{
						Name:  "pcr-list",
						Value: "0,1,2,3,4,5,6,7",
						Usage: "comma-separated PCR indexes covered by the request",
					},
					&cli.StringFlag{
						Name:  "pcr-algorithm",
						Value: "sha256",
						Usage: "PCR bank algorithm",
					},
					&cli.StringFlag{
						Name:  "country",
						Usage: "CSR subject country",
					},
					&cli.StringFlag{
						Name:  "organization",
						Usage: "CSR subject organization",
					},
					&cli.StringFlag{
						Name:  "common-name",
						Usage: "CSR subject common name, defaults to the hostname",
					},
					&cli.BoolFlag{
						Name:  "include-bios-log",
						Usage: "request BIOS measurement log inclusion",
					},
					&cli.BoolFlag{
						Name:  "include-ima-log",
						Usage: "request IMA measurement log inclusion",
					},
					&cli.BoolFlag{
						Name:  "allow-unsigned-files",
						Usage: "tolerate unsigned files in the measurement log",
					},
					&cli.StringFlag{
						Name:  "attestation-data-url",
						Usage: "URL the server should associate with the attestation data",
					},
				}, persistFlags...), storageTLSFlags...), commonClientFlags...),
				Action: runKeyCert,
			},
			{
				Name:  "quote",
				Usage: "Run an integrity quote against the authority's verifier policy",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  "pcr-list",
						Value: "0,1,2,3,4,5,6,7",
						Usage: "comma-separated PCR indexes covered by the quote",
					},
					&cli.StringFlag{
						Name:  "pcr-algorithm",
						Value: "sha256",
						Usage: "PCR bank algorithm",
					},
				}, commonClientFlags...),
				Action: runQuote,
			},
			{
				Name:  "fetch",
				Usage: "Fetch an archived artifact from storage by its content ID",
				Flags: append(append([]cli.Flag{
					&cli.StringSliceFlag{
						Name:     "storage",
						Required: true,
						Usage:    "storage URI to fetch from, repeatable",
					},
					&cli.StringFlag{
						Name:     "id",
						Required: true,
						Usage:    "hex content ID of the artifact",
					},
					&cli.StringFlag{
						Name:  "content-type",
						Value: "certificate",
						Usage: "artifact namespace: 'certificate' or 'attestation'",
					},
					&cli.StringFlag{
						Name:  "out",
						Value: "",
						Usage: "file to write the artifact to, stdout when empty",
					},
				}, storageTLSFlags...), []cli.Flag{
					flags.LogServiceFlagFn("enrollment-client"),
					flags.LogJsonFlag,
					flags.LogDebugFlag,
					flags.LogUidFlag,
				}...),
				Action: runFetch,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runAKCert(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	client, err := setupClient(cCtx, logger)
	if err != nil {
		return err
	}

	hostname, err := interfaces.NewHostname(cCtx.String("hostname"))
	if err != nil {
		return err
	}

	if path := cCtx.String("save-challenge"); path != "" {
		client.WithChallengeFile(path)
	}

	contents, err := client.EnrollAK(hostname)
	if err != nil {
		logger.Error("AK enrollment failed", "err", err)
		return err
	}

	return persistBundle(cCtx, logger, client, contents, nil)
}

func runKeyCert(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	engine, err := attestation.NewClient()
	if err != nil {
		return err
	}
	client, err := setupClientWithEngine(cCtx, logger, engine)
	if err != nil {
		return err
	}

	hostname, err := interfaces.NewHostname(cCtx.String("hostname"))
	if err != nil {
		return err
	}

	contents, err := client.EnrollKey(interfaces.CSRBundleParams{
		PCRAlgorithm:       cCtx.String("pcr-algorithm"),
		PCRList:            cCtx.String("pcr-list"),
		IncludeBIOSLog:     cCtx.Bool("include-bios-log"),
		IncludeIMALog:      cCtx.Bool("include-ima-log"),
		AllowUnsignedFiles: cCtx.Bool("allow-unsigned-files"),
		Subject: interfaces.CSRSubject{
			Country:      cCtx.String("country"),
			Organization: cCtx.String("organization"),
			CommonName:   cCtx.String("common-name"),
		},
		Hostname:           hostname,
		AttestationDataURL: cCtx.String("attestation-data-url"),
	})
	if err != nil {
		logger.Error("Key enrollment failed", "err", err)
		return err
	}

	return persistBundle(cCtx, logger, client, contents, engine.TLSKey())
}

func runQuote(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	client, err := setupClient(cCtx, logger)
	if err != nil {
		return err
	}

	passed, reason, err := client.RunQuote(interfaces.QuoteParams{
		PCRAlgorithm: cCtx.String("pcr-algorithm"),
		PCRList:      cCtx.String("pcr-list"),
	})
	if err != nil {
		logger.Error("Quote flow failed", "err", err)
		return err
	}

	if !passed {
		return cli.Exit(fmt.Sprintf("quote verification failed: %s", reason), 1)
	}
	fmt.Println("quote verification passed")
	return nil
}

func runFetch(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	id, err := interfaces.NewContentIDFromHex(cCtx.String("id"))
	if err != nil {
		return err
	}

	var contentType interfaces.ContentType
	switch name := cCtx.String("content-type"); name {
	case "certificate":
		contentType = interfaces.CertificateType
	case "attestation":
		contentType = interfaces.AttestationDataType
	default:
		return fmt.Errorf("unknown content-type: %s", name)
	}

	backend, err := storageBackend(cCtx, logger, cCtx.StringSlice("storage"))
	if err != nil {
		logger.Error("Failed to create storage backend", "err", err)
		return err
	}

	data, err := backend.Fetch(context.Background(), id, contentType)
	if err != nil {
		logger.Error("Fetch failed", "err", err, "id", id.String())
		return err
	}

	if out := cCtx.String("out"); out != "" {
		if err := os.WriteFile(out, data, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", out, err)
		}
		logger.Info("Wrote artifact", "path", out, "bytes", len(data))
		return nil
	}
	_, err = os.Stdout.Write(data)
	return err
}

func setupClient(cCtx *cli.Context, logger *slog.Logger) (*enrollclient.Client, error) {
	engine, err := attestation.NewClient()
	if err != nil {
		return nil, err
	}
	return setupClientWithEngine(cCtx, logger, engine)
}

func setupClientWithEngine(cCtx *cli.Context, logger *slog.Logger, engine interfaces.ClientEngine) (*enrollclient.Client, error) {
	addr, err := resolveServerAddr(cCtx, logger)
	if err != nil {
		return nil, err
	}

	client, err := enrollclient.New(&enrollclient.Config{
		ServerAddr: addr,
		Log:        logger,
	}, engine)
	if err != nil {
		return nil, err
	}

	if storageURIs := cCtx.StringSlice("storage"); len(storageURIs) > 0 {
		backend, err := storageBackend(cCtx, logger, storageURIs)
		if err != nil {
			return nil, err
		}
		client.WithStorage(backend)
	}
	return client, nil
}

func resolveServerAddr(cCtx *cli.Context, logger *slog.Logger) (string, error) {
	if addr := cCtx.String("server-addr"); addr != "" {
		return addr, nil
	}

	domain := cCtx.String("discover-domain")
	if domain == "" {
		return "", errors.New("either server-addr or discover-domain is required")
	}

	endpoints, err := serviceresolver.New().
		WithDNSServer(cCtx.String("dns-server")).
		DiscoverEndpoints(domain)
	if err != nil {
		return "", err
	}

	logger.Info("Discovered enrollment server", "endpoint", endpoints[0], "candidates", len(endpoints))
	return endpoints[0], nil
}

// persistBundle writes the issued material to the output directory and the
// configured storage backends. tlsKey is nil for AK certificates, which have
// no client-held private key file.
func persistBundle(cCtx *cli.Context, logger *slog.Logger, client *enrollclient.Client, contents *attestation.CertBundleContents, tlsKey interfaces.AppPrivkey) error {
	if cCtx.Bool("verify-evidence") {
		measurements, err := attestation.VerifyBundleEvidence(contents)
		if err != nil {
			logger.Error("Authority evidence verification failed", "err", err)
			return err
		}
		logger.Info("Authority evidence verified", "measurements", len(measurements))
	}

	if outDir := cCtx.String("out-dir"); outDir != "" {
		passphrase := []byte(cCtx.String("key-passphrase"))
		if err := client.WriteFiles(outDir, contents, tlsKey, passphrase); err != nil {
			logger.Error("Failed to write issued material", "err", err)
			return err
		}
	}

	if len(cCtx.StringSlice("storage")) > 0 {
		if _, err := client.Persist(context.Background(), contents); err != nil {
			return err
		}
	}
	return nil
}

func storageBackend(cCtx *cli.Context, logger *slog.Logger, uris []string) (interfaces.StorageBackend, error) {
	locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
	for _, uri := range uris {
		location, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return nil, err
		}
		locations = append(locations, location)
	}

	var factory interfaces.StorageBackendFactory = storage.NewStorageBackendFactory(logger)
	if cert, key := cCtx.String("storage-tls-cert"), cCtx.String("storage-tls-key"); cert != "" && key != "" {
		factory = factory.WithTLSAuth(storage.TLSAuthFromFiles(cert, key))
	}

	if len(locations) == 1 {
		return factory.StorageBackendFor(locations[0])
	}
	return factory.CreateMultiBackend(locations)
}
