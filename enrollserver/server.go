// Package enrollserver implements the enrollment authority's TCP listener:
// one request/response exchange per connection, dispatched by opcode to the
// attestation engine. Connections are independent; a failing or misbehaving
// client only ever loses its own connection, the listener keeps serving.
package enrollserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ruteri/tpm-enrollment-backend/attestation"
	"github.com/ruteri/tpm-enrollment-backend/interfaces"
	"github.com/ruteri/tpm-enrollment-backend/metrics"
	"github.com/ruteri/tpm-enrollment-backend/wire"
	"go.uber.org/atomic"
)

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Config carries the enrollment listener settings.
type Config struct {
	ListenAddr string
	Log        *slog.Logger

	// ReadTimeout and WriteTimeout bound each connection's single exchange.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxFrameSize bounds accepted request frames; zero means
	// wire.DefaultMaxFrameSize.
	MaxFrameSize uint32
}

// Server accepts enrollment protocol connections and dispatches requests to
// the engine.
type Server struct {
	cfg     *Config
	log     *slog.Logger
	engine  interfaces.ServerEngine
	archive interfaces.StorageBackend
	isReady atomic.Bool

	listener net.Listener
	closing  atomic.Bool
	wg       sync.WaitGroup
}

// New creates an enrollment server around the given engine. The listener is
// not started until RunInBackground.
func New(cfg *Config, engine interfaces.ServerEngine) (*Server, error) {
	if engine == nil {
		return nil, errors.New("server engine is required")
	}
	if cfg.Log == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	return &Server{
		cfg:    cfg,
		log:    cfg.Log,
		engine: engine,
	}, nil
}

// WithArchive configures a backend that archives issued certificates and
// attestation data. Archival is best effort and never blocks issuance.
func (srv *Server) WithArchive(backend interfaces.StorageBackend) *Server {
	srv.archive = backend
	return srv
}

// RunInBackground binds the listen address and starts the accept loop.
func (srv *Server) RunInBackground() error {
	listener, err := net.Listen("tcp", srv.cfg.ListenAddr)
	if err != nil {
		return err
	}
	srv.listener = listener
	srv.isReady.Store(true)

	srv.log.Info("Starting enrollment server", "listenAddress", listener.Addr().String())

	srv.wg.Add(1)
	go srv.acceptLoop()
	return nil
}

// Addr returns the bound listen address, or nil before RunInBackground.
func (srv *Server) Addr() net.Addr {
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

// IsReady reports whether the listener is accepting connections.
func (srv *Server) IsReady() bool {
	return srv.isReady.Load()
}

// Shutdown stops the listener and waits for in-flight connections to finish.
func (srv *Server) Shutdown() {
	srv.closing.Store(true)
	srv.isReady.Store(false)
	if srv.listener != nil {
		if err := srv.listener.Close(); err != nil {
			srv.log.Error("Closing enrollment listener failed", "err", err)
		}
	}
	srv.wg.Wait()
	srv.log.Info("Enrollment server stopped")
}

func (srv *Server) acceptLoop() {
	defer srv.wg.Done()

	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			if srv.closing.Load() {
				return
			}
			srv.log.Error("Accept failed", "err", err)
			continue
		}

		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			srv.handleConnection(conn)
		}()
	}
}

// handleConnection performs the single request/response exchange of one
// connection. Frame-level read errors close the connection without a
// response; handler errors answer with the zero-length failure sentinel.
func (srv *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(srv.cfg.ReadTimeout)); err != nil {
		srv.log.Debug("Setting read deadline failed", "err", err)
		return
	}

	op, payload, err := wire.ReadRequest(conn, srv.cfg.MaxFrameSize)
	if err != nil {
		srv.log.Debug("Dropping connection on malformed request",
			"err", err,
			slog.String("remote", conn.RemoteAddr().String()))
		return
	}

	metrics.EnrollmentRequests.WithLabelValues(op.String()).Inc()

	if err := conn.SetWriteDeadline(time.Now().Add(srv.cfg.WriteTimeout)); err != nil {
		srv.log.Debug("Setting write deadline failed", "err", err)
		return
	}

	response, err := srv.dispatch(op, payload)
	if err != nil {
		metrics.EnrollmentFailures.WithLabelValues(op.String()).Inc()
		srv.log.Warn("Request failed",
			"err", err,
			slog.String("operation", op.String()),
			slog.String("remote", conn.RemoteAddr().String()))
		if werr := wire.WriteFailure(conn); werr != nil {
			srv.log.Debug("Writing failure sentinel failed", "err", werr)
		}
		return
	}

	if err := wire.WriteResponse(conn, response); err != nil {
		srv.log.Debug("Writing response failed",
			"err", err,
			slog.String("operation", op.String()))
	}
}

func (srv *Server) dispatch(op wire.Operation, payload []byte) ([]byte, error) {
	switch op {
	case wire.OpMakeCredential:
		return srv.engine.MakeCredential(interfaces.Challenge(payload))
	case wire.OpMakeCert:
		bundle, err := srv.engine.IssueAKCert(interfaces.CertRequest(payload))
		if err == nil {
			srv.archiveBundle(bundle)
		}
		return bundle, err
	case wire.OpProcessCSR:
		bundle, err := srv.engine.IssueCertBundle(interfaces.CSRBundle(payload))
		if err == nil {
			srv.archiveBundle(bundle)
		}
		return bundle, err
	case wire.OpGenQuoteNonce:
		return srv.engine.GenNonce()
	case wire.OpProcessQuote:
		verdict, err := srv.engine.VerifyQuote(interfaces.Quote(payload))
		if err == nil {
			srv.recordVerdict(verdict)
		}
		return verdict, err
	default:
		return nil, errors.New("unknown operation")
	}
}

// archiveBundle stores an issued certificate and any accompanying attestation
// data in the configured archive backend.
func (srv *Server) archiveBundle(bundle interfaces.CertBundle) {
	if srv.archive == nil {
		return
	}

	contents, err := attestation.DecodeCertBundle(bundle)
	if err != nil {
		srv.log.Warn("Issued bundle could not be decoded for archival", "err", err)
		return
	}

	ctx := context.Background()
	id, err := srv.archive.Store(ctx, contents.Cert, interfaces.CertificateType)
	if err != nil {
		srv.log.Warn("Failed to archive issued certificate", "err", err)
	} else {
		srv.log.Debug("Archived issued certificate", slog.String("certId", id.String()))
	}

	if len(contents.AttestationData) > 0 {
		if _, err := srv.archive.Store(ctx, contents.AttestationData, interfaces.AttestationDataType); err != nil {
			srv.log.Warn("Failed to archive attestation data", "err", err)
		}
	}
}

func (srv *Server) recordVerdict(verdict interfaces.Verdict) {
	passed, _, err := attestation.DecodeVerdict(verdict)
	if err != nil {
		return
	}
	label := "fail"
	if passed {
		label = "pass"
	}
	metrics.QuoteVerdicts.WithLabelValues(label).Inc()
}
