package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/ruteri/tpm-enrollment-backend/interfaces"
)

// Handler serves the public material a machine needs before it can open an
// enrollment connection: the CA certificate to pin and the authority's own
// platform attestation evidence.
type Handler struct {
	ca       interfaces.CertificateAuthority
	evidence func() ([]byte, error)
	log      *slog.Logger
}

// NewHandler creates a diagnostics handler for the given certificate
// authority. The evidence provider may be nil when the authority publishes no
// platform attestation.
func NewHandler(ca interfaces.CertificateAuthority, evidence func() ([]byte, error), log *slog.Logger) *Handler {
	return &Handler{
		ca:       ca,
		evidence: evidence,
		log:      log,
	}
}

// HandleCACert returns the authority's CA certificate in PEM form.
//
// URL format: GET /api/ca-cert
func (h *Handler) HandleCACert(w http.ResponseWriter, r *http.Request) {
	caCert, err := h.ca.CACert()
	if err != nil {
		h.log.Error("Failed to get CA certificate", "err", err)
		http.Error(w, "Failed to get CA certificate", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	w.Write(caCert)
}

// HandleAttestation returns the authority's platform attestation evidence.
//
// URL format: GET /api/attestation
func (h *Handler) HandleAttestation(w http.ResponseWriter, r *http.Request) {
	if h.evidence == nil {
		http.Error(w, "No attestation evidence configured", http.StatusNotFound)
		return
	}

	evidence, err := h.evidence()
	if err != nil {
		h.log.Error("Failed to get attestation evidence", "err", err)
		http.Error(w, "Failed to get attestation evidence", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(evidence)
}
