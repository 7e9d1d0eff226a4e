/*
Package httpserver implements the enrollment authority's diagnostics HTTP
server.

The enrollment protocol itself runs over the raw TCP listener; this server
carries everything around it:

  - GET /api/ca-cert: the CA certificate machines pin before enrolling
  - GET /api/attestation: the authority's own platform attestation evidence
  - GET /livez, /readyz: health probes
  - GET /drain, /undrain: load balancer rotation control
  - /debug: pprof handlers, when enabled

Prometheus metrics are served on a separate listener so the scrape endpoint
never shares a port with the public surface.

# Usage

	handler := httpserver.NewHandler(ca, evidenceProvider, log)
	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:  ":8080",
		MetricsAddr: ":9090",
		Log:         log,
	}, handler)
	if err != nil {
		log.Error("failed to create server", "err", err)
		return
	}
	srv.RunInBackground()
	defer srv.Shutdown()
*/
package httpserver
