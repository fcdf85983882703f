// Package gateway is the HTTP front of the curated registry: it
// proxies requests to the upstream registry, runs artifact fetches
// through the admission gate, and serves the administrative API.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alphagov/govuk-curated-npm-repo/internal/config"
	"github.com/alphagov/govuk-curated-npm-repo/internal/gate"
	"github.com/alphagov/govuk-curated-npm-repo/internal/logger"
	"github.com/alphagov/govuk-curated-npm-repo/internal/metrics"
	"github.com/alphagov/govuk-curated-npm-repo/internal/quarantine"
	"github.com/alphagov/govuk-curated-npm-repo/internal/registry"
	"github.com/alphagov/govuk-curated-npm-repo/internal/scanner"
)

// Server hosts the curated registry and its admin API on one listener.
type Server struct {
	cfg      *config.Config
	store    *quarantine.Store
	gate     *gate.Gate
	scanner  *scanner.Scanner
	detector *registry.Detector
	log      *logger.Logger
	metrics  metrics.Metrics

	upstream   *url.URL
	proxy      *httputil.ReverseProxy
	httpClient *http.Client
	httpSrv    *http.Server
}

// Options wires the server's collaborators.
type Options struct {
	Config   *config.Config
	Store    *quarantine.Store
	Gate     *gate.Gate
	Scanner  *scanner.Scanner
	Detector *registry.Detector
	Logger   *logger.Logger
	Metrics  metrics.Metrics
}

// New creates a gateway server.
func New(opts Options) (*Server, error) {
	upstream, err := url.Parse(opts.Config.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL %q: %w", opts.Config.Upstream, err)
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.Noop{}
	}

	s := &Server{
		cfg:      opts.Config,
		store:    opts.Store,
		gate:     opts.Gate,
		scanner:  opts.Scanner,
		detector: opts.Detector,
		log:      opts.Logger,
		metrics:  m,
		upstream: upstream,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}

	proxy := httputil.NewSingleHostReverseProxy(upstream)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		req.Host = upstream.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.log.Error("upstream_error", "Failed to proxy to upstream", map[string]interface{}{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		w.WriteHeader(http.StatusBadGateway)
	}
	s.proxy = proxy

	s.httpSrv = &http.Server{
		Addr:    opts.Config.ListenAddr,
		Handler: s.Handler(),
	}

	return s, nil
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /-/quarantine/requests", s.handleListRequests)
	mux.HandleFunc("PUT /-/quarantine/approve/{package...}", s.handleApprove)
	mux.HandleFunc("PUT /-/quarantine/reject/{package...}", s.handleReject)
	mux.HandleFunc("GET /-/quarantine/scan/{package...}", s.handleGetAssessment)
	mux.HandleFunc("POST /-/quarantine/scan/{package...}", s.handleTriggerScan)
	mux.HandleFunc("GET /-/quarantine/blocked", s.handleListBlocked)
	mux.HandleFunc("GET /-/quarantine/config", s.handleConfig)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("/", s.handleRegistry)

	return mux
}

// Start begins serving and returns immediately.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	s.log.Info("gateway_start", fmt.Sprintf("Gateway listening on %s", ln.Addr()), map[string]interface{}{
		"upstream": s.upstream.String(),
		"enabled":  s.cfg.Enabled,
	})

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("gateway_serve_error", "Gateway stopped unexpectedly", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

// Stop shuts the server down, draining in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// handleRegistry serves everything that is not an admin route: artifact
// fetches go through the gate, anything else passes straight upstream.
func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Enabled {
		s.proxy.ServeHTTP(w, r)
		return
	}

	identity := s.detector.FromPath(r.URL.Path)
	if identity == nil {
		s.proxy.ServeHTTP(w, r)
		return
	}

	requestID := uuid.New().String()
	ip := clientIP(r)

	verdict := s.gate.Check(identity.Name, ip, r.UserAgent())
	s.log.LogGateDecision(identity.Name, string(verdict.Decision), verdict.Code, verdict.Reason, ip, r.UserAgent(), requestID)

	if verdict.FirstSeen && s.cfg.AutoScan {
		// Scanning never blocks the fetch path; results show up on a
		// later gate check via the store.
		go s.fetchAndScan(r.URL.Path, identity.Name)
	}

	if !verdict.Allowed() {
		status := http.StatusForbidden
		writeJSON(w, status, map[string]interface{}{
			"error":   "package quarantined",
			"package": identity.Name,
			"code":    verdict.Code,
			"reason":  verdict.Reason,
		})
		return
	}

	s.proxy.ServeHTTP(w, r)
}

// fetchAndScan downloads one artifact from the upstream registry,
// scans it and stores the results.
func (s *Server) fetchAndScan(artifactPath, packageName string) {
	archive, err := s.downloadArtifact(artifactPath)
	if err != nil {
		s.log.Error("artifact_download_failed", "Failed to download artifact for scanning", map[string]interface{}{
			"package": packageName,
			"error":   err.Error(),
		})
		s.metrics.IncScan("download-error")
		return
	}
	defer os.Remove(archive)

	results := s.scanner.Scan(context.Background(), archive, packageName)
	s.recordScan(packageName, results)
}

func (s *Server) recordScan(packageName string, results *scanner.Results) {
	outcome := "ok"
	for _, risk := range results.Risks {
		if risk.Type == scanner.RiskScanError {
			outcome = "scan-error"
			break
		}
	}
	s.metrics.IncScan(outcome)
	s.metrics.ObserveRiskScore(float64(results.RiskScore))

	if err := s.store.RecordScan(packageName, results); err != nil {
		s.log.Error("record_scan_failed", "Failed to store scan results", map[string]interface{}{
			"package": packageName,
			"error":   err.Error(),
		})
		return
	}

	s.log.Info("scan_recorded", fmt.Sprintf("Recorded scan for %s", packageName), map[string]interface{}{
		"package":    packageName,
		"risk_score": results.RiskScore,
	})
}

func (s *Server) downloadArtifact(artifactPath string) (string, error) {
	fetchURL := strings.TrimSuffix(s.upstream.String(), "/") + artifactPath

	resp, err := s.httpClient.Get(fetchURL)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", fetchURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upstream returned %d for %s", resp.StatusCode, fetchURL)
	}

	if err := os.MkdirAll(s.cfg.QuarantineDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create quarantine directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.cfg.QuarantineDir, "download-*.tgz")
	if err != nil {
		return "", fmt.Errorf("failed to create download file: %w", err)
	}

	_, err = io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write download: %w", err)
	}
	return tmp.Name(), nil
}

// clientIP prefers the forwarding header so deployments behind a load
// balancer log the real caller.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
