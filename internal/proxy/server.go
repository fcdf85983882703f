// Package proxy provides a forward-proxy interception mode for
// workstations that still talk to the public registry directly: npm is
// pointed at the proxy via HTTPS_PROXY, registry connections are
// man-in-the-middled with a locally trusted CA, and artifact fetches
// run through the same admission gate as the hosted gateway.
package proxy

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/elazarl/goproxy"
	"github.com/google/uuid"

	"github.com/alphagov/govuk-curated-npm-repo/internal/gate"
	"github.com/alphagov/govuk-curated-npm-repo/internal/logger"
	"github.com/alphagov/govuk-curated-npm-repo/internal/registry"
)

// Hosts whose connections are intercepted; everything else is
// tunnelled untouched.
var interceptedHosts = []string{
	"registry.npmjs.org",
	"registry.yarnpkg.com",
}

// Server is the forward-proxy interception server.
type Server struct {
	addr     string
	listener net.Listener
	proxy    *goproxy.ProxyHttpServer
	ca       *caBundle
	detector *registry.Detector
	gate     *gate.Gate
	log      *logger.Logger
	wg       sync.WaitGroup
}

// Config wires the proxy server's collaborators.
type Config struct {
	Addr     string
	CertDir  string
	Detector *registry.Detector
	Gate     *gate.Gate
	Logger   *logger.Logger
}

// NewServer creates the interception proxy, generating (or reloading)
// the local CA under cfg.CertDir.
func NewServer(cfg Config) (*Server, error) {
	ca, err := ensureCA(cfg.CertDir)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare proxy CA: %w", err)
	}

	p := goproxy.NewProxyHttpServer()
	p.Verbose = false

	tlsCA := tls.Certificate{
		Certificate: [][]byte{ca.cert.Raw},
		PrivateKey:  ca.key,
		Leaf:        ca.cert,
	}
	goproxy.GoproxyCa = tlsCA
	goproxy.OkConnect = &goproxy.ConnectAction{Action: goproxy.ConnectAccept, TLSConfig: goproxy.TLSConfigFromCA(&tlsCA)}
	goproxy.MitmConnect = &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: goproxy.TLSConfigFromCA(&tlsCA)}
	goproxy.HTTPMitmConnect = &goproxy.ConnectAction{Action: goproxy.ConnectHTTPMitm, TLSConfig: goproxy.TLSConfigFromCA(&tlsCA)}
	goproxy.RejectConnect = &goproxy.ConnectAction{Action: goproxy.ConnectReject, TLSConfig: goproxy.TLSConfigFromCA(&tlsCA)}

	s := &Server{
		addr:     cfg.Addr,
		proxy:    p,
		ca:       ca,
		detector: cfg.Detector,
		gate:     cfg.Gate,
		log:      cfg.Logger,
	}

	p.OnRequest(goproxy.ReqHostMatches(interceptMatchers()...)).HandleConnect(goproxy.AlwaysMitm)
	p.OnRequest().DoFunc(s.handleRequest)

	return s, nil
}

func interceptMatchers() []*regexp.Regexp {
	matchers := make([]*regexp.Regexp, 0, len(interceptedHosts))
	for _, host := range interceptedHosts {
		pattern := "^" + strings.ReplaceAll(host, ".", "\\.") + "(:\\d+)?$"
		if re, err := regexp.Compile(pattern); err == nil {
			matchers = append(matchers, re)
		}
	}
	return matchers
}

// handleRequest gates artifact fetches on intercepted registry hosts.
func (s *Server) handleRequest(req *http.Request, _ *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}

	identity := s.detector.FromRequest(host, req.URL.Path)
	if identity == nil {
		return req, nil
	}

	requestID := uuid.New().String()
	ip := remoteIP(req)

	verdict := s.gate.Check(identity.Name, ip, req.UserAgent())
	s.log.LogGateDecision(identity.Name, string(verdict.Decision), verdict.Code, verdict.Reason, ip, req.UserAgent(), requestID)

	if verdict.Allowed() {
		return req, nil
	}

	body := fmt.Sprintf(
		"Package blocked by the curated registry gate.\n\n"+
			"Package:  %s\n"+
			"Reason:   %s\n\n"+
			"Ask a registry administrator to review and approve this package.\n",
		identity.String(),
		verdict.Reason,
	)
	return req, goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusForbidden, body)
}

// Start starts the proxy listener.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	s.listener = listener

	s.log.Info("proxy_start", fmt.Sprintf("Interception proxy listening on %s", listener.Addr()), map[string]interface{}{
		"ca_cert": s.ca.certPath,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		http.Serve(listener, s.proxy)
	}()

	return nil
}

// Stop stops the proxy listener.
func (s *Server) Stop() error {
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	s.log.Info("proxy_stop", "Interception proxy stopped", nil)
	return nil
}

// Addr returns the address the proxy is listening on.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// CACertPath returns the PEM file clients must trust.
func (s *Server) CACertPath() string {
	return s.ca.certPath
}

func remoteIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
