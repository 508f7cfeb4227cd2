// Package agent implements the egress half of the tunnel: it dials the
// gateway's websocket, replays each framed request against a local target
// service, and frames the response back.
package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tunneling/internal/metrics"
	"tunneling/internal/protocol"
)

// maxResponseBodySize bounds how much of the target service's response the
// agent will buffer in memory before framing it back. Ambient safety cap,
// not a protocol requirement.
const maxResponseBodySize = 10 << 20 // 10MB

// Config controls Service construction.
type Config struct {
	GatewayURL      string        // --gateway-url
	ServiceURL      string        // --service-url
	GatewayProxyURL string        // --gateway-proxy-url
	ReconnectDelay  time.Duration // fixed delay, no backoff

	Logger  *slog.Logger
	Metrics *metrics.Agent
}

// Service is the agent process. It owns the reconnect loop and, while
// connected, the exchange loop that forwards requests to the target service.
type Service struct {
	gatewayURL string
	serviceURL string
	targetHost string
	dialer     *websocket.Dialer

	reconnectDelay time.Duration
	httpClient     *http.Client

	log     *slog.Logger
	metrics *metrics.Agent

	connMu  sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// New validates cfg and constructs a Service.
func New(cfg Config) (*Service, error) {
	gatewayURL, err := url.Parse(cfg.GatewayURL)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway url: %w", err)
	}
	if gatewayURL.Scheme != "ws" && gatewayURL.Scheme != "wss" {
		return nil, fmt.Errorf("gateway url must use ws:// or wss://, got %q", gatewayURL.Scheme)
	}

	serviceURL, err := url.Parse(cfg.ServiceURL)
	if err != nil {
		return nil, fmt.Errorf("invalid service url: %w", err)
	}
	if serviceURL.Scheme != "http" && serviceURL.Scheme != "https" {
		return nil, fmt.Errorf("service url must use http:// or https://, got %q", serviceURL.Scheme)
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	if cfg.GatewayProxyURL != "" {
		proxyURL, err := url.Parse(cfg.GatewayProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid gateway proxy url: %w", err)
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 10 * time.Second
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewAgent()
	}

	return &Service{
		gatewayURL: cfg.GatewayURL,
		serviceURL: strings.TrimRight(cfg.ServiceURL, "/"),
		targetHost: serviceURL.Hostname(),
		dialer:     dialer,

		reconnectDelay: reconnectDelay,
		httpClient: &http.Client{
			Transport: &http.Transport{
				// The tunnel usually targets a private-network service
				// without a publicly verifiable certificate.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: 0, // bounded by the caller's context, not a fixed client timeout
		},

		log:     log,
		metrics: m,
	}, nil
}

// Run drives the outer reconnect loop until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := s.connectOnce(ctx); err != nil {
			s.log.Error("agent disconnected", "error", err)
		}

		s.log.Info("waiting before reconnect", "delay", s.reconnectDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Service) connectOnce(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.gatewayURL, nil)
	if err != nil {
		s.metrics.ReconnectsTotal.Inc()
		return fmt.Errorf("connect gateway: %w", err)
	}

	s.setConn(conn)
	s.metrics.Connected.Set(1)
	s.log.Info("connected to gateway", "url", s.gatewayURL)

	defer func() {
		s.clearConn(conn)
		s.metrics.Connected.Set(0)
		_ = conn.Close()
	}()

	return s.exchangeLoop(ctx, conn)
}

// exchangeLoop reads a RequestFrame, dispatches it concurrently, and writes
// the ResponseFrame back once ready. Writes are serialised through writeMu
// so concurrent exchanges never interleave frames on the wire.
func (s *Service) exchangeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var req protocol.RequestFrame
		if err := conn.ReadJSON(&req); err != nil {
			return fmt.Errorf("read gateway message: %w", err)
		}

		go s.handleRequest(ctx, req)
	}
}

func (s *Service) handleRequest(ctx context.Context, req protocol.RequestFrame) {
	status, headers, body := s.forwardToTarget(ctx, req)

	resp := protocol.ResponseFrame{
		ID:      req.ID,
		Status:  status,
		Headers: protocol.HeadersFromHTTP(headers),
		Content: protocol.EncodeBody(body),
	}

	outcome := "ok"
	if status >= 500 {
		outcome = "target_error"
	}
	s.metrics.ExchangesTotal.WithLabelValues(outcome).Inc()

	if err := s.writeFrame(resp); err != nil {
		s.log.Error("write response frame failed", "id", req.ID, "error", err)
	}
}

// forwardToTarget rebuilds the request against the target base URL,
// rewrites Host, replays headers and body, and strips hop-by-hop headers
// both ways.
func (s *Service) forwardToTarget(ctx context.Context, req protocol.RequestFrame) (int, http.Header, []byte) {
	body, err := protocol.DecodeBody(req.Data)
	if err != nil {
		return http.StatusBadRequest, http.Header{"Content-Type": {"text/plain; charset=utf-8"}}, []byte("invalid request body")
	}

	targetURL := s.serviceURL + req.Path
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, targetURL, bytes.NewReader(body))
	if err != nil {
		return http.StatusBadGateway, http.Header{"Content-Type": {"text/plain; charset=utf-8"}}, []byte("build target request failed")
	}

	protocol.ApplyHeaders(req.Headers, httpReq.Header)
	protocol.StripHopByHop(httpReq.Header)
	httpReq.Host = s.targetHost

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return http.StatusBadGateway, http.Header{"Content-Type": {"text/plain; charset=utf-8"}}, []byte("target request failed: " + err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return http.StatusBadGateway, http.Header{"Content-Type": {"text/plain; charset=utf-8"}}, []byte("read target response failed")
	}

	protocol.StripHopByHop(resp.Header)
	return resp.StatusCode, resp.Header, respBody
}

func (s *Service) writeFrame(frame protocol.ResponseFrame) error {
	conn := s.getConn()
	if conn == nil {
		return fmt.Errorf("not connected to gateway")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

func (s *Service) setConn(conn *websocket.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conn = conn
}

func (s *Service) clearConn(conn *websocket.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
}

func (s *Service) getConn() *websocket.Conn {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn
}
