// Package gateway implements the publicly reachable half of the tunnel: it
// accepts HTTP callers on a catch-all route, accepts a single Agent
// websocket, and multiplexes HTTP exchanges across that one connection.
package gateway

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"tunneling/internal/metrics"
	"tunneling/internal/protocol"
)

// maxBodySize bounds how much of a caller's request body the gateway will
// buffer in memory; a longer body is truncated at this size. Frames read
// from the agent are not bounded by it. This is an ambient safety cap, not a
// protocol requirement.
const maxBodySize = 10 << 20 // 10MB

// Config controls Gateway construction.
type Config struct {
	RequestTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Gateway
}

// Gateway is the process-singleton owner of the agent session and the
// pending-exchange table, encapsulated behind a single owner object whose
// methods are the only mutators.
type Gateway struct {
	upgrader websocket.Upgrader

	sessionMu sync.RWMutex
	session   *agentSession
	admitting bool // true while a handshake holds the single agent slot but hasn't attached yet

	pending        *pendingTable
	requestTimeout time.Duration

	log     *slog.Logger
	metrics *metrics.Gateway
	events  *exchangeLog
}

// New constructs a Gateway. A zero Config.RequestTimeout is rejected by
// callers via config.Gateway.Validate before reaching here; New itself just
// falls back to a 600s default for safety.
func New(cfg Config) *Gateway {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewGateway()
	}

	return &Gateway{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		pending:        newPendingTable(),
		requestTimeout: timeout,
		log:            log,
		metrics:        m,
		events:         newExchangeLog(200),
	}
}

// Routes registers the public routes on r: the agent websocket upgrade and
// the catch-all proxied route (`/{path:.*}`).
func (g *Gateway) Routes(r *mux.Router) {
	r.HandleFunc("/_ws", g.handleWS).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(g.handleProxy)
}

// hasAgent reports whether an AgentSession is currently attached.
func (g *Gateway) hasAgent() bool {
	g.sessionMu.RLock()
	defer g.sessionMu.RUnlock()
	return g.session != nil
}

// handleProxy mints an exchange id, frames the caller's request, hands it to
// the attached agent, and blocks until a response arrives or the exchange
// times out.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	g.sessionMu.RLock()
	session := g.session
	g.sessionMu.RUnlock()

	if session == nil {
		g.metrics.ExchangesTotal.WithLabelValues("no_agent").Inc()
		http.Error(w, "502 - Service not available", http.StatusBadGateway)
		return
	}

	id := uuid.NewString()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	frame := protocol.RequestFrame{
		ID:      id,
		Method:  r.Method,
		Path:    requestTarget(r),
		Headers: protocol.HeadersFromHTTP(r.Header),
		Data:    protocol.EncodeBody(body),
	}

	pe := newPendingExchange(id, w)
	g.pending.insert(pe)
	g.metrics.PendingExchanges.Set(float64(g.pending.len()))
	defer func() {
		g.pending.remove(id)
		g.metrics.PendingExchanges.Set(float64(g.pending.len()))
	}()

	if err := session.writeFrame(frame); err != nil {
		g.log.Error("send request frame failed", "id", id, "error", err)
		g.metrics.ExchangesTotal.WithLabelValues("transport_loss").Inc()
		http.Error(w, "502 - Service not available", http.StatusBadGateway)
		return
	}

	select {
	case <-pe.done:
		g.metrics.ExchangesTotal.WithLabelValues("ok").Inc()
	case <-time.After(g.requestTimeout):
		g.events.add("warn", "exchange_timeout", id)
		g.metrics.ExchangesTotal.WithLabelValues("timeout").Inc()

		// Only write the timeout response if this goroutine wins the same
		// settle() race deliver() uses — if a ResponseFrame arrived and
		// settled the exchange first, that goroutine already owns w, and the
		// handler waits for it to finish writing before returning.
		if pe.settle() {
			http.Error(w, "504 - tunnel timeout", http.StatusGatewayTimeout)
		} else {
			<-pe.done
		}
	}
}

// requestTarget reproduces the origin-form request-target (path + query)
// expected in RequestFrame.Path.
func requestTarget(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	return r.URL.Path + "?" + r.URL.RawQuery
}

// handleWS admits at most one agent at a time: reject a second connection
// with 409, otherwise upgrade, attach the session, and run the fan-in loop
// until the agent disconnects. The slot is reserved under sessionMu before
// Upgrade is ever called, so two concurrent dials can't both pass the
// admission check and both complete a successful handshake — the loser is
// rejected pre-upgrade in every interleaving, not just the common one.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	g.sessionMu.Lock()
	if g.session != nil || g.admitting {
		g.sessionMu.Unlock()
		g.log.Warn("rejecting agent, one already connected", "remote_addr", r.RemoteAddr)
		g.events.add("warn", "duplicate_agent_rejected", r.RemoteAddr)
		g.metrics.ExchangesTotal.WithLabelValues("duplicate_agent").Inc()
		http.Error(w, "409 - Other client already connected", http.StatusConflict)
		return
	}
	g.admitting = true
	g.sessionMu.Unlock()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.sessionMu.Lock()
		g.admitting = false
		g.sessionMu.Unlock()
		g.log.Error("websocket upgrade failed", "error", err)
		return
	}

	session := newAgentSession(conn)

	g.sessionMu.Lock()
	g.session = session
	g.admitting = false
	g.sessionMu.Unlock()

	g.metrics.AgentConnected.Set(1)
	g.events.add("info", "agent_connected", r.RemoteAddr)
	g.log.Info("agent connected", "remote_addr", r.RemoteAddr)

	g.readLoop(session)
}

// readLoop is the gateway's fan-in loop: it owns reading ResponseFrames off
// the agent's websocket for the lifetime of the session.
func (g *Gateway) readLoop(session *agentSession) {
	defer func() {
		g.sessionMu.Lock()
		if g.session == session {
			g.session = nil
		}
		g.sessionMu.Unlock()

		_ = session.conn.Close()
		g.metrics.AgentConnected.Set(0)
		g.events.add("info", "agent_disconnected", "")
		g.log.Info("agent disconnected")
	}()

	for {
		var frame protocol.ResponseFrame
		if err := session.conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) || errors.Is(err, io.EOF) {
				return
			}
			g.log.Warn("read agent message failed", "error", err)
			return
		}

		if frame.ID == "" {
			continue
		}

		pe, ok := g.pending.get(frame.ID)
		if !ok {
			g.log.Warn("response with unknown id", "id", frame.ID)
			g.events.add("warn", "unknown_id", frame.ID)
			g.metrics.ExchangesTotal.WithLabelValues("unknown_id").Inc()
			continue
		}

		if err := pe.deliver(frame); err != nil {
			g.log.Error("deliver response failed", "id", frame.ID, "error", err)
		}
	}
}

// DebugState renders a plain-text snapshot of gateway state: whether an
// agent is attached, plus the recent exchange event log.
func (g *Gateway) DebugState() string {
	var b strings.Builder
	b.WriteString("agent_attached=")
	if g.hasAgent() {
		b.WriteString("true")
	} else {
		b.WriteString("false")
	}
	b.WriteString("\n")
	b.WriteString(g.events.render())
	return b.String()
}

// Ready reports whether the gateway currently has an agent attached — used
// by the /readyz admin endpoint.
func (g *Gateway) Ready() bool {
	return g.hasAgent()
}
