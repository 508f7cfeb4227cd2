// Package metrics holds the Prometheus instrumentation shared by the
// Gateway and the Agent.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway holds the Gateway-side metrics.
type Gateway struct {
	Registry *prometheus.Registry

	ExchangesTotal   *prometheus.CounterVec
	PendingExchanges prometheus.Gauge
	AgentConnected   prometheus.Gauge
}

// NewGateway creates a fresh registry and registers the Gateway metrics
// against it. Each Gateway instance gets its own registry so tests can spin
// up multiple Gateways in one process without duplicate-registration
// panics.
func NewGateway() *Gateway {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Gateway{
		Registry: reg,
		ExchangesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wsrtunnel_exchanges_total",
			Help: "Total HTTP exchanges handled by the gateway, by outcome.",
		}, []string{"outcome"}),
		PendingExchanges: f.NewGauge(prometheus.GaugeOpts{
			Name: "wsrtunnel_pending_exchanges",
			Help: "Number of exchanges currently awaiting an agent response.",
		}),
		AgentConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "wsrtunnel_agent_connected",
			Help: "1 if an agent is currently attached, 0 otherwise.",
		}),
	}
}

// Agent holds the Agent-side metrics.
type Agent struct {
	Registry *prometheus.Registry

	ExchangesTotal  *prometheus.CounterVec
	ReconnectsTotal prometheus.Counter
	Connected       prometheus.Gauge
}

// NewAgent creates a fresh registry and registers the Agent metrics against
// it.
func NewAgent() *Agent {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Agent{
		Registry: reg,
		ExchangesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wsrtunnel_agent_exchanges_total",
			Help: "Total exchanges replayed against the target service, by outcome.",
		}, []string{"outcome"}),
		ReconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "wsrtunnel_agent_reconnects_total",
			Help: "Total reconnect attempts made to the gateway.",
		}),
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "wsrtunnel_agent_connected",
			Help: "1 if the agent currently holds a gateway websocket, 0 otherwise.",
		}),
	}
}
