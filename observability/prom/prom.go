// Package prom exports throughline server metrics to Prometheus.
package prom

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/throughline-dev/throughline/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns an HTTP handler serving reg in the Prometheus exposition
// format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Observer exports observability.Observer events to Prometheus.
type Observer struct {
	tunnelsOpened    prometheus.Counter
	tunnelsClosed    *prometheus.CounterVec
	connsAccepted    prometheus.Counter
	acceptResults    *prometheus.CounterVec
	claimResults     *prometheus.CounterVec
	heartbeatsSent   prometheus.Counter
	heartbeatsFailed prometheus.Counter
	authFailures     prometheus.Counter
	bytesRelayed     prometheus.Counter
}

// NewObserver registers throughline metrics on reg.
func NewObserver(reg *prometheus.Registry) *Observer {
	o := &Observer{
		tunnelsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "throughline_tunnels_opened_total",
			Help: "Tunnels successfully opened.",
		}),
		tunnelsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "throughline_tunnels_closed_total",
			Help: "Tunnel teardowns by reason.",
		}, []string{"reason"}),
		connsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "throughline_public_connections_accepted_total",
			Help: "Public connections accepted across all tunnels.",
		}),
		acceptResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "throughline_accept_results_total",
			Help: "Outcomes of relaying an accepted public connection to the client.",
		}, []string{"result"}),
		claimResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "throughline_claim_results_total",
			Help: "Outcomes of rendezvous claim attempts.",
		}, []string{"result"}),
		heartbeatsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "throughline_heartbeats_sent_total",
			Help: "Heartbeats sent on tunnel control connections.",
		}),
		heartbeatsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "throughline_heartbeats_failed_total",
			Help: "Heartbeat sends that failed, tearing down their tunnel.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "throughline_auth_failures_total",
			Help: "Handshake authentication failures.",
		}),
		bytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "throughline_bytes_relayed_total",
			Help: "Bytes copied between public and local sockets.",
		}),
	}
	reg.MustRegister(
		o.tunnelsOpened,
		o.tunnelsClosed,
		o.connsAccepted,
		o.acceptResults,
		o.claimResults,
		o.heartbeatsSent,
		o.heartbeatsFailed,
		o.authFailures,
		o.bytesRelayed,
	)
	return o
}

func (o *Observer) TunnelOpened() { o.tunnelsOpened.Inc() }

func (o *Observer) TunnelClosed(reason observability.TunnelCloseReason) {
	o.tunnelsClosed.WithLabelValues(string(reason)).Inc()
}

func (o *Observer) ConnectionAccepted() { o.connsAccepted.Inc() }

func (o *Observer) Accept(result observability.AcceptResult) {
	o.acceptResults.WithLabelValues(string(result)).Inc()
}

func (o *Observer) Claim(result observability.ClaimResult) {
	o.claimResults.WithLabelValues(string(result)).Inc()
}

func (o *Observer) HeartbeatSent() { o.heartbeatsSent.Inc() }

func (o *Observer) HeartbeatFailed() { o.heartbeatsFailed.Inc() }

func (o *Observer) AuthFailure() { o.authFailures.Inc() }

func (o *Observer) BytesRelayed(n int64) { o.bytesRelayed.Add(float64(n)) }
