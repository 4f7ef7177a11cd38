package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Resolver metrics
	ResolverRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evwire_resolver_requests_total",
			Help: "Total number of finished resolve requests by result code",
		},
		[]string{"code"},
	)

	ResolverInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "evwire_resolver_inflight",
			Help: "Number of requests currently assigned to a nameserver",
		},
	)

	ResolverWaiting = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "evwire_resolver_waiting",
			Help: "Number of requests waiting for in-flight capacity",
		},
	)

	NameserverUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "evwire_nameserver_up",
			Help: "Whether a nameserver is considered up (1 = up, 0 = down)",
		},
		[]string{"address"},
	)

	NameserverTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evwire_nameserver_timeouts_total",
			Help: "Total number of request timeouts by nameserver",
		},
		[]string{"address"},
	)

	// DNS answering server metrics
	DNSServerRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "evwire_dns_server_requests_total",
			Help: "Total number of DNS queries received",
		},
	)

	DNSServerRepliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evwire_dns_server_replies_total",
			Help: "Total number of DNS replies by rcode",
		},
		[]string{"rcode"},
	)

	DNSServerQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "evwire_dns_server_queued_replies",
			Help: "Number of replies waiting for a writable socket",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evwire_http_requests_total",
			Help: "Total number of HTTP requests served by status code",
		},
		[]string{"code"},
	)

	HTTPConnectionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "evwire_http_connections_open",
			Help: "Number of open incoming HTTP connections",
		},
	)

	HTTPConnectRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "evwire_http_connect_retries_total",
			Help: "Total number of outgoing connect retries",
		},
	)

	// RPC metrics
	RPCServedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evwire_rpc_served_total",
			Help: "Total number of RPC calls served by method and HTTP status",
		},
		[]string{"method", "code"},
	)

	RPCCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evwire_rpc_calls_total",
			Help: "Total number of outgoing RPC calls by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(ResolverRequestsTotal)
	prometheus.MustRegister(ResolverInFlight)
	prometheus.MustRegister(ResolverWaiting)
	prometheus.MustRegister(NameserverUp)
	prometheus.MustRegister(NameserverTimeoutsTotal)
	prometheus.MustRegister(DNSServerRequestsTotal)
	prometheus.MustRegister(DNSServerRepliesTotal)
	prometheus.MustRegister(DNSServerQueued)
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPConnectionsOpen)
	prometheus.MustRegister(HTTPConnectRetriesTotal)
	prometheus.MustRegister(RPCServedTotal)
	prometheus.MustRegister(RPCCallsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
