package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Agent channel metrics
var (
	AgentConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirelab_agent_connections_total",
			Help: "Total number of agent handshake attempts",
		},
		[]string{"result"}, // success, transport_error, version_mismatch, not_an_agent
	)

	AgentsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wirelab_agents_connected",
			Help: "Number of agents currently connected",
		},
	)

	AgentRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wirelab_agent_request_duration_seconds",
			Help:    "Duration of controller-to-agent RPC calls in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 120.0},
		},
		[]string{"method"},
	)

	AgentRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirelab_agent_requests_total",
			Help: "Total number of controller-to-agent RPC calls",
		},
		[]string{"method", "result"}, // result: success, conflict, not_found, transport_error
	)

	AgentEventsForwardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirelab_agent_events_forwarded_total",
			Help: "Events re-published from agent notification streams",
		},
		[]string{"action"},
	)
)

// Project metrics
var (
	ProjectsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wirelab_projects_open",
			Help: "Number of projects currently open on the controller",
		},
	)

	NodesTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wirelab_nodes_total",
			Help: "Number of nodes tracked by the controller",
		},
		[]string{"node_type"},
	)

	TopologyWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirelab_topology_writes_total",
			Help: "Topology file writes",
		},
		[]string{"result"}, // success, failure
	)
)

// Port pool metrics
var (
	PortsReserved = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wirelab_ports_reserved",
			Help: "Ports currently reserved by the agent port pool",
		},
		[]string{"protocol"}, // tcp, udp
	)

	PortLeaksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wirelab_port_leaks_total",
			Help: "Ports force-released at project close because a node leaked them",
		},
	)
)

// HTTP metrics shared by both daemons
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirelab_http_requests_total",
			Help: "Total number of HTTP requests handled",
		},
		[]string{"method", "status"},
	)

	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wirelab_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"method"},
	)
)
