// Package metrics defines prometheus metric types for the network stack
// and provides convenience handles the protocol layers update directly.
//
// When adding a new metric, these are the values worth tracking:
//  - things entering or leaving a layer: frames, datagrams, segments.
//  - the success or error status of any of the above.
//  - the distribution of processing latency or retry counts.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesTotal counts Ethernet frames crossing a netif boundary, labeled
	// by interface name and direction ("in"/"out").
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_frames_total",
			Help: "Number of link-layer frames processed per interface and direction.",
		}, []string{"ifc", "direction"})

	// ARPCacheLookups counts ARP cache lookups, labeled by outcome
	// ("hit", "miss", "evict").
	ARPCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_arp_cache_lookups_total",
			Help: "Number of ARP cache lookups by outcome.",
		}, []string{"outcome"})

	// IPReassemblyTimeouts counts fragment reassembly buffers that expired
	// before the last fragment arrived.
	IPReassemblyTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netstack_ipv4_reassembly_timeouts_total",
			Help: "Number of IPv4 reassembly buffers dropped on timeout.",
		},
	)

	// IPFragmentsTotal counts outbound fragments produced by
	// fragmentation, and inbound fragments accepted into reassembly.
	IPFragmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_ipv4_fragments_total",
			Help: "Number of IPv4 fragments produced or consumed.",
		}, []string{"direction"})

	// UDPDatagramsTotal counts UDP datagrams sent, received, or dropped
	// (no bound socket, port unreachable, bad checksum).
	UDPDatagramsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_udp_datagrams_total",
			Help: "Number of UDP datagrams by outcome.",
		}, []string{"outcome"})

	// TCPSegmentsTotal counts TCP segments sent or received, labeled by
	// direction.
	TCPSegmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_tcp_segments_total",
			Help: "Number of TCP segments sent or received.",
		}, []string{"direction"})

	// TCPRetransmitsTotal counts retransmissions, labeled by cause
	// ("rto" or "fast").
	TCPRetransmitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_tcp_retransmits_total",
			Help: "Number of TCP segment retransmissions by cause.",
		}, []string{"cause"})

	// TCPConnectionsTotal counts TCB lifecycle transitions, labeled by
	// event ("active_open", "passive_open", "established", "reset", "closed").
	TCPConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_tcp_connections_total",
			Help: "Number of TCP connection lifecycle events.",
		}, []string{"event"})

	// TCPRTTHistogram tracks sampled round-trip times, in seconds.
	TCPRTTHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "netstack_tcp_rtt_seconds",
			Help: "Sampled TCP round-trip time distribution (seconds).",
			Buckets: []float64{
				0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
			},
		},
	)

	// TCPCurrentConnections is a gauge of live TCBs, labeled by state.
	TCPCurrentConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netstack_tcp_connections_current",
			Help: "Number of TCBs currently in each state.",
		}, []string{"state"})

	// CaptureCacheSize tracks how many connections the archival cache is
	// watching at the end of each collection cycle.
	CaptureCacheSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netstack_capture_cache_size",
			Help:    "Number of connections tracked by the archival cache per cycle.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// CaptureRecordsTotal counts archived records, labeled by the reason a
	// record was written ("new", "state_change", "counter_change").
	CaptureRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_capture_records_total",
			Help: "Number of connection snapshots written to archive files.",
		}, []string{"reason"})

	// CaptureFilesTotal counts archive files opened for writing.
	CaptureFilesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netstack_capture_files_total",
			Help: "Number of archive files opened by the capture writer.",
		},
	)
)

// init prints a log message so it is obvious when the metrics package has
// been loaded and its collectors registered; registration itself happens
// automatically via promauto at var-init time.
func init() {
	log.Println("Prometheus metrics in netstack/internal/metrics are registered.")
}
