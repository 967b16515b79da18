// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to various parts of the pipeline.
//
// When defining new operations or metrics, these are helpful values to track:
//   - things coming into or go out of the system: packets, sessions, records.
//   - the success or error status of any of the above.
//   - the distribution of queue depths and processing latency.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsTotal counts packets accepted by the classifier, by protocol.
	//
	// Example usage:
	//   metrics.PacketsTotal.WithLabelValues("radius").Inc()
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licollector_packets_total",
			Help: "Number of packets accepted by the classifier.",
		}, []string{"proto"})

	// DroppedPackets counts packets discarded without producing any state
	// change, by reason. Unmatched RADIUS responses land here instead of
	// asserting, as do truncated headers and unknown message codes.
	DroppedPackets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licollector_dropped_packets_total",
			Help: "Number of packets dropped before updating session state.",
		}, []string{"reason"})

	// AccessEvents counts emitted access-session actions, by action name.
	AccessEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licollector_access_events_total",
			Help: "Number of access session events emitted by the RADIUS engine.",
		}, []string{"action"})

	// ActiveSessions tracks access sessions currently in the ACTIVE state.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "licollector_active_sessions",
			Help: "Access sessions currently active.",
		})

	// IRIRecords counts IPMM-IRI records emitted by the VoIP engine, by
	// dialog type (begin/continue/end/report).
	IRIRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licollector_ipmmiri_records_total",
			Help: "Number of IPMM-IRI records emitted, by dialog type.",
		}, []string{"dialog"})

	// ActiveStreams tracks RTP streams currently pushed to capture threads.
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "licollector_active_rtp_streams",
			Help: "RTP streams with both 5-tuple halves known.",
		})

	// EncodedRecords counts records produced by the encoder workers, by
	// record type.
	EncodedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licollector_encoded_records_total",
			Help: "Number of records encoded, by record type.",
		}, []string{"type"})

	// EncodeErrors counts jobs the encoder workers could not encode.
	EncodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "licollector_encode_errors_total",
			Help: "Number of encoding jobs abandoned due to errors.",
		})

	// DrainedJobs counts jobs discarded during encoder teardown, by record
	// type, so disposal remains observable per type.
	DrainedJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licollector_drained_jobs_total",
			Help: "Number of jobs drained and discarded at encoder shutdown.",
		}, []string{"type"})

	// ArchiveFileCount counts forwarder archive files created.
	ArchiveFileCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "licollector_archive_file_total",
			Help: "Number of forwarder archive files created.",
		})

	// OutOfOrderResults counts encoded results that arrived at a forwarder
	// with a sequence number lower than one already written for the same
	// intercept.
	OutOfOrderResults = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "licollector_out_of_order_results_total",
			Help: "Number of encoded results observed out of sequence order.",
		})

	// ProvisionerMessages counts control messages received, by opcode.
	ProvisionerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licollector_provisioner_messages_total",
			Help: "Number of provisioner control messages received.",
		}, []string{"opcode"})

	// PendingRequestsSwept counts outstanding RADIUS requests aged out
	// without ever seeing a response.
	PendingRequestsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "licollector_pending_requests_swept_total",
			Help: "Number of outstanding RADIUS requests expired unanswered.",
		})
)

// init() prints a log message to let the user know that the package has been
// loaded and the metrics registered. The metrics are auto-registered, which
// means they are registered as soon as this package is loaded, and the exact
// time this occurs (and whether this occurs at all in a given context) can be
// opaque.
func init() {
	log.Println("Prometheus metrics in collector.metrics are registered.")
}
