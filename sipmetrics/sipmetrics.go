// Package sipmetrics exposes the transaction-layer counters and histograms
// collected via github.com/prometheus/client_golang. Metrics register
// against prometheus.DefaultRegisterer on package init, so any process that
// already serves promhttp.Handler() picks them up without further wiring.
package sipmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome buckets a terminated transaction's result for the transactions_total
// counter. Keeping this closed set (rather than the raw error string) avoids
// unbounded label cardinality in Prometheus.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeTransport  Outcome = "transport_error"
	OutcomeCanceled   Outcome = "canceled"
	OutcomeTerminated Outcome = "terminated"
)

// Side is which half of a transaction pair recorded the metric.
type Side string

const (
	SideClient Side = "client"
	SideServer Side = "server"
)

var (
	transactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sipcore",
		Subsystem: "transaction",
		Name:      "total",
		Help:      "Transactions created, labeled by side and SIP method.",
	}, []string{"side", "method"})

	transactionsTerminatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sipcore",
		Subsystem: "transaction",
		Name:      "terminated_total",
		Help:      "Transactions terminated, labeled by side, method and outcome.",
	}, []string{"side", "method", "outcome"})

	transactionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sipcore",
		Subsystem: "transaction",
		Name:      "duration_seconds",
		Help:      "Time a transaction stayed open between creation and termination.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms .. ~80s, covers T1..Timer_B
	}, []string{"side", "method"})

	requestsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sipcore",
		Subsystem: "message",
		Name:      "requests_received_total",
		Help:      "Requests handed up from the transport layer, labeled by method.",
	}, []string{"method"})

	responsesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sipcore",
		Subsystem: "message",
		Name:      "responses_received_total",
		Help:      "Responses handed up from the transport layer, labeled by status class.",
	}, []string{"class"})
)

// TransactionStarted records a newly-created client or server transaction
// and returns a callback to record its termination once the transaction
// layer's OnTerminate fires.
func TransactionStarted(side Side, method string) func(err error) {
	transactionsTotal.WithLabelValues(string(side), method).Inc()
	start := time.Now()
	return func(err error) {
		transactionDuration.WithLabelValues(string(side), method).Observe(time.Since(start).Seconds())
		transactionsTerminatedTotal.WithLabelValues(string(side), method, string(classifyOutcome(err))).Inc()
	}
}

func classifyOutcome(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeCompleted
	case isTimeout(err):
		return OutcomeTimeout
	case isTransport(err):
		return OutcomeTransport
	case isCanceled(err):
		return OutcomeCanceled
	default:
		return OutcomeTerminated
	}
}

// RequestReceived counts an inbound request by method.
func RequestReceived(method string) {
	requestsReceivedTotal.WithLabelValues(method).Inc()
}

// ResponseReceived counts an inbound response by its status class ("1xx".."6xx").
func ResponseReceived(status int) {
	class := "other"
	if status >= 100 && status < 700 {
		class = string('0'+byte(status/100)) + "xx"
	}
	responsesReceivedTotal.WithLabelValues(class).Inc()
}
