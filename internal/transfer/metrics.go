package transfer

import "github.com/prometheus/client_golang/prometheus"

var (
	rangesServedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boxd",
		Subsystem: "transfer",
		Name:      "ranges_served_total",
		Help:      "Range Responses served by the server role",
	})

	rangeErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boxd",
		Subsystem: "transfer",
		Name:      "range_errors_total",
		Help:      "Range Requests answered with an error response",
	})

	chunksReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boxd",
		Subsystem: "transfer",
		Name:      "chunks_received_total",
		Help:      "Chunks accepted and written by the client role",
	})

	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boxd",
		Subsystem: "transfer",
		Name:      "retries_total",
		Help:      "Range Requests resent after the retry interval",
	})

	timeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boxd",
		Subsystem: "transfer",
		Name:      "timeouts_total",
		Help:      "Fetch sessions aborted by the inactivity timeout",
	})

	fetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "boxd",
		Subsystem: "transfer",
		Name:      "fetches_total",
		Help:      "Completed fetch sessions by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(rangesServedTotal, rangeErrorsTotal,
		chunksReceivedTotal, retriesTotal, timeoutsTotal, fetchesTotal)
}
