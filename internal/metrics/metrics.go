// Package metrics exposes Prometheus counters for the sync engine. They are
// registered on the default registry; the front-end decides whether to serve
// them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Polls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutorchat_polls_total",
		Help: "Number of poll requests issued.",
	})

	PollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutorchat_poll_errors_total",
		Help: "Number of poll requests that failed with a retryable error.",
	})

	MessagesMerged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutorchat_messages_merged_total",
		Help: "Number of new messages merged into the local list.",
	})

	Sends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutorchat_sends_total",
		Help: "Number of message sends attempted.",
	})

	SendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutorchat_send_errors_total",
		Help: "Number of message sends that failed.",
	})

	PresenceReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutorchat_presence_reconnects_total",
		Help: "Number of presence channel reconnect attempts.",
	})
)
