// Package metrics holds the prometheus collectors shared by the relay and the
// notebook agent. Collectors register with the default registry on import.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pagelink"

var (
	// FramesSent counts websocket frames written, chunked or not.
	FramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "frames_sent_total",
		Help:      "Websocket frames written.",
	})

	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "frames_received_total",
		Help:      "Websocket frames read.",
	})

	// FragmentsEvicted counts partial messages dropped after the fragment TTL.
	FragmentsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "fragments_evicted_total",
		Help:      "Partially received chunked messages evicted after the TTL.",
	})

	MessagesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "messages_dispatched_total",
		Help:      "Whole messages handed to handlers by operation and result.",
	}, []string{"operation", "result"})

	// QueueWaiting is the number of update tasks queued behind an in-flight one.
	QueueWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "queue_waiting_tasks",
		Help:      "Page update tasks waiting behind an in-flight task.",
	})

	// Merges counts inbound update merges by outcome: applied, pending, corrupted, failed.
	Merges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "merges_total",
		Help:      "Inbound page update merges by outcome.",
	}, []string{"outcome"})

	CatchUpRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "catch_up_requests_total",
		Help:      "REQUEST_PAGE_UPDATE messages emitted.",
	})

	RelayFanout = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "fanout_messages_total",
		Help:      "Messages fanned out to notebooks by delivery: online, bus, stored, flushed.",
	}, []string{"delivery"})

	RelayMethodDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "method_duration_seconds",
		Help:      "Relay request method latency.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"method", "code"})

	NotebookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "request",
		Name:      "notebook_requests_total",
		Help:      "Cross-notebook requests by resulting status.",
	}, []string{"status"})
)
