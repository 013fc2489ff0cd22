// Package metrics holds the prometheus collectors shared by the subscriber,
// the partition consumers and the broker connections.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Subscriber metrics
	MessagesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topic_subscriber_messages_dispatched_total",
		Help: "Total number of messages handed to the subscriber handler",
	}, []string{"topic", "partition"})

	AcksCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topic_subscriber_acks_committed_total",
		Help: "Total number of acknowledgements forwarded to a partition consumer",
	}, []string{"topic", "partition"})

	AcksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topic_subscriber_acks_dropped_total",
		Help: "Total number of acknowledgements dropped because the partition had no live consumer",
	}, []string{"topic", "partition"})

	StaleAcks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topic_subscriber_stale_acks_total",
		Help: "Total number of acknowledgements ignored because they were not outstanding",
	}, []string{"topic"})

	PendingMessages = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "topic_subscriber_pending_messages",
		Help: "Number of messages buffered awaiting the handler",
	}, []string{"topic"})

	SubscribeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topic_subscriber_subscribe_failures_total",
		Help: "Total number of failed partition subscribe attempts",
	}, []string{"topic", "partition"})

	ConsumersDown = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topic_subscriber_consumers_down_total",
		Help: "Total number of partition consumer terminations observed",
	}, []string{"topic", "partition"})

	// Partition consumer metrics
	FetchedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topic_subscriber_fetched_records_total",
		Help: "Total number of records fetched by partition consumers",
	}, []string{"topic", "partition"})

	OffsetCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "topic_subscriber_offset_commits_total",
		Help: "Total number of group offset commits, by result",
	}, []string{"group", "topic", "result"})

	// Connection metrics
	InflightRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "topic_subscriber_inflight_requests",
		Help: "Number of requests awaiting a response on a broker connection",
	}, []string{"addr"})

	RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "topic_subscriber_request_latency_seconds",
		Help:    "Broker request latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	}, []string{"api"})
)
