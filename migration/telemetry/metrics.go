// Package telemetry holds the Prometheus counters for a migration run.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "memory_migrate"

// Metrics is safe for concurrent use. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	messagesExtracted      prometheus.Counter
	cacheHits              *prometheus.CounterVec
	summaryBatches         *prometheus.CounterVec
	memoriesDelivered      prometheus.Counter
	conversationsCompleted prometheus.Counter
	conversationFailures   prometheus.Counter
}

// Batch outcome labels.
const (
	BatchOK        = "ok"
	BatchFailed    = "failed"
	BatchMalformed = "malformed"
)

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_extracted_total",
			Help:      "Messages decoded from the chat history (cache misses only).",
		}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Conversations served from an on-disk artifact, by stage.",
		}, []string{"stage"}),
		summaryBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_batches_total",
			Help:      "Summarization batches attempted, by outcome.",
		}, []string{"outcome"}),
		memoriesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_delivered_total",
			Help:      "Items posted to the episodic memory store.",
		}),
		conversationsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_completed_total",
			Help:      "Conversation delivery tasks that finished, successfully or not.",
		}),
		conversationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_failures_total",
			Help:      "Conversation delivery tasks that failed.",
		}),
	}
	m.registry.MustRegister(
		m.messagesExtracted,
		m.cacheHits,
		m.summaryBatches,
		m.memoriesDelivered,
		m.conversationsCompleted,
		m.conversationFailures,
	)
	return m
}

// Registry exposes the underlying registry, e.g. for promhttp or tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile dumps all counters in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *Metrics) MessagesExtracted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.messagesExtracted.Add(float64(n))
}

func (m *Metrics) CacheHit(stage string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(stage).Inc()
}

func (m *Metrics) SummaryBatch(outcome string) {
	if m == nil {
		return
	}
	m.summaryBatches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MemoryDelivered() {
	if m == nil {
		return
	}
	m.memoriesDelivered.Inc()
}

func (m *Metrics) ConversationCompleted(failed bool) {
	if m == nil {
		return
	}
	m.conversationsCompleted.Inc()
	if failed {
		m.conversationFailures.Inc()
	}
}
