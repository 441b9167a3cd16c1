// Package metrics is a thin abstraction over Prometheus so that the server
// can run with or without a metrics backend. When a *prometheus.Registry is
// supplied, labeled collectors are registered on it; otherwise a no-op sink
// is used and the hot path pays nothing.
//
// The sink covers the server-side observables: cache hits/misses/evictions,
// event dedup counters, thread-pool queue depth, and connection counts.
//
// © 2025 nvecd authors. MIT License.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sink abstracts the concrete backend (Prometheus vs noop). Components only
// know about the generic methods here.
type Sink interface {
	IncCacheHit()
	IncCacheMiss()
	IncCacheEviction()
	SetCacheMemoryBytes(v int64)
	IncEventStored()
	IncEventDeduped()
	SetPoolQueueDepth(v int)
	IncConnAccepted()
	IncConnRejected()
	SetConnActive(v int)
	IncCommand(name string)
	IncCommandFailed()
}

// Noop returns a sink that does nothing.
func Noop() Sink { return noopSink{} }

type noopSink struct{}

func (noopSink) IncCacheHit()              {}
func (noopSink) IncCacheMiss()             {}
func (noopSink) IncCacheEviction()         {}
func (noopSink) SetCacheMemoryBytes(int64) {}
func (noopSink) IncEventStored()           {}
func (noopSink) IncEventDeduped()          {}
func (noopSink) SetPoolQueueDepth(int)     {}
func (noopSink) IncConnAccepted()          {}
func (noopSink) IncConnRejected()          {}
func (noopSink) SetConnActive(int)         {}
func (noopSink) IncCommand(string)         {}
func (noopSink) IncCommandFailed()         {}

type promSink struct {
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter
	cacheMemory    prometheus.Gauge
	eventsStored   prometheus.Counter
	eventsDeduped  prometheus.Counter
	poolQueueDepth prometheus.Gauge
	connAccepted   prometheus.Counter
	connRejected   prometheus.Counter
	connActive     prometheus.Gauge
	commands       *prometheus.CounterVec
	commandsFailed prometheus.Counter
}

// NewProm registers nvecd collectors on reg and returns the sink. Must not
// be called with a nil registry; callers that want metrics disabled use
// Noop instead.
func NewProm(reg *prometheus.Registry) Sink {
	s := &promSink{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvecd", Name: "cache_hits_total",
			Help: "Number of similarity-cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvecd", Name: "cache_misses_total",
			Help: "Number of similarity-cache misses.",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvecd", Name: "cache_evictions_total",
			Help: "Number of entries evicted under memory pressure.",
		}),
		cacheMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nvecd", Name: "cache_memory_bytes",
			Help: "Live bytes accounted to the similarity cache.",
		}),
		eventsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvecd", Name: "events_stored_total",
			Help: "Number of events stored after deduplication.",
		}),
		eventsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvecd", Name: "events_deduped_total",
			Help: "Number of streaming duplicates dropped.",
		}),
		poolQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nvecd", Name: "pool_queue_depth",
			Help: "Tasks waiting in the worker-pool queue.",
		}),
		connAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvecd", Name: "connections_accepted_total",
			Help: "Number of accepted TCP connections.",
		}),
		connRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvecd", Name: "connections_rejected_total",
			Help: "Connections refused by admission control or backpressure.",
		}),
		connActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nvecd", Name: "connections_active",
			Help: "Currently open client connections.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvecd", Name: "commands_total",
			Help: "Number of dispatched commands.",
		}, []string{"command"}),
		commandsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvecd", Name: "commands_failed_total",
			Help: "Number of commands that produced an ERROR response.",
		}),
	}
	reg.MustRegister(
		s.cacheHits, s.cacheMisses, s.cacheEvictions, s.cacheMemory,
		s.eventsStored, s.eventsDeduped, s.poolQueueDepth,
		s.connAccepted, s.connRejected, s.connActive,
		s.commands, s.commandsFailed,
	)
	return s
}

func (s *promSink) IncCacheHit()                { s.cacheHits.Inc() }
func (s *promSink) IncCacheMiss()               { s.cacheMisses.Inc() }
func (s *promSink) IncCacheEviction()           { s.cacheEvictions.Inc() }
func (s *promSink) SetCacheMemoryBytes(v int64) { s.cacheMemory.Set(float64(v)) }
func (s *promSink) IncEventStored()             { s.eventsStored.Inc() }
func (s *promSink) IncEventDeduped()            { s.eventsDeduped.Inc() }
func (s *promSink) SetPoolQueueDepth(v int)     { s.poolQueueDepth.Set(float64(v)) }
func (s *promSink) IncConnAccepted()            { s.connAccepted.Inc() }
func (s *promSink) IncConnRejected()            { s.connRejected.Inc() }
func (s *promSink) SetConnActive(v int)         { s.connActive.Set(float64(v)) }
func (s *promSink) IncCommand(name string)      { s.commands.WithLabelValues(name).Inc() }
func (s *promSink) IncCommandFailed()           { s.commandsFailed.Inc() }
