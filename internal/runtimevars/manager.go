package runtimevars

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/nvecd/nvecd/internal/serverconfig"
)

// Variable is one registry entry.
type Variable struct {
	Name    string
	Value   string
	Mutable bool
}

// ApplyFunc forwards a validated new value to the owning component (logger
// level, cache toggle). It runs under the manager's write lock; keep it
// cheap. Returning an error rejects the SET and leaves the stored value
// unchanged.
type ApplyFunc func(value string) error

// Manager is the registry of dotted-name runtime variables. Only the
// whitelisted subset is mutable; SET on anything else fails with a
// descriptive error.
type Manager struct {
	mu       sync.RWMutex
	vars     map[string]*Variable
	appliers map[string]ApplyFunc
}

// mutableNames is the whitelist of variables changeable at runtime.
// Everything else requires a restart.
var mutableNames = map[string]bool{
	"logging.level":           true,
	"logging.json":            true,
	"cache.enabled":           true,
	"cache.min_query_cost_ms": true,
	"cache.ttl_seconds":       true,
}

// NewManager seeds the registry from the effective configuration.
func NewManager(cfg serverconfig.Config) *Manager {
	m := &Manager{
		vars:     make(map[string]*Variable),
		appliers: make(map[string]ApplyFunc),
	}
	seed := map[string]string{
		"events.ctx_buffer_size":      strconv.Itoa(cfg.Events.CtxBufferSize),
		"events.decay_interval_sec":   strconv.Itoa(cfg.Events.DecayIntervalSec),
		"events.decay_alpha":          fmt.Sprint(cfg.Events.DecayAlpha),
		"events.dedup_window_sec":     strconv.FormatInt(cfg.Events.DedupWindowSec, 10),
		"events.dedup_cache_size":     strconv.Itoa(cfg.Events.DedupCacheSize),
		"vectors.default_dimension":   strconv.Itoa(cfg.Vectors.DefaultDimension),
		"vectors.distance_metric":     cfg.Vectors.DistanceMetric,
		"similarity.default_top_k":    strconv.Itoa(cfg.Similarity.DefaultTopK),
		"similarity.max_top_k":        strconv.Itoa(cfg.Similarity.MaxTopK),
		"similarity.fusion_alpha":     fmt.Sprint(cfg.Similarity.FusionAlpha),
		"similarity.fusion_beta":      fmt.Sprint(cfg.Similarity.FusionBeta),
		"snapshot.dir":                cfg.Snapshot.Dir,
		"snapshot.default_filename":   cfg.Snapshot.DefaultFilename,
		"snapshot.interval_sec":       strconv.Itoa(cfg.Snapshot.IntervalSec),
		"snapshot.retain":             strconv.Itoa(cfg.Snapshot.Retain),
		"perf.thread_pool_size":       strconv.Itoa(cfg.Perf.ThreadPoolSize),
		"perf.max_connections":        strconv.Itoa(cfg.Perf.MaxConnections),
		"perf.connection_timeout_sec": strconv.Itoa(cfg.Perf.ConnectionTimeoutSec),
		"api.tcp.bind":                cfg.API.TCP.Bind,
		"api.tcp.port":                strconv.Itoa(cfg.API.TCP.Port),
		"network.allow_cidrs":         strings.Join(cfg.Network.AllowCIDRs, ","),
		"cache.enabled":               strconv.FormatBool(cfg.Cache.Enabled),
		"cache.max_memory_bytes":      strconv.FormatInt(cfg.Cache.MaxMemoryBytes, 10),
		"cache.min_query_cost_ms":     fmt.Sprint(cfg.Cache.MinQueryCostMs),
		"cache.ttl_seconds":           strconv.Itoa(cfg.Cache.TTLSeconds),
		"cache.compression_enabled":   strconv.FormatBool(cfg.Cache.CompressionEnabled),
		"cache.eviction_batch_size":   strconv.Itoa(cfg.Cache.EvictionBatchSize),
		"logging.level":               cfg.Logging.Level,
		"logging.json":                strconv.FormatBool(cfg.Logging.JSON),
	}
	for name, value := range seed {
		m.vars[name] = &Variable{Name: name, Value: value, Mutable: mutableNames[name]}
	}
	return m
}

// RegisterApplier wires the component callback for one mutable variable.
func (m *Manager) RegisterApplier(name string, fn ApplyFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appliers[name] = fn
}

// Set changes a mutable variable and forwards it to the registered
// applier. Unknown or immutable names fail.
func (m *Manager) Set(name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.vars[name]
	if !ok {
		return fmt.Errorf("runtimevars: unknown variable %q", name)
	}
	if !v.Mutable {
		return fmt.Errorf("runtimevars: variable %q is read-only (requires restart)", name)
	}
	if fn, ok := m.appliers[name]; ok {
		if err := fn(value); err != nil {
			return fmt.Errorf("runtimevars: set %s: %w", name, err)
		}
	}
	v.Value = value
	return nil
}

// Get returns the current value.
func (m *Manager) Get(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vars[name]
	if !ok {
		return "", false
	}
	return v.Value, true
}

// Show lists variables whose name starts with prefix (empty prefix = all),
// sorted by name.
func (m *Manager) Show(prefix string) []Variable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Variable, 0, len(m.vars))
	for name, v := range m.vars {
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
