package protocol

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nvecd/nvecd/internal/cachestore"
	"github.com/nvecd/nvecd/internal/events"
	"github.com/nvecd/nvecd/internal/metrics"
	"github.com/nvecd/nvecd/internal/netsrv"
	"github.com/nvecd/nvecd/internal/querykey"
	"github.com/nvecd/nvecd/internal/runtimevars"
	"github.com/nvecd/nvecd/internal/serverconfig"
	"github.com/nvecd/nvecd/internal/similarity"
	"github.com/nvecd/nvecd/internal/snapshot"
	"github.com/nvecd/nvecd/internal/vectors"
)

// cacheScope is the single invalidation scope for cached similarity
// queries: event and vector mutations both feed the same tag namespace
// (item ids), so one scope keeps fusion entries reachable from either
// mutation path.
const cacheScope = "similarity"

// Dispatcher routes parsed commands to the core components and shapes the
// OK/ERROR envelope.
type Dispatcher struct {
	cfg        serverconfig.Config
	configPath string

	eventStore *events.Store
	coIndex    *events.CoOccurrenceIndex
	vecStore   *vectors.Store
	engine     *similarity.Engine
	cache      *cachestore.Cache
	invMgr     *cachestore.Manager
	invQueue   *cachestore.Queue
	codec      *snapshot.Codec
	retention  *snapshot.RetentionIndex
	vars       *runtimevars.Manager
	stats      *runtimevars.ServerStats

	readOnly atomic.Bool
	loading  atomic.Bool

	log  *zap.Logger
	sink metrics.Sink
}

// Deps bundles everything the dispatcher talks to. Cache, invalidation,
// retention, and vars may be nil (the matching commands degrade
// gracefully); stores and engine are required.
type Deps struct {
	Config     serverconfig.Config
	ConfigPath string
	EventStore *events.Store
	CoIndex    *events.CoOccurrenceIndex
	VecStore   *vectors.Store
	Engine     *similarity.Engine
	Cache      *cachestore.Cache
	InvMgr     *cachestore.Manager
	InvQueue   *cachestore.Queue
	Codec      *snapshot.Codec
	Retention  *snapshot.RetentionIndex
	Vars       *runtimevars.Manager
	Stats      *runtimevars.ServerStats
	Logger     *zap.Logger
	Metrics    metrics.Sink
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(d Deps) *Dispatcher {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Noop()
	}
	if d.Stats == nil {
		d.Stats = runtimevars.NewServerStats()
	}
	return &Dispatcher{
		cfg:        d.Config,
		configPath: d.ConfigPath,
		eventStore: d.EventStore,
		coIndex:    d.CoIndex,
		vecStore:   d.VecStore,
		engine:     d.Engine,
		cache:      d.Cache,
		invMgr:     d.InvMgr,
		invQueue:   d.InvQueue,
		codec:      d.Codec,
		retention:  d.Retention,
		vars:       d.Vars,
		stats:      d.Stats,
		log:        d.Logger.With(zap.String("component", "dispatcher")),
		sink:       d.Metrics,
	}
}

// ReadOnly reports whether a snapshot save is in progress; the health
// surface consults this.
func (d *Dispatcher) ReadOnly() bool { return d.readOnly.Load() }

// Loading reports whether a snapshot load is in progress.
func (d *Dispatcher) Loading() bool { return d.loading.Load() }

// Dispatch handles one request line and returns the response payload
// (without the trailing CRLF).
func (d *Dispatcher) Dispatch(line string, cc *netsrv.ConnContext) string {
	cmd, err := Parse(line, d.cfg.Similarity.DefaultTopK)
	if err != nil {
		return d.fail(err.Error())
	}

	if cc != nil && cc.DebugMode {
		d.log.Debug("request", zap.String("remote", cc.RemoteAddr), zap.String("line", line))
	}

	switch cmd.Type {
	case CmdEvent:
		d.stats.EventCommands.Add(1)
		d.sink.IncCommand("event")
		return d.handleEvent(cmd)
	case CmdVecset:
		d.stats.VecsetCommands.Add(1)
		d.sink.IncCommand("vecset")
		return d.handleVecset(cmd)
	case CmdSim:
		d.stats.SimCommands.Add(1)
		d.sink.IncCommand("sim")
		return d.handleSim(cmd)
	case CmdSimv:
		d.stats.SimCommands.Add(1)
		d.sink.IncCommand("simv")
		return d.handleSimv(cmd)
	case CmdInfo:
		d.stats.InfoCommands.Add(1)
		d.sink.IncCommand("info")
		return d.handleInfo()
	case CmdConfig:
		d.stats.ConfigCommands.Add(1)
		d.sink.IncCommand("config")
		return d.handleConfig(cmd)
	case CmdDump:
		d.stats.DumpCommands.Add(1)
		d.sink.IncCommand("dump")
		return d.handleDump(cmd)
	case CmdDebug:
		d.stats.DebugCommands.Add(1)
		d.sink.IncCommand("debug")
		return d.handleDebug(cmd, cc)
	case CmdCache:
		d.stats.CacheCommands.Add(1)
		d.sink.IncCommand("cache")
		return d.handleCache(cmd)
	case CmdSet:
		d.stats.VarCommands.Add(1)
		d.sink.IncCommand("set")
		return d.handleSet(cmd)
	case CmdShow:
		d.stats.VarCommands.Add(1)
		d.sink.IncCommand("show")
		return d.handleShow(cmd)
	default:
		return d.fail("Unknown command: " + cmd.Name)
	}
}

func (d *Dispatcher) fail(msg string) string {
	d.stats.FailedCommands.Add(1)
	d.sink.IncCommandFailed()
	return "ERROR " + msg
}

func (d *Dispatcher) mutationGate() (string, bool) {
	if d.loading.Load() {
		return d.fail("Server is loading a snapshot"), false
	}
	if d.readOnly.Load() {
		return d.fail("Server is read-only during snapshot save"), false
	}
	return "", true
}

//
// Data-plane handlers
//

func (d *Dispatcher) handleEvent(cmd *Command) string {
	if resp, ok := d.mutationGate(); !ok {
		return resp
	}

	// History before the insert: the new event pairs against exactly these.
	history := d.eventStore.GetEvents(cmd.Ctx)

	ev, stored, err := d.eventStore.AddEvent(cmd.Ctx, cmd.ID, cmd.Score)
	if err != nil {
		return d.fail(err.Error())
	}
	if stored {
		d.sink.IncEventStored()
		d.coIndex.UpdateIncremental(ev, history)
		d.invalidate(affectedIDs(ev, history))
	} else {
		d.sink.IncEventDeduped()
	}
	return "OK"
}

func (d *Dispatcher) handleVecset(cmd *Command) string {
	if resp, ok := d.mutationGate(); !ok {
		return resp
	}
	if err := d.vecStore.SetVector(cmd.ID, cmd.Vector, false); err != nil {
		return d.fail(err.Error())
	}
	d.invalidate([]string{cmd.ID})
	return "OK"
}

// invalidate pushes changed item ids through the two-phase invalidation
// pipeline. Tag delta is "nothing -> these ids": each id is a new tag on
// the mutation side, which matches every cached query tagged with it.
func (d *Dispatcher) invalidate(ids []string) {
	if d.invQueue == nil || len(ids) == 0 {
		return
	}
	d.invQueue.Enqueue(cacheScope, "", strings.Join(ids, " "))
}

func affectedIDs(ev events.Event, history []events.Event) []string {
	seen := map[string]struct{}{ev.ItemID: {}}
	out := []string{ev.ItemID}
	for _, h := range history {
		if _, dup := seen[h.ItemID]; dup {
			continue
		}
		seen[h.ItemID] = struct{}{}
		out = append(out, h.ItemID)
	}
	return out
}

func (d *Dispatcher) handleSim(cmd *Command) string {
	if d.loading.Load() {
		return d.fail("Server is loading a snapshot")
	}

	fp := querykey.NewBuilder("SIM").Ident(cmd.ID).Int(cmd.K).Mode(string(cmd.Mode))
	return d.searchWithCache(fp.Key(), cmd.ID, func() ([]similarity.Result, error) {
		switch cmd.Mode {
		case similarity.ModeVectors:
			return d.engine.SearchByIdVectors(cmd.ID, cmd.K)
		case similarity.ModeEvents:
			return d.engine.SearchByIdEvents(cmd.ID, cmd.K)
		default:
			return d.engine.SearchByIdFusion(cmd.ID, cmd.K)
		}
	})
}

func (d *Dispatcher) handleSimv(cmd *Command) string {
	if d.loading.Load() {
		return d.fail("Server is loading a snapshot")
	}

	fp := querykey.NewBuilder("SIMV").Int(cmd.K).Mode(string(similarity.ModeVectors)).Vector(cmd.Vector)
	return d.searchWithCache(fp.Key(), "", func() ([]similarity.Result, error) {
		return d.engine.SearchByVector(cmd.Vector, cmd.K)
	})
}

// searchWithCache consults the similarity cache, falls back to the engine,
// and inserts the fresh result tagged with every id it involves.
func (d *Dispatcher) searchWithCache(key querykey.Key, queryID string, search func() ([]similarity.Result, error)) string {
	if d.cache != nil {
		if results, ok := d.cache.Lookup(key); ok {
			return formatResults(results)
		}
	}

	start := time.Now()
	results, err := search()
	if err != nil {
		return d.fail(searchErrorMessage(err))
	}
	costMs := float64(time.Since(start)) / float64(time.Millisecond)

	if d.cache != nil {
		tags := make([]string, 0, len(results)+1)
		if queryID != "" {
			tags = append(tags, queryID)
		}
		for _, r := range results {
			tags = append(tags, r.ID)
		}
		meta := cachestore.Metadata{Scope: cacheScope, Tags: tags}
		if d.cache.Insert(key, results, meta, costMs) && d.invMgr != nil {
			d.invMgr.Register(key, meta)
		}
	}
	return formatResults(results)
}

func searchErrorMessage(err error) string {
	switch {
	case errors.Is(err, similarity.ErrVectorNotFound):
		return "Vector not found"
	case errors.Is(err, similarity.ErrDimensionMismatch):
		return "Vector dimension mismatch"
	case errors.Is(err, similarity.ErrInvalidArgument):
		return "Invalid query"
	default:
		return err.Error()
	}
}

func formatResults(results []similarity.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "OK RESULTS %d", len(results))
	for _, r := range results {
		fmt.Fprintf(&b, "\r\n%s %.6f", r.ID, r.Score)
	}
	return b.String()
}

//
// Introspection handlers
//

func (d *Dispatcher) handleInfo() string {
	var b strings.Builder
	b.WriteString("OK")

	line := func(k string, v any) { fmt.Fprintf(&b, "\r\n%s: %v", k, v) }

	line("uptime_sec", d.stats.UptimeSeconds())
	line("total_connections", d.stats.TotalConnections.Load())
	line("active_connections", d.stats.ActiveConnections.Load())
	line("failed_commands", d.stats.FailedCommands.Load())

	counts := d.stats.CommandCounts()
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		line("cmd_"+name, counts[name])
	}

	es := d.eventStore.Statistics()
	line("active_contexts", es.ActiveContexts)
	line("total_events", es.TotalEvents)
	line("deduped_events", es.DedupedEvents)
	line("stored_events", es.StoredEvents)
	line("event_memory_bytes", es.MemoryBytes)

	cs := d.coIndex.Statistics()
	line("tracked_ids", cs.TrackedIDs)
	line("co_pairs", cs.CoPairs)
	line("co_memory_bytes", cs.MemoryBytes)

	line("vector_count", d.vecStore.GetVectorCount())
	line("vector_dimension", d.vecStore.Dimension())

	if d.cache != nil {
		st := d.cache.GetStatistics()
		line("cache_enabled", d.cache.Enabled())
		line("cache_entries", st.CurrentEntries)
		line("cache_memory_bytes", st.CurrentMemoryBytes)
		line("cache_hits", st.CacheHits)
		line("cache_misses", st.CacheMisses)
	}

	line("read_only", d.readOnly.Load())
	line("loading", d.loading.Load())
	return b.String()
}

func (d *Dispatcher) handleConfig(cmd *Command) string {
	switch cmd.Sub {
	case "HELP":
		return configHelp
	case "SHOW":
		dump, err := d.cfg.Dump()
		if err != nil {
			return d.fail(err.Error())
		}
		var b strings.Builder
		b.WriteString("OK")
		for _, ln := range strings.Split(strings.TrimRight(dump, "\n"), "\n") {
			b.WriteString("\r\n")
			b.WriteString(ln)
		}
		return b.String()
	case "VERIFY":
		path := cmd.Path
		if path == "" {
			path = d.configPath
		}
		if path == "" {
			return d.fail("No config file to verify")
		}
		if _, err := serverconfig.Load(path); err != nil {
			return d.fail(err.Error())
		}
		return "OK CONFIG_VALID " + path
	default:
		return d.fail("Unknown CONFIG subcommand: " + cmd.Sub)
	}
}

func (d *Dispatcher) handleDump(cmd *Command) string {
	if d.codec == nil {
		return d.fail("Snapshots are not configured")
	}
	path, err := snapshot.ResolvePath(d.cfg.Snapshot.Dir, cmd.Path, d.cfg.Snapshot.DefaultFilename)
	if err != nil {
		return d.fail(err.Error())
	}

	switch cmd.Sub {
	case "SAVE":
		return d.withFlag(&d.readOnly, func() string {
			if err := d.codec.Write(path); err != nil {
				return d.fail(err.Error())
			}
			d.recordRetention(path)
			return "OK DUMP_SAVED " + path
		})
	case "LOAD":
		return d.withFlag(&d.loading, func() string {
			if err := d.codec.Read(path); err != nil {
				return d.fail(err.Error())
			}
			if d.cache != nil {
				d.cache.Clear()
			}
			if d.invMgr != nil {
				d.invMgr.Clear()
			}
			return "OK DUMP_LOADED " + path
		})
	case "VERIFY":
		if err := snapshot.Verify(path); err != nil {
			return d.fail(err.Error())
		}
		return "OK DUMP_VERIFIED " + path
	case "INFO":
		info, err := snapshot.GetInfo(path)
		if err != nil {
			return d.fail(err.Error())
		}
		var b strings.Builder
		b.WriteString("OK")
		fmt.Fprintf(&b, "\r\npath: %s", path)
		fmt.Fprintf(&b, "\r\nversion: %d", info.Version)
		fmt.Fprintf(&b, "\r\nstore_count: %d", info.StoreCount)
		fmt.Fprintf(&b, "\r\nflags: %d", info.Flags)
		fmt.Fprintf(&b, "\r\nfile_size: %d", info.FileSize)
		fmt.Fprintf(&b, "\r\ntimestamp: %d", info.Timestamp)
		fmt.Fprintf(&b, "\r\nhas_statistics: %t", info.HasStatistics)
		return b.String()
	default:
		return d.fail("Unknown DUMP subcommand: " + cmd.Sub)
	}
}

// withFlag provides the scoped flag acquisition the snapshot commands
// need: the flag is guaranteed to be released on every exit path.
func (d *Dispatcher) withFlag(flag *atomic.Bool, fn func() string) string {
	flag.Store(true)
	defer flag.Store(false)
	return fn()
}

func (d *Dispatcher) recordRetention(path string) {
	if d.retention == nil {
		return
	}
	info, err := snapshot.GetInfo(path)
	if err != nil {
		d.log.Warn("retention: cannot read written snapshot", zap.Error(err))
		return
	}
	st, err := os.Stat(path)
	if err != nil {
		d.log.Warn("retention: cannot stat written snapshot", zap.Error(err))
		return
	}
	if err := d.retention.Record(snapshot.RetentionRecord{
		Name:      filepath.Base(path),
		Timestamp: info.Timestamp,
		Size:      st.Size(),
		CRC32:     info.FileCRC32,
	}); err != nil {
		d.log.Warn("retention: record failed", zap.Error(err))
	}
}

func (d *Dispatcher) handleDebug(cmd *Command, cc *netsrv.ConnContext) string {
	if cc == nil {
		return d.fail("DEBUG requires a connection context")
	}
	cc.DebugMode = cmd.On
	if cmd.On {
		return "OK DEBUG ON"
	}
	return "OK DEBUG OFF"
}

func (d *Dispatcher) handleCache(cmd *Command) string {
	if d.cache == nil {
		return d.fail("Cache is not configured")
	}
	switch cmd.Sub {
	case "STATS":
		st := d.cache.GetStatistics()
		var b strings.Builder
		b.WriteString("OK")
		line := func(k string, v any) { fmt.Fprintf(&b, "\r\n%s: %v", k, v) }
		line("total_queries", st.TotalQueries)
		line("cache_hits", st.CacheHits)
		line("cache_misses", st.CacheMisses)
		line("cache_misses_invalidated", st.CacheMissesInvalidated)
		line("cache_misses_not_found", st.CacheMissesNotFound)
		line("invalidations_immediate", st.InvalidationsImmediate)
		line("invalidations_deferred", st.InvalidationsDeferred)
		line("invalidations_batches", st.InvalidationsBatches)
		line("current_entries", st.CurrentEntries)
		line("current_memory_bytes", st.CurrentMemoryBytes)
		line("evictions", st.Evictions)
		line("total_cache_hit_time_ms", fmt.Sprintf("%.3f", st.TotalCacheHitTimeMs))
		line("total_cache_miss_time_ms", fmt.Sprintf("%.3f", st.TotalCacheMissTimeMs))
		line("total_query_saved_time_ms", fmt.Sprintf("%.3f", st.TotalQuerySavedTimeMs))
		return b.String()
	case "CLEAR":
		d.cache.Clear()
		if d.invMgr != nil {
			d.invMgr.Clear()
		}
		return "OK CACHE_CLEARED"
	case "ENABLE":
		d.cache.SetEnabled(true)
		return "OK CACHE_ENABLED"
	case "DISABLE":
		d.cache.SetEnabled(false)
		return "OK CACHE_DISABLED"
	default:
		return d.fail("Unknown CACHE subcommand: " + cmd.Sub)
	}
}

func (d *Dispatcher) handleSet(cmd *Command) string {
	if d.vars == nil {
		return d.fail("Runtime variables are not configured")
	}
	if err := d.vars.Set(cmd.ID, cmd.Value); err != nil {
		return d.fail(err.Error())
	}
	return fmt.Sprintf("OK %s = %s", cmd.ID, cmd.Value)
}

func (d *Dispatcher) handleShow(cmd *Command) string {
	if d.vars == nil {
		return d.fail("Runtime variables are not configured")
	}
	var b strings.Builder
	b.WriteString("OK")
	for _, v := range d.vars.Show(cmd.ID) {
		tag := ""
		if v.Mutable {
			tag = " (mutable)"
		}
		fmt.Fprintf(&b, "\r\n%s: %s%s", v.Name, v.Value, tag)
	}
	return b.String()
}

// configHelp is protocol payload; line breaks become CRLF below.
var configHelp = strings.ReplaceAll(configHelpText, "\n", "\r\n")

const configHelpText = `OK
Configuration keys (nvecd.yaml):
  events.ctx_buffer_size      per-context ring buffer capacity
  events.decay_interval_sec   co-occurrence decay period (0 disables)
  events.decay_alpha          decay multiplier in (0,1]
  events.dedup_window_sec     streaming dedup window (0 disables)
  events.dedup_cache_size     dedup LRU capacity
  vectors.default_dimension   recorded only; the first insert fixes the dimension
  vectors.distance_metric     cosine | dot | l2
  similarity.default_top_k    k when a query omits it
  similarity.max_top_k        upper bound; larger requests are clamped
  similarity.fusion_alpha     vector-score weight in fusion
  similarity.fusion_beta      event-score weight in fusion
  snapshot.dir                snapshot directory
  snapshot.default_filename   DUMP default target
  snapshot.interval_sec       periodic snapshot period (0 disables)
  snapshot.retain             dumps kept after pruning (0 keeps all)
  perf.thread_pool_size       worker threads
  perf.max_connections        concurrent client cap
  perf.connection_timeout_sec receive timeout
  api.tcp.bind / api.tcp.port listen address
  network.allow_cidrs         client allow-list (empty denies all)
  cache.*                     similarity cache tuning
  logging.level / logging.json log output control`
