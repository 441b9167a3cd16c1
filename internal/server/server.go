// Package server assembles the full nvecd process: stores, similarity
// engine, cache with two-phase invalidation, snapshot codec and retention,
// worker pool, TCP acceptor, and the background scheduler. Construction
// wires everything; Start binds the socket; Stop tears the pieces down in
// reverse dependency order without ever detaching a worker.
//
// © 2025 nvecd authors. MIT License.
package server

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/nvecd/nvecd/internal/cachestore"
	"github.com/nvecd/nvecd/internal/events"
	"github.com/nvecd/nvecd/internal/logging"
	"github.com/nvecd/nvecd/internal/metrics"
	"github.com/nvecd/nvecd/internal/netsrv"
	"github.com/nvecd/nvecd/internal/pool"
	"github.com/nvecd/nvecd/internal/protocol"
	"github.com/nvecd/nvecd/internal/runtimevars"
	"github.com/nvecd/nvecd/internal/scheduler"
	"github.com/nvecd/nvecd/internal/serverconfig"
	"github.com/nvecd/nvecd/internal/similarity"
	"github.com/nvecd/nvecd/internal/snapshot"
	"github.com/nvecd/nvecd/internal/vectors"
)

// Server is the assembled process.
type Server struct {
	cfg serverconfig.Config
	log *logging.Logger

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
	dispatcher *protocol.Dispatcher
	workers    *pool.Pool
	acceptor   *netsrv.Acceptor
	sched      *scheduler.Scheduler
}

// Options are the process-level inputs main passes in.
type Options struct {
	Config     serverconfig.Config
	ConfigPath string
	Logger     *logging.Logger
	Registry   *prometheus.Registry // nil disables metrics
}

// New builds the server. It creates the snapshot directory and, when a
// default snapshot exists, restores it before the socket opens.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}

	sink := metrics.Noop()
	if opts.Registry != nil {
		sink = metrics.NewProm(opts.Registry)
	}

	if err := os.MkdirAll(cfg.Snapshot.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("server: create snapshot dir: %w", err)
	}

	s := &Server{cfg: cfg, log: log}
	s.eventStore = events.NewStore(cfg.Events.CtxBufferSize, cfg.Events.DedupCacheSize, cfg.Events.DedupWindowSec)
	s.coIndex = events.NewCoOccurrenceIndex()
	s.vecStore = vectors.NewStore()
	s.engine = similarity.New(s.coIndex, s.vecStore, similarity.Config{
		Metric:  vectors.Metric(cfg.Vectors.DistanceMetric),
		MaxTopK: cfg.Similarity.MaxTopK,
		Alpha:   cfg.Similarity.FusionAlpha,
		Beta:    cfg.Similarity.FusionBeta,
	})

	if cfg.Cache.Enabled {
		s.cache = cachestore.New(cachestore.Options{
			MaxMemoryBytes:     cfg.Cache.MaxMemoryBytes,
			MinQueryCostMs:     cfg.Cache.MinQueryCostMs,
			TTLSeconds:         cfg.Cache.TTLSeconds,
			CompressionEnabled: cfg.Cache.CompressionEnabled,
			Metrics:            sink,
		})
		s.invMgr = cachestore.NewManager()
		s.cache.SetEvictionCallback(s.invMgr.Forget)
		s.invQueue = cachestore.NewQueue(s.cache, s.invMgr, cachestore.QueueOptions{
			BatchSize: cfg.Cache.EvictionBatchSize,
			MaxDelay:  100 * time.Millisecond,
			Logger:    log.Logger,
		})
	}

	s.codec = snapshot.NewCodec(s.eventStore, s.coIndex, s.vecStore, cfg, log.Logger)

	var err error
	s.retention, err = snapshot.OpenRetentionIndex(cfg.Snapshot.Dir, cfg.Snapshot.Retain, log.Logger)
	if err != nil {
		return nil, err
	}

	s.stats = runtimevars.NewServerStats()
	s.vars = runtimevars.NewManager(cfg)
	s.registerVariableAppliers()

	s.dispatcher = protocol.NewDispatcher(protocol.Deps{
		Config:     cfg,
		ConfigPath: opts.ConfigPath,
		EventStore: s.eventStore,
		CoIndex:    s.coIndex,
		VecStore:   s.vecStore,
		Engine:     s.engine,
		Cache:      s.cache,
		InvMgr:     s.invMgr,
		InvQueue:   s.invQueue,
		Codec:      s.codec,
		Retention:  s.retention,
		Vars:       s.vars,
		Stats:      s.stats,
		Logger:     log.Logger,
		Metrics:    sink,
	})

	s.workers = pool.New(pool.Options{
		Workers:   cfg.Perf.ThreadPoolSize,
		QueueSize: cfg.Perf.ThreadPoolQueueSize,
		Logger:    log.Logger,
		Metrics:   sink,
	})

	s.acceptor, err = netsrv.NewAcceptor(netsrv.Options{
		Bind:           cfg.API.TCP.Bind,
		Port:           cfg.API.TCP.Port,
		MaxConnections: cfg.Perf.MaxConnections,
		RecvTimeout:    time.Duration(cfg.Perf.ConnectionTimeoutSec) * time.Second,
		MaxQueryLength: cfg.Perf.MaxQueryLength,
		AllowCIDRs:     cfg.Network.AllowCIDRs,
		Pool:           s.workers,
		Dispatch:       s.dispatcher.Dispatch,
		Logger:         log.Logger,
		Metrics:        sink,
	})
	if err != nil {
		return nil, err
	}
	s.acceptor.OnConnect = func() {
		s.stats.TotalConnections.Add(1)
		s.stats.ActiveConnections.Add(1)
	}
	s.acceptor.OnDisconnect = func() {
		s.stats.ActiveConnections.Add(-1)
	}

	s.sched = scheduler.New(s.backgroundJobs(), log.Logger)

	s.restoreDefaultSnapshot()
	return s, nil
}

func (s *Server) registerVariableAppliers() {
	s.vars.RegisterApplier("logging.level", func(v string) error {
		return s.log.SetLevel(v)
	})
	s.vars.RegisterApplier("logging.json", func(v string) error {
		// Format switching requires rebuilding the encoder; the value is
		// validated and stored here, applied on next restart.
		if v != "true" && v != "false" {
			return fmt.Errorf("logging.json must be true or false")
		}
		return nil
	})
	if s.cache != nil {
		s.vars.RegisterApplier("cache.enabled", func(v string) error {
			switch v {
			case "true":
				s.cache.SetEnabled(true)
			case "false":
				s.cache.SetEnabled(false)
			default:
				return fmt.Errorf("cache.enabled must be true or false")
			}
			return nil
		})
		s.vars.RegisterApplier("cache.min_query_cost_ms", func(v string) error {
			var ms float64
			if _, err := fmt.Sscanf(v, "%g", &ms); err != nil || ms < 0 {
				return fmt.Errorf("cache.min_query_cost_ms must be a number >= 0")
			}
			s.cache.SetMinQueryCostMs(ms)
			return nil
		})
		s.vars.RegisterApplier("cache.ttl_seconds", func(v string) error {
			var sec int
			if _, err := fmt.Sscanf(v, "%d", &sec); err != nil || sec < 0 {
				return fmt.Errorf("cache.ttl_seconds must be an integer >= 0")
			}
			s.cache.SetTTLSeconds(sec)
			return nil
		})
	}
}

func (s *Server) backgroundJobs() []scheduler.Job {
	var jobs []scheduler.Job
	if s.cfg.Events.DecayIntervalSec > 0 {
		alpha := s.cfg.Events.DecayAlpha
		jobs = append(jobs, scheduler.Job{
			Name:     "co_occurrence_decay",
			Interval: time.Duration(s.cfg.Events.DecayIntervalSec) * time.Second,
			Run: func() error {
				s.coIndex.ApplyDecay(alpha)
				return nil
			},
		})
	}
	if s.cfg.Snapshot.IntervalSec > 0 {
		jobs = append(jobs, scheduler.Job{
			Name:     "periodic_snapshot",
			Interval: time.Duration(s.cfg.Snapshot.IntervalSec) * time.Second,
			Run:      s.savePeriodicSnapshot,
		})
	}
	return jobs
}

func (s *Server) savePeriodicSnapshot() error {
	path, err := snapshot.ResolvePath(s.cfg.Snapshot.Dir, "", s.cfg.Snapshot.DefaultFilename)
	if err != nil {
		return err
	}
	if err := s.codec.Write(path); err != nil {
		return err
	}
	info, err := snapshot.GetInfo(path)
	if err != nil {
		return err
	}
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	return s.retention.Record(snapshot.RetentionRecord{
		Name:      filepath.Base(path),
		Timestamp: info.Timestamp,
		Size:      st.Size(),
		CRC32:     info.FileCRC32,
	})
}

// restoreDefaultSnapshot loads the default dump when one exists. A corrupt
// dump is logged and skipped; startup continues empty.
func (s *Server) restoreDefaultSnapshot() {
	path, err := snapshot.ResolvePath(s.cfg.Snapshot.Dir, "", s.cfg.Snapshot.DefaultFilename)
	if err != nil {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := s.codec.Read(path); err != nil {
		s.log.Warn("startup snapshot restore failed; starting empty",
			zap.String("path", path), zap.Error(err))
	}
}

// Start launches the invalidation worker, the scheduler, and the acceptor.
func (s *Server) Start() error {
	if s.invQueue != nil {
		s.invQueue.Start()
	}
	s.sched.Start()
	if err := s.acceptor.Start(); err != nil {
		return err
	}
	s.log.Info("nvecd ready", zap.String("addr", s.acceptor.Addr()))
	return nil
}

// Addr reports the bound listen address.
func (s *Server) Addr() string { return s.acceptor.Addr() }

// Stop shuts down gracefully: acceptor first (no new work), then drain
// outstanding connections and the pool, then the invalidation worker, the
// scheduler, and the retention index.
func (s *Server) Stop() {
	s.acceptor.Stop()

	deadline := time.Now().Add(time.Duration(s.cfg.Perf.ConnectionTimeoutSec) * time.Second)
	for s.acceptor.ActiveConnections() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	s.workers.Shutdown(true, 5*time.Second)
	if s.invQueue != nil {
		s.invQueue.Stop()
	}
	s.sched.Stop()
	if err := s.retention.Close(); err != nil {
		s.log.Warn("retention index close failed", zap.Error(err))
	}
	s.log.Info("nvecd stopped")
}
