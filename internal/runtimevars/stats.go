// Package runtimevars holds the process-wide observables: atomic server
// statistics and the registry of runtime variables behind SET/SHOW. Both
// are constructed during server startup and passed explicitly, never global
// singletons.
//
// © 2025 nvecd authors. MIT License.
package runtimevars

import (
	"sync/atomic"
	"time"
)

// ServerStats is the set of atomic counters every observable surface
// (INFO, metrics) reads from.
type ServerStats struct {
	startTime time.Time

	TotalConnections  atomic.Uint64
	ActiveConnections atomic.Int64
	FailedCommands    atomic.Uint64

	EventCommands  atomic.Uint64
	VecsetCommands atomic.Uint64
	SimCommands    atomic.Uint64
	InfoCommands   atomic.Uint64
	ConfigCommands atomic.Uint64
	DumpCommands   atomic.Uint64
	DebugCommands  atomic.Uint64
	CacheCommands  atomic.Uint64
	VarCommands    atomic.Uint64
}

// NewServerStats stamps the server start time.
func NewServerStats() *ServerStats {
	return &ServerStats{startTime: time.Now()}
}

// UptimeSeconds reports seconds since construction.
func (s *ServerStats) UptimeSeconds() int64 {
	return int64(time.Since(s.startTime) / time.Second)
}

// CommandCounts returns the per-command counters as name -> count, in the
// shape INFO prints them.
func (s *ServerStats) CommandCounts() map[string]uint64 {
	return map[string]uint64{
		"event":  s.EventCommands.Load(),
		"vecset": s.VecsetCommands.Load(),
		"sim":    s.SimCommands.Load(),
		"info":   s.InfoCommands.Load(),
		"config": s.ConfigCommands.Load(),
		"dump":   s.DumpCommands.Load(),
		"debug":  s.DebugCommands.Load(),
		"cache":  s.CacheCommands.Load(),
		"var":    s.VarCommands.Load(),
	}
}
