// Package scheduler runs the periodic background jobs: co-occurrence decay
// and automatic snapshots. Both are best-effort loops that log failures and
// keep ticking; they never surface errors into request handling.
//
// © 2025 nvecd authors. MIT License.
package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Job is one periodic action.
type Job struct {
	Name     string
	Interval time.Duration // <= 0 disables the job
	Run      func() error
}

// Scheduler owns one goroutine per enabled job.
type Scheduler struct {
	jobs []Job
	log  *zap.Logger

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New prepares a scheduler; Start launches the tickers.
func New(jobs []Job, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{jobs: jobs, log: logger, done: make(chan struct{})}
}

// Start launches one ticker goroutine per enabled job.
func (s *Scheduler) Start() {
	for _, job := range s.jobs {
		if job.Interval <= 0 || job.Run == nil {
			continue
		}
		s.wg.Add(1)
		go s.loop(job)
	}
}

// Stop signals every job and joins.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Scheduler) loop(job Job) {
	defer s.wg.Done()
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := job.Run(); err != nil {
				s.log.Warn("scheduled job failed",
					zap.String("job", job.Name), zap.Error(err))
			}
		}
	}
}
