package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// PeriodicJob is a unit of PERIODIC-kind work, such as IXFR garbage
// collection or the rate-limiter table sweep (the two jobs the server
// registers). Each job reschedules itself on its own interval after every run.
type PeriodicJob struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Scheduler drives a set of PERIODIC jobs, each on its own ticker
// goroutine. It never blocks the request path: each job runs on its own
// schedule independent of query handling goroutines.
type Scheduler struct {
	log  *slog.Logger
	jobs []PeriodicJob
}

func New(log *slog.Logger) *Scheduler {
	return &Scheduler{log: log}
}

// Register adds a periodic job. Must be called before Run.
func (s *Scheduler) Register(j PeriodicJob) {
	s.jobs = append(s.jobs, j)
}

// Run starts every registered job and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for _, j := range s.jobs {
		go s.runJob(ctx, j)
	}
	<-ctx.Done()
}

func (s *Scheduler) runJob(ctx context.Context, j PeriodicJob) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.log.Error("periodic job panicked", "job", j.Name, "recover", r)
					}
				}()
				j.Run(ctx)
			}()
		}
	}
}
