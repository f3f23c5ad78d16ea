// Package scheduler runs the periodic maintenance jobs of the service.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/freestays/passguard/internal/metrics"
)

// JobFunc is one run of a scheduled job.
type JobFunc func(ctx context.Context) error

// JobStatus reports the history of a job.
type JobStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Runs      int64     `json:"runs"`
	Errors    int64     `json:"errors"`
	LastRun   time.Time `json:"lastRun,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	NextRun   time.Time `json:"nextRun,omitempty"`
}

type job struct {
	status  JobStatus
	fn      JobFunc
	entryID cron.EntryID
}

// Scheduler wraps a cron runner. A job never overlaps with itself.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration

	mu   sync.Mutex
	jobs map[string]*job

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. timeout bounds every run; zero means one minute.
func New(timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		timeout: timeout,
		jobs:    make(map[string]*job),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers fn under name with a standard cron spec or a descriptor
// such as "@every 1h".
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	j := &job{status: JobStatus{Name: name, Schedule: spec}, fn: fn}
	id, err := s.cron.AddFunc(spec, func() { s.run(s.ctx, j) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}
	j.entryID = id
	s.jobs[name] = j
	return nil
}

// RunNow runs the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	return s.run(ctx, j)
}

func (s *Scheduler) run(ctx context.Context, j *job) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := j.fn(ctx)

	s.mu.Lock()
	j.status.Runs++
	j.status.LastRun = start.UTC()
	j.status.LastError = ""
	if err != nil {
		j.status.Errors++
		j.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		metrics.ScheduledRuns.WithLabelValues(j.status.Name, "error").Inc()
		slog.Error("scheduled job failed",
			"job", j.status.Name,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return err
	}

	metrics.ScheduledRuns.WithLabelValues(j.status.Name, "ok").Inc()
	slog.Debug("scheduled job finished",
		"job", j.status.Name,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Start begins running jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started", "jobs", len(s.Jobs()))
}

// Stop prevents new runs, cancels the running ones and waits for them.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
	slog.Info("scheduler stopped")
}

// Jobs returns the status of every job, ordered by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := j.status
		st.NextRun = s.cron.Entry(j.entryID).Next
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}
