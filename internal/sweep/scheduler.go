// Package sweep runs the periodic background passes of the chat service:
// presence timeouts, sticky expiry and reaping of empty global rooms. Each
// pass runs under a store-backed lease so only one instance performs it per
// period.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/wmaynard/chat-service-sub000/internal/clock"
	"github.com/wmaynard/chat-service-sub000/internal/metrics"
	"github.com/wmaynard/chat-service-sub000/internal/store"
)

const (
	// MaxRetries bounds the retries of a failing pass within one period.
	MaxRetries = 3
	// maxConsecutiveRenewFails aborts a run whose lease can no longer be renewed.
	maxConsecutiveRenewFails = 3
	minLeaseTTL              = time.Second
)

// Job is one named periodic pass. When Cron returns a non-empty expression
// it takes precedence over Interval. Both are read before every wait so a
// configuration reload applies to the next period.
type Job struct {
	Name     string
	Interval func() time.Duration
	Cron     func() string
	Run      func(ctx context.Context) error
}

// Status describes the last outcome of a job.
type Status struct {
	Healthy   bool      `json:"healthy"`
	Runs      int64     `json:"runs"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Scheduler runs jobs on their schedule.
type Scheduler struct {
	locker store.Locker
	owner  string
	clock  clock.Clock
	logger zerolog.Logger

	// newBackOff builds the retry policy of one run.
	newBackOff func() backoff.BackOff

	mu      sync.Mutex
	jobs    []Job
	running map[string]bool
	status  map[string]Status
	wg      sync.WaitGroup
}

// NewScheduler creates a Scheduler. owner identifies this instance when
// taking leases.
func NewScheduler(locker store.Locker, owner string, clk clock.Clock, logger zerolog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{
		locker:  locker,
		owner:   owner,
		clock:   clk,
		logger:  logger,
		running: make(map[string]bool),
		status:  make(map[string]Status),
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
}

// Add registers a job. Jobs added after Start are not scheduled.
func (s *Scheduler) Add(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	s.status[job.Name] = Status{Healthy: true}
}

// Start launches one loop per job. The loops exit when ctx is cancelled;
// Wait blocks until they have.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	for _, job := range jobs {
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			s.loop(ctx, job)
		}(job)
	}
}

// Wait blocks until every loop started by Start has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Status returns a copy of every job's status.
func (s *Scheduler) Status() map[string]Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Status, len(s.status))
	for k, v := range s.status {
		out[k] = v
	}
	return out
}

// Healthy reports whether every job's last run succeeded.
func (s *Scheduler) Healthy() bool {
	for _, st := range s.Status() {
		if !st.Healthy {
			return false
		}
	}
	return true
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	for {
		wait, err := s.nextWait(job)
		if err != nil {
			s.logger.Error().Err(err).Str("sweep", job.Name).Msg("failed to compute next sweep time")
			wait = 30 * time.Second
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.RunOnce(ctx, job.Name); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Str("sweep", job.Name).Msg("sweep failed")
		}
	}
}

// nextWait is the time until the job's next tick.
func (s *Scheduler) nextWait(job Job) (time.Duration, error) {
	if job.Cron != nil {
		if expr := job.Cron(); expr != "" {
			now := s.clock.Now()
			next, err := gronx.NextTickAfter(expr, now, false)
			if err != nil {
				return 0, fmt.Errorf("cron %q: %w", expr, err)
			}
			return max(next.Sub(now), time.Second), nil
		}
	}
	if job.Interval == nil {
		return 0, fmt.Errorf("job %s has no schedule", job.Name)
	}
	d := job.Interval()
	if d <= 0 {
		return 0, fmt.Errorf("job %s has non-positive interval %s", job.Name, d)
	}
	return d, nil
}

func (s *Scheduler) job(name string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name == name {
			return j, true
		}
	}
	return Job{}, false
}

// RunOnce runs a job immediately if this instance can take its lease and
// no run of it is already in progress here. A skipped run returns nil.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	job, ok := s.job(name)
	if !ok {
		return fmt.Errorf("unknown sweep %q", name)
	}

	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		metrics.SweepRuns.WithLabelValues(name, "skipped").Inc()
		return nil
	}
	s.running[name] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running[name] = false
		s.mu.Unlock()
	}()

	ttl := s.leaseTTL(job)
	leaseName := "sweep:" + name
	if s.locker != nil {
		acquired, err := s.locker.Acquire(ctx, leaseName, s.owner, ttl)
		if err != nil {
			s.record(name, err)
			return fmt.Errorf("acquire lease: %w", err)
		}
		if !acquired {
			s.logger.Debug().Str("sweep", name).Msg("sweep lease held elsewhere, skipping")
			metrics.SweepRuns.WithLabelValues(name, "skipped").Inc()
			return nil
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.locker != nil {
		go s.heartbeat(runCtx, cancel, leaseName, ttl)
	}

	start := time.Now()
	var attempts int
	op := func() error {
		attempts++
		err := job.Run(runCtx)
		if err != nil && runCtx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), MaxRetries), runCtx)
	err := backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		s.logger.Warn().Err(err).Str("sweep", name).Dur("retry_in", next).Msg("sweep attempt failed")
	})
	metrics.SweepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	s.record(name, err)

	if err != nil {
		metrics.SweepRuns.WithLabelValues(name, "error").Inc()
		if s.locker != nil {
			// Let a peer try again before the period ends.
			if rerr := s.locker.Release(context.WithoutCancel(ctx), leaseName, s.owner); rerr != nil {
				s.logger.Warn().Err(rerr).Str("lease", leaseName).Msg("failed to release sweep lease")
			}
		}
		return err
	}
	metrics.SweepRuns.WithLabelValues(name, "ok").Inc()
	s.logger.Debug().Str("sweep", name).Int("attempts", attempts).Dur("took", time.Since(start)).Msg("sweep finished")
	// The lease is left to expire so peers skip the rest of this period.
	return nil
}

// leaseTTL keeps the lease for most of a period.
func (s *Scheduler) leaseTTL(job Job) time.Duration {
	wait, err := s.nextWait(job)
	if err != nil {
		return minLeaseTTL
	}
	return max(wait*9/10, minLeaseTTL)
}

func (s *Scheduler) heartbeat(ctx context.Context, abort context.CancelFunc, leaseName string, ttl time.Duration) {
	t := time.NewTicker(max(ttl/3, 100*time.Millisecond))
	defer t.Stop()
	var failCount int
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.locker.Renew(ctx, leaseName, s.owner, ttl); err != nil {
				failCount++
				s.logger.Warn().Err(err).Str("lease", leaseName).Int("count", failCount).Msg("sweep lease renew failed")
				if errors.Is(err, store.ErrLeaseLost) || failCount >= maxConsecutiveRenewFails {
					s.logger.Error().Str("lease", leaseName).Msg("sweep lease lost, aborting run")
					abort()
					return
				}
				continue
			}
			failCount = 0
		}
	}
}

func (s *Scheduler) record(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status[name]
	st.Runs++
	st.LastRun = s.clock.Now()
	st.Healthy = err == nil
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	s.status[name] = st
}
