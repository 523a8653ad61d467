package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// OutcomePublisher receives the result of every finished cycle.
type OutcomePublisher interface {
	Publish(ctx context.Context, jobID string, result Result) error
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Stats are cumulative cycle counts since process start.
type Stats struct {
	Synced           uint64 `json:"synced"`
	Skipped          uint64 `json:"skipped"`
	FailedConnection uint64 `json:"failed_connection"`
	Failed           uint64 `json:"failed"`
	Throttled        uint64 `json:"throttled"`
}

// Scheduler runs sync cycles as background jobs with a bounded
// concurrency budget and a per-account minimum interval. Outcomes are
// counted and published rather than silently dropped.
type Scheduler struct {
	syncer      *Syncer
	sem         *semaphore.Weighted
	minInterval time.Duration
	publisher   OutcomePublisher
	notifier    Notifier
	log         zerolog.Logger

	limiters gosync.Map // account id -> *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup

	closed atomic.Bool

	synced           atomic.Uint64
	skipped          atomic.Uint64
	failedConnection atomic.Uint64
	failed           atomic.Uint64
	throttled        atomic.Uint64
}

func NewScheduler(syncer *Syncer, maxConcurrent int, minInterval time.Duration, publisher OutcomePublisher, notifier Notifier, log zerolog.Logger) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		syncer:      syncer,
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
		minInterval: minInterval,
		publisher:   publisher,
		notifier:    notifier,
		log:         log.With().Str("component", "sync-scheduler").Logger(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Enqueue schedules a cycle for the account and returns immediately.
// Returns false when the account is throttled or the scheduler is
// shutting down; the caller does not need to care, the counters do.
func (s *Scheduler) Enqueue(accountID, userID int64) bool {
	if s.closed.Load() {
		return false
	}
	if !s.limiterFor(accountID).Allow() {
		s.throttled.Add(1)
		s.log.Debug().Int64("account_id", accountID).Msg("sync throttled")
		return false
	}

	jobID := uuid.NewString()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return // shutting down
		}
		defer s.sem.Release(1)
		s.run(jobID, accountID, userID)
	}()
	return true
}

func (s *Scheduler) run(jobID string, accountID, userID int64) {
	log := s.log.With().Str("job_id", jobID).Int64("account_id", accountID).Logger()
	log.Debug().Msg("sync job started")

	result := s.syncer.SyncAccount(s.ctx, accountID, userID)
	switch result.Outcome {
	case OutcomeSynced:
		s.synced.Add(1)
	case OutcomeSkippedNotFound:
		s.skipped.Add(1)
	case OutcomeFailedConnection:
		s.failedConnection.Add(1)
	default:
		s.failed.Add(1)
	}

	if s.publisher != nil {
		pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.publisher.Publish(pubCtx, jobID, result); err != nil {
			log.Warn().Err(err).Msg("publish sync outcome")
		}
		cancel()
	}
	if s.notifier != nil && (result.Outcome == OutcomeFailed || result.Outcome == OutcomeFailedConnection) {
		noteCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.notifier.Notify(noteCtx, fmt.Sprintf("Sync %s for broker account %d: %v",
			result.Outcome, accountID, result.Err))
		cancel()
	}
}

// Stats returns a snapshot of the cycle counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Synced:           s.synced.Load(),
		Skipped:          s.skipped.Load(),
		FailedConnection: s.failedConnection.Load(),
		Failed:           s.failed.Load(),
		Throttled:        s.throttled.Load(),
	}
}

// Shutdown stops accepting jobs and waits for in-flight cycles until
// ctx expires, then cancels whatever is still running.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.closed.Store(true)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("shutdown deadline reached, cancelling in-flight cycles")
	}
	s.cancel()
	<-done
}

func (s *Scheduler) limiterFor(accountID int64) *rate.Limiter {
	if v, ok := s.limiters.Load(accountID); ok {
		return v.(*rate.Limiter)
	}
	var limiter *rate.Limiter
	if s.minInterval <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 1)
	} else {
		limiter = rate.NewLimiter(rate.Every(s.minInterval), 1)
	}
	v, _ := s.limiters.LoadOrStore(accountID, limiter)
	return v.(*rate.Limiter)
}
