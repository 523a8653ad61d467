package ibkr

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Compile-time interface checks.
var (
	_ Dialer  = (*SimDialer)(nil)
	_ Session = (*SimSession)(nil)
)

// SimDialer is an in-memory gateway for paper mode and tests. Every
// Dial hands out a fresh live SimSession seeded with the dialer's
// current fixture data.
type SimDialer struct {
	mu         sync.Mutex
	positions  []PositionRaw
	summary    []SummaryTag
	executions []ExecutionRaw

	dialErr   error
	dialCount atomic.Int64

	// ReadsPerSecond throttles session reads to mimic gateway pacing.
	// Zero means unlimited.
	ReadsPerSecond float64
}

func NewSimDialer() *SimDialer {
	return &SimDialer{}
}

// Seed replaces the fixture data served by future sessions.
func (d *SimDialer) Seed(positions []PositionRaw, summary []SummaryTag, executions []ExecutionRaw) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.positions = positions
	d.summary = summary
	d.executions = executions
}

// FailDials makes subsequent Dial calls return err. Pass nil to heal.
func (d *SimDialer) FailDials(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErr = err
}

// DialCount reports how many connect attempts have been made.
func (d *SimDialer) DialCount() int64 {
	return d.dialCount.Load()
}

func (d *SimDialer) Dial(ctx context.Context, host string, port int, clientID int64) (Session, error) {
	d.dialCount.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}

	var limiter *rate.Limiter
	if d.ReadsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(d.ReadsPerSecond), 1)
	}
	s := &SimSession{
		clientID:   clientID,
		positions:  append([]PositionRaw(nil), d.positions...),
		summary:    append([]SummaryTag(nil), d.summary...),
		executions: append([]ExecutionRaw(nil), d.executions...),
		limiter:    limiter,
	}
	s.live.Store(true)
	return s, nil
}

// SimSession tracks fixture data in memory without external calls.
type SimSession struct {
	clientID int64
	live     atomic.Bool
	limiter  *rate.Limiter

	mu         sync.Mutex
	positions  []PositionRaw
	summary    []SummaryTag
	executions []ExecutionRaw
	readErr    error
}

func (s *SimSession) IsLive() bool {
	return s.live.Load()
}

// Drop simulates a dropped gateway connection.
func (s *SimSession) Drop() {
	s.live.Store(false)
}

// FailReads makes subsequent fetches return err. Pass nil to heal.
func (s *SimSession) FailReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// SetExecutions replaces the session's trade book.
func (s *SimSession) SetExecutions(executions []ExecutionRaw) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = append([]ExecutionRaw(nil), executions...)
}

func (s *SimSession) Positions(ctx context.Context) ([]PositionRaw, error) {
	if err := s.pace(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	return append([]PositionRaw(nil), s.positions...), nil
}

func (s *SimSession) AccountSummary(ctx context.Context) ([]SummaryTag, error) {
	if err := s.pace(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	return append([]SummaryTag(nil), s.summary...), nil
}

func (s *SimSession) Executions(ctx context.Context) ([]ExecutionRaw, error) {
	if err := s.pace(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	return append([]ExecutionRaw(nil), s.executions...), nil
}

func (s *SimSession) Close() error {
	s.live.Store(false)
	return nil
}

func (s *SimSession) pace(ctx context.Context) error {
	if !s.live.Load() {
		return ErrSessionClosed
	}
	if s.limiter == nil {
		return ctx.Err()
	}
	return s.limiter.Wait(ctx)
}
