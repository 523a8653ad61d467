package sync

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"foliotrack/internal/connmgr"
	"foliotrack/internal/domain"
	"foliotrack/internal/ibkr"
	"foliotrack/internal/store/memory"
)

type capturePublisher struct {
	mu      gosync.Mutex
	results []Result
}

func (p *capturePublisher) Publish(_ context.Context, _ string, result Result) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, result)
	return nil
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.results)
}

func newSchedulerHarness(t *testing.T, minInterval time.Duration) (*Scheduler, *capturePublisher, domain.BrokerAccount) {
	t.Helper()
	st := memory.NewStore()
	account, err := st.CreateBrokerAccount(context.Background(), domain.BrokerAccount{
		UserID:      3,
		Broker:      domain.BrokerIBKR,
		AccountCode: "U7",
		ClientID:    7,
	})
	if err != nil {
		t.Fatalf("create broker account: %v", err)
	}
	dialer := ibkr.NewSimDialer()
	seedFixture(dialer)
	conns := connmgr.New(dialer, time.Second, "127.0.0.1", 7497, zerolog.Nop())
	syncer := NewSyncer(st, conns, time.Second, 5*time.Second, zerolog.Nop())
	publisher := &capturePublisher{}
	sched := NewScheduler(syncer, 4, minInterval, publisher, nil, zerolog.Nop())
	return sched, publisher, account
}

func TestSchedulerRunsCycleAndCounts(t *testing.T) {
	sched, publisher, account := newSchedulerHarness(t, 0)

	if !sched.Enqueue(account.ID, 3) {
		t.Fatal("expected enqueue to be accepted")
	}

	deadline := time.Now().Add(3 * time.Second)
	for publisher.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if publisher.count() != 1 {
		t.Fatalf("expected 1 published outcome, got %d", publisher.count())
	}

	stats := sched.Stats()
	if stats.Synced != 1 {
		t.Fatalf("expected synced=1, got %#v", stats)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sched.Shutdown(ctx)
}

func TestSchedulerThrottlesRapidResync(t *testing.T) {
	sched, _, account := newSchedulerHarness(t, time.Minute)

	if !sched.Enqueue(account.ID, 3) {
		t.Fatal("expected first enqueue to be accepted")
	}
	if sched.Enqueue(account.ID, 3) {
		t.Fatal("expected immediate re-enqueue to be throttled")
	}
	if stats := sched.Stats(); stats.Throttled != 1 {
		t.Fatalf("expected throttled=1, got %#v", stats)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sched.Shutdown(ctx)
}

func TestSchedulerRejectsAfterShutdown(t *testing.T) {
	sched, _, account := newSchedulerHarness(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sched.Shutdown(ctx)

	if sched.Enqueue(account.ID, 3) {
		t.Fatal("expected enqueue to be rejected after shutdown")
	}
}
