package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"foliotrack/internal/connmgr"
	"foliotrack/internal/domain"
	"foliotrack/internal/ibkr"
	"foliotrack/internal/store/memory"
)

func seedFixture(dialer *ibkr.SimDialer) {
	pnl := 25.0
	dialer.Seed(
		[]ibkr.PositionRaw{{Symbol: "AAPL", Qty: 100, AvgCost: 150}},
		[]ibkr.SummaryTag{
			{Tag: ibkr.TagTotalCashValue, Value: "50000"},
			{Tag: ibkr.TagNetLiquidation, Value: "65000"},
			{Tag: ibkr.TagBuyingPower, Value: "200000"},
		},
		[]ibkr.ExecutionRaw{{
			ExecID:      "E1",
			OrderID:     "41",
			Symbol:      "AAPL",
			Side:        "BUY",
			Qty:         100,
			Price:       150,
			RealizedPnL: &pnl,
			Time:        time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC),
		}},
	)
}

func newHarness(t *testing.T) (*Syncer, *memory.Store, *ibkr.SimDialer, domain.BrokerAccount) {
	t.Helper()
	st := memory.NewStore()
	account, err := st.CreateBrokerAccount(context.Background(), domain.BrokerAccount{
		UserID:      3,
		Broker:      domain.BrokerIBKR,
		AccountCode: "U7",
		ConnHost:    "127.0.0.1",
		ConnPort:    7497,
		ClientID:    7,
	})
	if err != nil {
		t.Fatalf("create broker account: %v", err)
	}
	dialer := ibkr.NewSimDialer()
	seedFixture(dialer)
	conns := connmgr.New(dialer, time.Second, "127.0.0.1", 7497, zerolog.Nop())
	syncer := NewSyncer(st, conns, time.Second, 5*time.Second, zerolog.Nop())
	return syncer, st, dialer, account
}

func TestSyncAccountWritesAllThreeDataSets(t *testing.T) {
	syncer, st, _, account := newHarness(t)

	result := syncer.SyncAccount(context.Background(), account.ID, 3)
	if result.Outcome != OutcomeSynced {
		t.Fatalf("expected synced outcome, got %s (%v)", result.Outcome, result.Err)
	}

	positions, _ := st.PositionsByAccount(context.Background(), 3, account.ID)
	if len(positions) != 1 || positions[0].Symbol != "AAPL" || positions[0].Quantity != 100 {
		t.Fatalf("unexpected positions: %#v", positions)
	}
	summary, err := st.SummaryByAccount(context.Background(), 3, account.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.TotalCash != 50000 || summary.NetLiquidation != 65000 || summary.BuyingPower != 200000 {
		t.Fatalf("unexpected summary: %#v", summary)
	}
	trades, _ := st.Trades(context.Background(), 3, 10)
	if len(trades) != 1 || trades[0].ExecID != "E1" {
		t.Fatalf("unexpected trades: %#v", trades)
	}
	reloaded, _ := st.BrokerAccount(context.Background(), account.ID)
	if reloaded.SyncedAt == nil {
		t.Fatal("expected synced_at to be stamped")
	}
}

func TestSyncAccountIsIdempotentForTrades(t *testing.T) {
	syncer, st, dialer, account := newHarness(t)

	if r := syncer.SyncAccount(context.Background(), account.ID, 3); r.Outcome != OutcomeSynced {
		t.Fatalf("first cycle: %s (%v)", r.Outcome, r.Err)
	}
	if r := syncer.SyncAccount(context.Background(), account.ID, 3); r.Outcome != OutcomeSynced {
		t.Fatalf("second cycle: %s (%v)", r.Outcome, r.Err)
	}
	trades, _ := st.Trades(context.Background(), 3, 10)
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade after identical re-run, got %d", len(trades))
	}

	// A new execution appears upstream; exactly one row is appended.
	dialer.Seed(
		[]ibkr.PositionRaw{{Symbol: "AAPL", Qty: 100, AvgCost: 150}},
		[]ibkr.SummaryTag{{Tag: ibkr.TagTotalCashValue, Value: "50000"}},
		[]ibkr.ExecutionRaw{
			{ExecID: "E1", Symbol: "AAPL", Side: "BUY", Qty: 100, Price: 150, Time: time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC)},
			{ExecID: "E2", Symbol: "AAPL", Side: "SELL", Qty: 50, Price: 155, Time: time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)},
		},
	)
	// Force a fresh session so the reseeded trade book is served.
	syncer.conns.Release(account.ID)

	if r := syncer.SyncAccount(context.Background(), account.ID, 3); r.Outcome != OutcomeSynced {
		t.Fatalf("third cycle: %s (%v)", r.Outcome, r.Err)
	}
	trades, _ = st.Trades(context.Background(), 3, 10)
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades after E2 appeared, got %d", len(trades))
	}
}

func TestSyncAccountSkipsWhenAccountDeleted(t *testing.T) {
	syncer, _, _, _ := newHarness(t)

	result := syncer.SyncAccount(context.Background(), 999, 3)
	if result.Outcome != OutcomeSkippedNotFound {
		t.Fatalf("expected skipped-not-found, got %s", result.Outcome)
	}
}

func TestSyncAccountReportsConnectionFailure(t *testing.T) {
	syncer, st, dialer, account := newHarness(t)
	dialer.FailDials(errors.New("gateway refused"))

	result := syncer.SyncAccount(context.Background(), account.ID, 3)
	if result.Outcome != OutcomeFailedConnection {
		t.Fatalf("expected failed-connection, got %s", result.Outcome)
	}
	if !errors.Is(result.Err, connmgr.ErrConnect) {
		t.Fatalf("expected cause to wrap ErrConnect, got %v", result.Err)
	}

	// No partial writes.
	if positions, _ := st.Positions(context.Background(), 3); len(positions) != 0 {
		t.Fatalf("expected no positions, got %#v", positions)
	}
}

func TestFetchFailureLeavesPriorStateUntouched(t *testing.T) {
	syncer, st, _, account := newHarness(t)

	if r := syncer.SyncAccount(context.Background(), account.ID, 3); r.Outcome != OutcomeSynced {
		t.Fatalf("seed cycle: %s (%v)", r.Outcome, r.Err)
	}
	before, _ := st.PositionsByAccount(context.Background(), 3, account.ID)
	beforeSummary, _ := st.SummaryByAccount(context.Background(), 3, account.ID)
	beforeTrades, _ := st.Trades(context.Background(), 3, 10)

	sess, err := syncer.conns.Acquire(context.Background(), account)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	sess.(*ibkr.SimSession).FailReads(errors.New("gateway read timeout"))

	result := syncer.SyncAccount(context.Background(), account.ID, 3)
	if result.Outcome != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", result.Outcome)
	}

	after, _ := st.PositionsByAccount(context.Background(), 3, account.ID)
	afterSummary, _ := st.SummaryByAccount(context.Background(), 3, account.ID)
	afterTrades, _ := st.Trades(context.Background(), 3, 10)
	if len(after) != len(before) || after[0] != before[0] {
		t.Fatalf("positions changed across failed cycle: %#v vs %#v", before, after)
	}
	if afterSummary != beforeSummary {
		t.Fatalf("summary changed across failed cycle: %#v vs %#v", beforeSummary, afterSummary)
	}
	if len(afterTrades) != len(beforeTrades) {
		t.Fatalf("trades changed across failed cycle: %d vs %d", len(beforeTrades), len(afterTrades))
	}
}
