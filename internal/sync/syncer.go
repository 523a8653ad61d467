// Package sync pulls positions, account summary and trade executions
// through a gateway session and reconciles them into the store. Each
// account's cycle is isolated: a failure rolls back that cycle's
// writes and touches nothing else.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"foliotrack/internal/connmgr"
	"foliotrack/internal/domain"
	"foliotrack/internal/ibkr"
	"foliotrack/internal/store"
)

// Outcome classifies one finished sync cycle.
type Outcome string

const (
	OutcomeSynced           Outcome = "synced"
	OutcomeSkippedNotFound  Outcome = "skipped-not-found"
	OutcomeFailedConnection Outcome = "failed-connection"
	OutcomeFailed           Outcome = "failed"
)

// Result is the observable end of a cycle.
type Result struct {
	AccountID int64
	Outcome   Outcome
	Err       error
}

type Syncer struct {
	store store.Store
	conns *connmgr.Manager
	log   zerolog.Logger

	readTimeout  time.Duration
	cycleTimeout time.Duration
}

func NewSyncer(st store.Store, conns *connmgr.Manager, readTimeout, cycleTimeout time.Duration, log zerolog.Logger) *Syncer {
	return &Syncer{
		store:        st,
		conns:        conns,
		log:          log.With().Str("component", "sync").Logger(),
		readTimeout:  readTimeout,
		cycleTimeout: cycleTimeout,
	}
}

// SyncAccount runs one fetch-and-reconcile cycle for the account.
// It never panics and never returns an error to the scheduler; the
// Result carries the outcome and cause.
func (s *Syncer) SyncAccount(ctx context.Context, accountID, userID int64) Result {
	ctx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()

	log := s.log.With().Int64("account_id", accountID).Int64("user_id", userID).Logger()

	account, err := s.store.BrokerAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The account may have been deleted concurrently.
			log.Info().Msg("account gone, skipping cycle")
			return Result{AccountID: accountID, Outcome: OutcomeSkippedNotFound}
		}
		log.Error().Err(err).Msg("account lookup failed")
		return Result{AccountID: accountID, Outcome: OutcomeFailed, Err: err}
	}

	sess, err := s.conns.Acquire(ctx, account)
	if err != nil {
		log.Warn().Err(err).Msg("gateway unavailable, skipping cycle")
		return Result{AccountID: accountID, Outcome: OutcomeFailedConnection, Err: err}
	}

	if err := s.runCycle(ctx, sess, accountID, userID); err != nil {
		log.Error().Err(err).Msg("sync cycle failed")
		return Result{AccountID: accountID, Outcome: OutcomeFailed, Err: err}
	}

	log.Info().Msg("sync cycle completed")
	return Result{AccountID: accountID, Outcome: OutcomeSynced}
}

// runCycle fetches the three data sets and writes them inside one
// store transaction. Rollback on any error restores prior state.
func (s *Syncer) runCycle(ctx context.Context, sess ibkr.Session, accountID, userID int64) error {
	positions, err := s.fetchPositions(ctx, sess)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}
	summary, err := s.fetchSummary(ctx, sess)
	if err != nil {
		return fmt.Errorf("fetch account summary: %w", err)
	}
	executions, err := s.fetchExecutions(ctx, sess)
	if err != nil {
		return fmt.Errorf("fetch executions: %w", err)
	}

	tx, err := s.store.BeginSync(ctx, accountID, userID)
	if err != nil {
		return err
	}
	defer func() {
		// No-op after a successful Commit.
		_ = tx.Rollback()
	}()

	if err := tx.ReplacePositions(ctx, positions); err != nil {
		return fmt.Errorf("replace positions: %w", err)
	}
	if err := tx.ReplaceSummary(ctx, summary); err != nil {
		return fmt.Errorf("replace summary: %w", err)
	}

	// Set-difference once per cycle; re-running with identical
	// upstream data appends nothing.
	existing, err := tx.ListExecIDs(ctx)
	if err != nil {
		return err
	}
	fresh := make([]domain.Trade, 0, len(executions))
	for _, e := range executions {
		if _, seen := existing[e.ExecID]; seen {
			continue
		}
		fresh = append(fresh, domain.Trade{
			ExecID:      e.ExecID,
			OrderID:     e.OrderID,
			Symbol:      e.Symbol,
			Side:        e.Side,
			Qty:         e.Qty,
			Price:       e.Price,
			RealizedPnL: e.RealizedPnL,
			TradeTime:   e.Time,
		})
	}
	if err := tx.AppendTrades(ctx, fresh); err != nil {
		return fmt.Errorf("append trades: %w", err)
	}

	if err := tx.TouchSyncedAt(ctx, time.Now().UTC()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sync tx: %w", err)
	}
	return nil
}

func (s *Syncer) fetchPositions(ctx context.Context, sess ibkr.Session) ([]domain.Position, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()
	raw, err := sess.Positions(readCtx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Position, 0, len(raw))
	for _, p := range raw {
		out = append(out, domain.Position{
			Symbol:      p.Symbol,
			Quantity:    p.Qty,
			AvgCost:     p.AvgCost,
			MarketValue: p.Qty * p.AvgCost,
		})
	}
	return out, nil
}

func (s *Syncer) fetchSummary(ctx context.Context, sess ibkr.Session) (domain.AccountSummary, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()
	tags, err := sess.AccountSummary(readCtx)
	if err != nil {
		return domain.AccountSummary{}, err
	}
	var summary domain.AccountSummary
	for _, item := range tags {
		v, err := strconv.ParseFloat(item.Value, 64)
		if err != nil {
			continue
		}
		switch item.Tag {
		case ibkr.TagTotalCashValue:
			summary.TotalCash = v
		case ibkr.TagNetLiquidation:
			summary.NetLiquidation = v
		case ibkr.TagEquityWithLoanValue:
			summary.EquityWithLoan = v
		case ibkr.TagBuyingPower:
			summary.BuyingPower = v
		}
	}
	return summary, nil
}

func (s *Syncer) fetchExecutions(ctx context.Context, sess ibkr.Session) ([]ibkr.ExecutionRaw, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()
	return sess.Executions(readCtx)
}
