package store

import (
	"context"
	"errors"
	"time"

	"foliotrack/internal/domain"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// Store is the persistence contract shared by the HTTP layer and the
// sync pipeline.
type Store interface {
	CreateUser(ctx context.Context, username, passwordHash, role string) (domain.User, error)
	UserByUsername(ctx context.Context, username string) (domain.User, error)

	CreateBrokerAccount(ctx context.Context, account domain.BrokerAccount) (domain.BrokerAccount, error)
	BrokerAccount(ctx context.Context, id int64) (domain.BrokerAccount, error)
	BrokerAccountForUser(ctx context.Context, id, userID int64) (domain.BrokerAccount, error)
	ListBrokerAccounts(ctx context.Context, userID int64) ([]domain.BrokerAccount, error)
	DeleteBrokerAccount(ctx context.Context, id int64) error
	SetBrokerAccountStatus(ctx context.Context, id int64, status domain.AccountStatus, connectedAt *time.Time) error

	Positions(ctx context.Context, userID int64) ([]domain.Position, error)
	PositionsByAccount(ctx context.Context, userID, accountID int64) ([]domain.Position, error)
	Trades(ctx context.Context, userID int64, limit int) ([]domain.Trade, error)
	Summaries(ctx context.Context, userID int64) ([]domain.AccountSummary, error)
	SummaryByAccount(ctx context.Context, userID, accountID int64) (domain.AccountSummary, error)

	// BeginSync opens the write boundary for one sync cycle. All
	// writes staged on the returned SyncTx become durable only on
	// Commit; Rollback (or never committing) leaves prior state
	// untouched.
	BeginSync(ctx context.Context, accountID, userID int64) (SyncTx, error)
}

// SyncTx is one sync cycle's transaction. Positions and the summary
// are replaced wholesale; trades are append-only, deduplicated by the
// caller against ListExecIDs.
type SyncTx interface {
	ReplacePositions(ctx context.Context, rows []domain.Position) error
	ReplaceSummary(ctx context.Context, row domain.AccountSummary) error
	ListExecIDs(ctx context.Context) (map[string]struct{}, error)
	AppendTrades(ctx context.Context, rows []domain.Trade) error
	TouchSyncedAt(ctx context.Context, at time.Time) error
	Commit() error
	Rollback() error
}
