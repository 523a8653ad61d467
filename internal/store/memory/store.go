package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"foliotrack/internal/domain"
	"foliotrack/internal/store"
)

// Store is the in-memory implementation, used in tests and when no
// database is configured.
type Store struct {
	mu sync.RWMutex

	nextID int64

	users          map[int64]domain.User
	usersByName    map[string]int64
	brokerAccounts map[int64]domain.BrokerAccount
	positions      map[int64][]domain.Position     // keyed by broker account id
	trades         map[int64][]domain.Trade        // keyed by broker account id
	summaries      map[int64]domain.AccountSummary // keyed by broker account id
}

func NewStore() *Store {
	return &Store{
		users:          make(map[int64]domain.User),
		usersByName:    make(map[string]int64),
		brokerAccounts: make(map[int64]domain.BrokerAccount),
		positions:      make(map[int64][]domain.Position),
		trades:         make(map[int64][]domain.Trade),
		summaries:      make(map[int64]domain.AccountSummary),
	}
}

func (s *Store) allocID() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) CreateUser(_ context.Context, username, passwordHash, role string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usersByName[username]; ok {
		return domain.User{}, store.ErrDuplicate
	}
	user := domain.User{
		ID:           s.allocID(),
		Username:     username,
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	s.users[user.ID] = user
	s.usersByName[username] = user.ID
	return user, nil
}

func (s *Store) UserByUsername(_ context.Context, username string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByName[username]
	if !ok {
		return domain.User{}, store.ErrNotFound
	}
	return s.users[id], nil
}

func (s *Store) CreateBrokerAccount(_ context.Context, account domain.BrokerAccount) (domain.BrokerAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.brokerAccounts {
		if existing.UserID == account.UserID &&
			existing.Broker == account.Broker &&
			existing.AccountCode == account.AccountCode {
			return domain.BrokerAccount{}, store.ErrDuplicate
		}
	}
	account.ID = s.allocID()
	account.CreatedAt = time.Now().UTC()
	if account.Status == "" {
		account.Status = domain.AccountStatusPending
	}
	s.brokerAccounts[account.ID] = account
	return account, nil
}

func (s *Store) BrokerAccount(_ context.Context, id int64) (domain.BrokerAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.brokerAccounts[id]
	if !ok {
		return domain.BrokerAccount{}, store.ErrNotFound
	}
	return account, nil
}

func (s *Store) BrokerAccountForUser(_ context.Context, id, userID int64) (domain.BrokerAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.brokerAccounts[id]
	if !ok || account.UserID != userID {
		return domain.BrokerAccount{}, store.ErrNotFound
	}
	return account, nil
}

func (s *Store) ListBrokerAccounts(_ context.Context, userID int64) ([]domain.BrokerAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.BrokerAccount, 0, 4)
	for _, account := range s.brokerAccounts {
		if account.UserID == userID {
			out = append(out, account)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteBrokerAccount(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.brokerAccounts[id]; !ok {
		return store.ErrNotFound
	}
	// Cascade, matching the relational schema.
	delete(s.brokerAccounts, id)
	delete(s.positions, id)
	delete(s.trades, id)
	delete(s.summaries, id)
	return nil
}

func (s *Store) SetBrokerAccountStatus(_ context.Context, id int64, status domain.AccountStatus, connectedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.brokerAccounts[id]
	if !ok {
		return store.ErrNotFound
	}
	account.Status = status
	if connectedAt != nil {
		account.ConnectedAt = connectedAt
	}
	s.brokerAccounts[id] = account
	return nil
}

func (s *Store) Positions(_ context.Context, userID int64) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Position, 0, 16)
	for _, rows := range s.positions {
		for _, p := range rows {
			if p.UserID == userID {
				out = append(out, p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *Store) PositionsByAccount(_ context.Context, userID, accountID int64) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Position, 0, 16)
	for _, p := range s.positions[accountID] {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *Store) Trades(_ context.Context, userID int64, limit int) ([]domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]domain.Trade, 0, limit)
	for _, rows := range s.trades {
		for _, tr := range rows {
			if tr.UserID == userID {
				out = append(out, tr)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeTime.After(out[j].TradeTime) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Summaries(_ context.Context, userID int64) ([]domain.AccountSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AccountSummary, 0, 4)
	for _, summary := range s.summaries {
		if summary.UserID == userID {
			out = append(out, summary)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerAccountID < out[j].BrokerAccountID })
	return out, nil
}

func (s *Store) SummaryByAccount(_ context.Context, userID, accountID int64) (domain.AccountSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary, ok := s.summaries[accountID]
	if !ok || summary.UserID != userID {
		return domain.AccountSummary{}, store.ErrNotFound
	}
	return summary, nil
}

// BeginSync returns a transaction that stages all writes in memory and
// applies them atomically on Commit.
func (s *Store) BeginSync(_ context.Context, accountID, userID int64) (store.SyncTx, error) {
	return &syncTx{store: s, accountID: accountID, userID: userID}, nil
}

type syncTx struct {
	store     *Store
	accountID int64
	userID    int64
	done      bool

	replacePositions bool
	positions        []domain.Position
	replaceSummary   bool
	summary          domain.AccountSummary
	appended         []domain.Trade
	syncedAt         *time.Time
}

func (tx *syncTx) ReplacePositions(_ context.Context, rows []domain.Position) error {
	if tx.done {
		return fmt.Errorf("sync tx already finished")
	}
	tx.replacePositions = true
	tx.positions = slices.Clone(rows)
	return nil
}

func (tx *syncTx) ReplaceSummary(_ context.Context, row domain.AccountSummary) error {
	if tx.done {
		return fmt.Errorf("sync tx already finished")
	}
	tx.replaceSummary = true
	tx.summary = row
	return nil
}

func (tx *syncTx) ListExecIDs(_ context.Context) (map[string]struct{}, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	ids := make(map[string]struct{})
	for _, tr := range tx.store.trades[tx.accountID] {
		ids[tr.ExecID] = struct{}{}
	}
	return ids, nil
}

func (tx *syncTx) AppendTrades(_ context.Context, rows []domain.Trade) error {
	if tx.done {
		return fmt.Errorf("sync tx already finished")
	}
	tx.appended = append(tx.appended, rows...)
	return nil
}

func (tx *syncTx) TouchSyncedAt(_ context.Context, at time.Time) error {
	if tx.done {
		return fmt.Errorf("sync tx already finished")
	}
	tx.syncedAt = &at
	return nil
}

func (tx *syncTx) Commit() error {
	if tx.done {
		return fmt.Errorf("sync tx already finished")
	}
	tx.done = true

	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if tx.replacePositions {
		rows := make([]domain.Position, 0, len(tx.positions))
		for _, p := range tx.positions {
			p.ID = s.allocID()
			p.UserID = tx.userID
			p.BrokerAccountID = tx.accountID
			p.UpdatedAt = now
			rows = append(rows, p)
		}
		s.positions[tx.accountID] = rows
	}
	if tx.replaceSummary {
		summary := tx.summary
		summary.ID = s.allocID()
		summary.UserID = tx.userID
		summary.BrokerAccountID = tx.accountID
		summary.UpdatedAt = now
		s.summaries[tx.accountID] = summary
	}
	for _, tr := range tx.appended {
		tr.ID = s.allocID()
		tr.UserID = tx.userID
		tr.BrokerAccountID = tx.accountID
		tr.CreatedAt = now
		s.trades[tx.accountID] = append(s.trades[tx.accountID], tr)
	}
	if tx.syncedAt != nil {
		if account, ok := s.brokerAccounts[tx.accountID]; ok {
			account.SyncedAt = tx.syncedAt
			s.brokerAccounts[tx.accountID] = account
		}
	}
	return nil
}

func (tx *syncTx) Rollback() error {
	tx.done = true
	return nil
}
