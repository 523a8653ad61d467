package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"foliotrack/internal/domain"
	"foliotrack/internal/store"
)

// Store is the postgres implementation of store.Store.
type Store struct {
	db *sql.DB
}

func NewStore(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`create table if not exists users (
			id bigserial primary key,
			username text not null unique,
			password_hash text not null,
			role text not null default 'user',
			created_at timestamptz not null default now()
		)`,
		`create table if not exists broker_accounts (
			id bigserial primary key,
			user_id bigint not null references users(id) on delete cascade,
			broker text not null,
			account_code text not null,
			conn_host text,
			conn_port int,
			client_id bigint,
			status text not null default 'pending',
			label text,
			connected_at timestamptz,
			synced_at timestamptz,
			created_at timestamptz not null default now(),
			unique (user_id, broker, account_code)
		)`,
		`create table if not exists positions (
			id bigserial primary key,
			user_id bigint not null references users(id) on delete cascade,
			broker_account_id bigint not null references broker_accounts(id) on delete cascade,
			symbol text not null,
			quantity double precision not null,
			avg_cost double precision not null,
			current_price double precision,
			market_value double precision not null default 0,
			unrealized_pnl double precision not null default 0,
			realized_pnl double precision not null default 0,
			updated_at timestamptz not null default now(),
			unique (broker_account_id, symbol)
		)`,
		`create table if not exists trades (
			id bigserial primary key,
			user_id bigint not null references users(id) on delete cascade,
			broker_account_id bigint not null references broker_accounts(id) on delete cascade,
			exec_id text not null,
			order_id text,
			symbol text not null,
			side text not null,
			qty double precision not null,
			price double precision not null,
			realized_pnl double precision,
			trade_time timestamptz not null,
			created_at timestamptz not null default now(),
			unique (broker_account_id, exec_id)
		)`,
		`create table if not exists account_summaries (
			id bigserial primary key,
			user_id bigint not null references users(id) on delete cascade,
			broker_account_id bigint not null references broker_accounts(id) on delete cascade unique,
			total_cash double precision not null default 0,
			net_liquidation double precision not null default 0,
			equity_with_loan double precision not null default 0,
			buying_power double precision not null default 0,
			updated_at timestamptz not null default now()
		)`,
		`create index if not exists ix_trades_user_ba_time on trades(user_id, broker_account_id, trade_time desc)`,
		`create index if not exists ix_positions_user_ba on positions(user_id, broker_account_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, username, passwordHash, role string) (domain.User, error) {
	user := domain.User{Username: username, PasswordHash: passwordHash, Role: role}
	err := s.db.QueryRowContext(ctx,
		`insert into users(username, password_hash, role) values ($1, $2, $3)
		 returning id, created_at`,
		username, passwordHash, role,
	).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		return domain.User{}, mapErr(err)
	}
	return user, nil
}

func (s *Store) UserByUsername(ctx context.Context, username string) (domain.User, error) {
	var user domain.User
	err := s.db.QueryRowContext(ctx,
		`select id, username, password_hash, role, created_at from users where username = $1`,
		username,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return domain.User{}, mapErr(err)
	}
	return user, nil
}

func (s *Store) CreateBrokerAccount(ctx context.Context, account domain.BrokerAccount) (domain.BrokerAccount, error) {
	if account.Status == "" {
		account.Status = domain.AccountStatusPending
	}
	err := s.db.QueryRowContext(ctx,
		`insert into broker_accounts(user_id, broker, account_code, conn_host, conn_port, client_id, status, label)
		 values ($1, $2, $3, nullif($4, ''), nullif($5, 0), nullif($6, 0), $7, nullif($8, ''))
		 returning id, created_at`,
		account.UserID, string(account.Broker), account.AccountCode,
		account.ConnHost, account.ConnPort, account.ClientID,
		string(account.Status), account.Label,
	).Scan(&account.ID, &account.CreatedAt)
	if err != nil {
		return domain.BrokerAccount{}, mapErr(err)
	}
	return account, nil
}

const brokerAccountColumns = `id, user_id, broker, account_code,
	coalesce(conn_host, ''), coalesce(conn_port, 0), coalesce(client_id, 0),
	status, coalesce(label, ''), connected_at, synced_at, created_at`

func (s *Store) BrokerAccount(ctx context.Context, id int64) (domain.BrokerAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+brokerAccountColumns+` from broker_accounts where id = $1`, id)
	return scanBrokerAccount(row)
}

func (s *Store) BrokerAccountForUser(ctx context.Context, id, userID int64) (domain.BrokerAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+brokerAccountColumns+` from broker_accounts where id = $1 and user_id = $2`,
		id, userID)
	return scanBrokerAccount(row)
}

func (s *Store) ListBrokerAccounts(ctx context.Context, userID int64) ([]domain.BrokerAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+brokerAccountColumns+` from broker_accounts where user_id = $1 order by id`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.BrokerAccount, 0, 4)
	for rows.Next() {
		account, err := scanBrokerAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, account)
	}
	return out, rows.Err()
}

func (s *Store) DeleteBrokerAccount(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `delete from broker_accounts where id = $1`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetBrokerAccountStatus(ctx context.Context, id int64, status domain.AccountStatus, connectedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`update broker_accounts set status = $2, connected_at = coalesce($3, connected_at) where id = $1`,
		id, string(status), connectedAt)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

const positionColumns = `id, user_id, broker_account_id, symbol, quantity, avg_cost,
	current_price, market_value, unrealized_pnl, realized_pnl, updated_at`

func (s *Store) Positions(ctx context.Context, userID int64) ([]domain.Position, error) {
	return s.queryPositions(ctx,
		`select `+positionColumns+` from positions where user_id = $1 order by symbol`, userID)
}

func (s *Store) PositionsByAccount(ctx context.Context, userID, accountID int64) ([]domain.Position, error) {
	return s.queryPositions(ctx,
		`select `+positionColumns+` from positions where user_id = $1 and broker_account_id = $2 order by symbol`,
		userID, accountID)
}

func (s *Store) queryPositions(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Position, 0, 16)
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(
			&p.ID, &p.UserID, &p.BrokerAccountID, &p.Symbol, &p.Quantity, &p.AvgCost,
			&p.CurrentPrice, &p.MarketValue, &p.UnrealizedPnL, &p.RealizedPnL, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) Trades(ctx context.Context, userID int64, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`select id, user_id, broker_account_id, exec_id, coalesce(order_id, ''), symbol, side,
			qty, price, realized_pnl, trade_time, created_at
		 from trades where user_id = $1 order by trade_time desc limit $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Trade, 0, limit)
	for rows.Next() {
		var tr domain.Trade
		if err := rows.Scan(
			&tr.ID, &tr.UserID, &tr.BrokerAccountID, &tr.ExecID, &tr.OrderID, &tr.Symbol, &tr.Side,
			&tr.Qty, &tr.Price, &tr.RealizedPnL, &tr.TradeTime, &tr.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

const summaryColumns = `id, user_id, broker_account_id, total_cash, net_liquidation,
	equity_with_loan, buying_power, updated_at`

func (s *Store) Summaries(ctx context.Context, userID int64) ([]domain.AccountSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+summaryColumns+` from account_summaries where user_id = $1 order by broker_account_id`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.AccountSummary, 0, 4)
	for rows.Next() {
		var summary domain.AccountSummary
		if err := rows.Scan(
			&summary.ID, &summary.UserID, &summary.BrokerAccountID, &summary.TotalCash,
			&summary.NetLiquidation, &summary.EquityWithLoan, &summary.BuyingPower, &summary.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}

func (s *Store) SummaryByAccount(ctx context.Context, userID, accountID int64) (domain.AccountSummary, error) {
	var summary domain.AccountSummary
	err := s.db.QueryRowContext(ctx,
		`select `+summaryColumns+` from account_summaries where user_id = $1 and broker_account_id = $2`,
		userID, accountID,
	).Scan(
		&summary.ID, &summary.UserID, &summary.BrokerAccountID, &summary.TotalCash,
		&summary.NetLiquidation, &summary.EquityWithLoan, &summary.BuyingPower, &summary.UpdatedAt,
	)
	if err != nil {
		return domain.AccountSummary{}, mapErr(err)
	}
	return summary, nil
}

// BeginSync opens one database transaction covering the whole cycle.
func (s *Store) BeginSync(ctx context.Context, accountID, userID int64) (store.SyncTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin sync tx: %w", err)
	}
	return &syncTx{tx: tx, accountID: accountID, userID: userID}, nil
}

type syncTx struct {
	tx        *sql.Tx
	accountID int64
	userID    int64
}

func (t *syncTx) ReplacePositions(ctx context.Context, rows []domain.Position) error {
	if _, err := t.tx.ExecContext(ctx,
		`delete from positions where user_id = $1 and broker_account_id = $2`,
		t.userID, t.accountID); err != nil {
		return fmt.Errorf("delete positions: %w", err)
	}
	for _, p := range rows {
		if _, err := t.tx.ExecContext(ctx,
			`insert into positions(user_id, broker_account_id, symbol, quantity, avg_cost,
				current_price, market_value, unrealized_pnl, realized_pnl)
			 values ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			t.userID, t.accountID, p.Symbol, p.Quantity, p.AvgCost,
			p.CurrentPrice, p.MarketValue, p.UnrealizedPnL, p.RealizedPnL,
		); err != nil {
			return fmt.Errorf("insert position %s: %w", p.Symbol, err)
		}
	}
	return nil
}

func (t *syncTx) ReplaceSummary(ctx context.Context, row domain.AccountSummary) error {
	if _, err := t.tx.ExecContext(ctx,
		`delete from account_summaries where user_id = $1 and broker_account_id = $2`,
		t.userID, t.accountID); err != nil {
		return fmt.Errorf("delete summary: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx,
		`insert into account_summaries(user_id, broker_account_id, total_cash, net_liquidation,
			equity_with_loan, buying_power)
		 values ($1, $2, $3, $4, $5, $6)`,
		t.userID, t.accountID, row.TotalCash, row.NetLiquidation, row.EquityWithLoan, row.BuyingPower,
	); err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	return nil
}

func (t *syncTx) ListExecIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := t.tx.QueryContext(ctx,
		`select exec_id from trades where broker_account_id = $1`, t.accountID)
	if err != nil {
		return nil, fmt.Errorf("list exec ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func (t *syncTx) AppendTrades(ctx context.Context, rows []domain.Trade) error {
	for _, tr := range rows {
		if _, err := t.tx.ExecContext(ctx,
			`insert into trades(user_id, broker_account_id, exec_id, order_id, symbol, side,
				qty, price, realized_pnl, trade_time)
			 values ($1, $2, $3, nullif($4, ''), $5, $6, $7, $8, $9, $10)`,
			t.userID, t.accountID, tr.ExecID, tr.OrderID, tr.Symbol, tr.Side,
			tr.Qty, tr.Price, tr.RealizedPnL, tr.TradeTime,
		); err != nil {
			return fmt.Errorf("insert trade %s: %w", tr.ExecID, err)
		}
	}
	return nil
}

func (t *syncTx) TouchSyncedAt(ctx context.Context, at time.Time) error {
	if _, err := t.tx.ExecContext(ctx,
		`update broker_accounts set synced_at = $2 where id = $1`, t.accountID, at); err != nil {
		return fmt.Errorf("touch synced_at: %w", err)
	}
	return nil
}

func (t *syncTx) Commit() error {
	return t.tx.Commit()
}

func (t *syncTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBrokerAccount(row rowScanner) (domain.BrokerAccount, error) {
	var account domain.BrokerAccount
	var broker, status string
	var connectedAt, syncedAt sql.NullTime
	err := row.Scan(
		&account.ID, &account.UserID, &broker, &account.AccountCode,
		&account.ConnHost, &account.ConnPort, &account.ClientID,
		&status, &account.Label, &connectedAt, &syncedAt, &account.CreatedAt,
	)
	if err != nil {
		return domain.BrokerAccount{}, mapErr(err)
	}
	account.Broker = domain.BrokerName(broker)
	account.Status = domain.AccountStatus(status)
	if connectedAt.Valid {
		t := connectedAt.Time
		account.ConnectedAt = &t
	}
	if syncedAt.Valid {
		t := syncedAt.Time
		account.SyncedAt = &t
	}
	return account, nil
}

func mapErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return store.ErrDuplicate
	}
	return err
}
