package domain

import "time"

type BrokerName string

const (
	BrokerIBKR   BrokerName = "ibkr"
	BrokerAlpaca BrokerName = "alpaca"
	BrokerDummy  BrokerName = "dummy"
)

type AccountStatus string

const (
	AccountStatusPending AccountStatus = "pending"
	AccountStatusActive  AccountStatus = "active"
	AccountStatusError   AccountStatus = "error"
	AccountStatusPaused  AccountStatus = "paused"
)

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// BrokerAccount identifies one brokerage account and the connection
// parameters for its gateway session.
type BrokerAccount struct {
	ID          int64         `json:"id"`
	UserID      int64         `json:"user_id"`
	Broker      BrokerName    `json:"broker"`
	AccountCode string        `json:"account_code"`
	ConnHost    string        `json:"conn_host,omitempty"`
	ConnPort    int           `json:"conn_port,omitempty"`
	ClientID    int64         `json:"client_id,omitempty"`
	Status      AccountStatus `json:"status"`
	Label       string        `json:"label,omitempty"`
	ConnectedAt *time.Time    `json:"connected_at,omitempty"`
	SyncedAt    *time.Time    `json:"synced_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

type Position struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	BrokerAccountID int64     `json:"broker_account_id"`
	Symbol          string    `json:"symbol"`
	Quantity        float64   `json:"quantity"`
	AvgCost         float64   `json:"avg_cost"`
	CurrentPrice    *float64  `json:"current_price,omitempty"`
	MarketValue     float64   `json:"market_value"`
	UnrealizedPnL   float64   `json:"unrealized_pnl"`
	RealizedPnL     float64   `json:"realized_pnl"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Trade is one broker-reported execution. (BrokerAccountID, ExecID) is
// the deduplication key for append-only ingestion.
type Trade struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	BrokerAccountID int64     `json:"broker_account_id"`
	ExecID          string    `json:"exec_id"`
	OrderID         string    `json:"order_id"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	Qty             float64   `json:"qty"`
	Price           float64   `json:"price"`
	RealizedPnL     *float64  `json:"realized_pnl,omitempty"`
	TradeTime       time.Time `json:"trade_time"`
	CreatedAt       time.Time `json:"created_at"`
}

// AccountSummary holds the latest gateway snapshot for one account,
// replaced wholesale every sync cycle.
type AccountSummary struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	BrokerAccountID int64     `json:"broker_account_id"`
	TotalCash       float64   `json:"total_cash"`
	NetLiquidation  float64   `json:"net_liquidation"`
	EquityWithLoan  float64   `json:"equity_with_loan"`
	BuyingPower     float64   `json:"buying_power"`
	UpdatedAt       time.Time `json:"updated_at"`
}
