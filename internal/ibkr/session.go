// Package ibkr defines the session contract against the brokerage
// gateway. The wire protocol is out of scope here; callers consume the
// gateway through the opaque Session interface and obtain sessions
// from a Dialer.
package ibkr

import (
	"context"
	"errors"
	"time"
)

// ErrSessionClosed is returned by session reads after the underlying
// connection has been dropped or closed.
var ErrSessionClosed = errors.New("gateway session closed")

// Summary tags reported by the gateway that the sync pipeline cares
// about. Everything else is ignored.
const (
	TagTotalCashValue      = "TotalCashValue"
	TagNetLiquidation      = "NetLiquidation"
	TagEquityWithLoanValue = "EquityWithLoanValue"
	TagBuyingPower         = "BuyingPower"
)

// PositionRaw is one open position as reported by the gateway.
type PositionRaw struct {
	Symbol  string
	Qty     float64
	AvgCost float64
}

// SummaryTag is one tag/value pair from the gateway account summary.
// Values arrive as strings on the wire.
type SummaryTag struct {
	Tag   string
	Value string
}

// ExecutionRaw is one trade execution from the gateway trade book.
// ExecID is the broker-assigned unique id.
type ExecutionRaw struct {
	ExecID      string
	OrderID     string
	Symbol      string
	Side        string
	Qty         float64
	Price       float64
	RealizedPnL *float64
	Time        time.Time
}

// Session is a live, stateful gateway session for exactly one broker
// account. Sessions are process-local and never shared across
// accounts; ownership sits with the connection manager.
type Session interface {
	// IsLive reports whether the underlying connection is still open.
	// Safe to call at any time.
	IsLive() bool

	// Positions fetches all open positions. Blocks on network I/O.
	Positions(ctx context.Context) ([]PositionRaw, error)

	// AccountSummary fetches the tag/value account summary.
	AccountSummary(ctx context.Context) ([]SummaryTag, error)

	// Executions fetches the trade book.
	Executions(ctx context.Context) ([]ExecutionRaw, error)

	// Close drops the underlying connection. Idempotent.
	Close() error
}

// Dialer opens gateway sessions. The clientID distinguishes concurrent
// sessions against the same gateway instance.
type Dialer interface {
	Dial(ctx context.Context, host string, port int, clientID int64) (Session, error)
}
