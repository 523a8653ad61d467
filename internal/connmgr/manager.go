// Package connmgr owns the pool of live gateway sessions, one per
// broker account. It serializes connect attempts per account, reuses
// healthy sessions, redials dropped ones and tears everything down at
// shutdown.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"foliotrack/internal/domain"
	"foliotrack/internal/ibkr"
)

// ErrConnect marks a failed connect or reconnect attempt. Transient:
// the pool holds no entry afterwards, so the next Acquire retries from
// scratch.
var ErrConnect = errors.New("gateway connect failed")

type Manager struct {
	dialer         ibkr.Dialer
	connectTimeout time.Duration
	defaultHost    string
	defaultPort    int
	log            zerolog.Logger

	// locks holds one mutex per account id ever seen. Entries are
	// created with LoadOrStore and never removed, bounding growth to
	// the number of distinct accounts.
	locks sync.Map

	mu       sync.Mutex
	sessions map[int64]ibkr.Session
}

func New(dialer ibkr.Dialer, connectTimeout time.Duration, defaultHost string, defaultPort int, log zerolog.Logger) *Manager {
	return &Manager{
		dialer:         dialer,
		connectTimeout: connectTimeout,
		defaultHost:    defaultHost,
		defaultPort:    defaultPort,
		log:            log.With().Str("component", "connmgr").Logger(),
		sessions:       make(map[int64]ibkr.Session),
	}
}

// Acquire returns a live session for the account, connecting or
// reconnecting as needed. Concurrent callers for the same account are
// serialized; callers for different accounts proceed in parallel. On
// failure no pool entry remains, and the error wraps ErrConnect.
//
// Reconnects use the connection parameters on the account value passed
// in, so host/port edits take effect the next time a stale session is
// repaired.
func (m *Manager) Acquire(ctx context.Context, account domain.BrokerAccount) (ibkr.Session, error) {
	lock := m.lockFor(account.ID)
	lock.Lock()
	defer lock.Unlock()

	if sess, ok := m.lookup(account.ID); ok {
		if sess.IsLive() {
			return sess, nil
		}
		// Stale: discard and redial below.
		m.log.Info().Int64("account_id", account.ID).Msg("session stale, reconnecting")
		if err := sess.Close(); err != nil {
			m.log.Warn().Err(err).Int64("account_id", account.ID).Msg("close stale session")
		}
		m.remove(account.ID)
	}

	sess, err := m.dial(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("account %d: %w: %w", account.ID, ErrConnect, err)
	}

	m.mu.Lock()
	m.sessions[account.ID] = sess
	m.mu.Unlock()

	m.log.Info().
		Int64("account_id", account.ID).
		Str("host", hostOr(account.ConnHost, m.defaultHost)).
		Int("port", portOr(account.ConnPort, m.defaultPort)).
		Msg("gateway session established")
	return sess, nil
}

// Release closes and removes the account's pool entry if present.
// No-op when absent. Disconnect errors are logged, never returned.
func (m *Manager) Release(accountID int64) {
	lock := m.lockFor(accountID)
	lock.Lock()
	defer lock.Unlock()

	sess, ok := m.lookup(accountID)
	if !ok {
		return
	}
	if err := sess.Close(); err != nil {
		m.log.Warn().Err(err).Int64("account_id", accountID).Msg("disconnect failed")
	}
	m.remove(accountID)
	m.log.Info().Int64("account_id", accountID).Msg("gateway session released")
}

// ReleaseAll closes every pool entry known at the time of the call.
// Entries created concurrently are intentionally left alone; shutdown
// callers stop creating sessions first.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Release(id)
	}
}

// Status reports whether a pool entry exists and whether its session
// is live. Advisory only: it does not take the per-account lock, so a
// concurrent acquire or release may race it benignly.
func (m *Manager) Status(accountID int64) (exists, live bool) {
	sess, ok := m.lookup(accountID)
	if !ok {
		return false, false
	}
	return true, sess.IsLive()
}

func (m *Manager) dial(ctx context.Context, account domain.BrokerAccount) (ibkr.Session, error) {
	host := hostOr(account.ConnHost, m.defaultHost)
	port := portOr(account.ConnPort, m.defaultPort)
	clientID := account.ClientID
	if clientID == 0 {
		clientID = account.ID
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	return m.dialer.Dial(dialCtx, host, port, clientID)
}

func (m *Manager) lockFor(accountID int64) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(accountID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (m *Manager) lookup(accountID int64) (ibkr.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[accountID]
	return sess, ok
}

func (m *Manager) remove(accountID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, accountID)
}

func hostOr(host, fallback string) string {
	if host == "" {
		return fallback
	}
	return host
}

func portOr(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}
