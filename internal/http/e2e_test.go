package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"foliotrack/internal/config"
	"foliotrack/internal/connmgr"
	"foliotrack/internal/ibkr"
	"foliotrack/internal/store/memory"
	syncpkg "foliotrack/internal/sync"
)

func testConfig() config.Config {
	return config.Config{
		JWTSecret:          "jwt-secret",
		TokenTTL:           time.Hour,
		CORSAllowedOrigins: "http://localhost:4200",
		IBKRDefaultHost:    "127.0.0.1",
		IBKRDefaultPort:    7497,
		ConnectTimeout:     time.Second,
		SyncReadTimeout:    time.Second,
		SyncCycleTimeout:   5 * time.Second,
		SyncMaxConcurrent:  4,
	}
}

func newTestServer(t *testing.T, dialer *ibkr.SimDialer) *httptest.Server {
	t.Helper()
	cfg := testConfig()
	st := memory.NewStore()
	conns := connmgr.New(dialer, cfg.ConnectTimeout, cfg.IBKRDefaultHost, cfg.IBKRDefaultPort, zerolog.Nop())
	syncer := syncpkg.NewSyncer(st, conns, cfg.SyncReadTimeout, cfg.SyncCycleTimeout, zerolog.Nop())
	sched := syncpkg.NewScheduler(syncer, cfg.SyncMaxConcurrent, 0, nil, nil, zerolog.Nop())
	srv := NewServer(cfg, st, conns, sched, zerolog.Nop())
	api := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		api.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sched.Shutdown(ctx)
		conns.ReleaseAll()
	})
	return api
}

func TestE2E_ConnectSyncAndReadPortfolio(t *testing.T) {
	dialer := ibkr.NewSimDialer()
	dialer.Seed(
		[]ibkr.PositionRaw{{Symbol: "AAPL", Qty: 100, AvgCost: 150}},
		[]ibkr.SummaryTag{{Tag: ibkr.TagTotalCashValue, Value: "50000"}},
		[]ibkr.ExecutionRaw{{
			ExecID: "E1", OrderID: "41", Symbol: "AAPL", Side: "BUY",
			Qty: 100, Price: 150, Time: time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC),
		}},
	)
	api := newTestServer(t, dialer)
	client := &http.Client{Timeout: 5 * time.Second}

	registerResp := postJSON(t, client, api.URL+"/api/auth/register", map[string]string{
		"username": "alice",
		"password": "s3cret",
	}, "")
	token := strField(t, registerResp, "access_token")
	if token == "" {
		t.Fatal("expected access token")
	}

	// Login works with the same credentials.
	loginResp := postJSON(t, client, api.URL+"/api/auth/login", map[string]string{
		"username": "alice",
		"password": "s3cret",
	}, "")
	if strField(t, loginResp, "access_token") == "" {
		t.Fatal("expected login token")
	}

	connectResp := postJSON(t, client, api.URL+"/api/broker/connect", map[string]interface{}{
		"broker":       "ibkr",
		"account_code": "U1234567",
		"conn_host":    "127.0.0.1",
		"conn_port":    7497,
		"client_id":    7,
	}, token)
	if got := strField(t, connectResp, "status"); got != "active" {
		t.Fatalf("expected active status after connect, got %q", got)
	}
	accountID, ok := numField(connectResp, "id")
	if !ok {
		t.Fatal("expected account id in connect response")
	}

	statusURL := fmt.Sprintf("%s/api/broker/status/%d", api.URL, int64(accountID))
	statusResp := getJSON(t, client, statusURL, token)
	if !boolField(statusResp, "connection_exists") || !boolField(statusResp, "connection_active") {
		t.Fatalf("expected live connection, got %#v", statusResp)
	}

	// The initial sync runs in the background; poll until positions land.
	waitFor(t, 3*time.Second, func() bool {
		positions := getJSONList(t, client, api.URL+"/api/portfolio", token)
		return len(positions) == 1
	}, "initial sync to populate portfolio")

	trades := getJSONList(t, client, api.URL+"/api/portfolio/trades", token)
	if len(trades) != 1 || trades[0]["exec_id"] != "E1" {
		t.Fatalf("unexpected trades: %#v", trades)
	}

	summaries := getJSONList(t, client, api.URL+"/api/portfolio/account-summary", token)
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary, got %#v", summaries)
	}
	if cash, _ := numField(summaries[0], "total_cash"); cash != 50000 {
		t.Fatalf("expected total_cash=50000, got %v", cash)
	}

	analyticsResp := getJSON(t, client, api.URL+"/api/portfolio/analytics", token)
	if n, _ := numField(analyticsResp, "position_count"); n != 1 {
		t.Fatalf("expected position_count=1, got %v", n)
	}

	// Manual re-sync is accepted and idempotent for trades.
	syncURL := fmt.Sprintf("%s/api/broker/sync/%d", api.URL, int64(accountID))
	syncResp := postJSON(t, client, syncURL, map[string]interface{}{}, token)
	if strField(t, syncResp, "status") != "sync_started" {
		t.Fatalf("unexpected sync response: %#v", syncResp)
	}
	waitFor(t, 3*time.Second, func() bool {
		return len(getJSONList(t, client, api.URL+"/api/portfolio/trades", token)) == 1
	}, "re-sync to stay idempotent")

	// Disconnect removes the pool entry and the record.
	disconnectURL := fmt.Sprintf("%s/api/broker/disconnect/%d", api.URL, int64(accountID))
	req, err := http.NewRequest(http.MethodDelete, disconnectURL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on disconnect, got %d", resp.StatusCode)
	}

	accounts := getJSONList(t, client, api.URL+"/api/broker/accounts", token)
	if len(accounts) != 0 {
		t.Fatalf("expected no accounts after disconnect, got %#v", accounts)
	}
}

func TestE2E_ConnectFailureMarksAccountError(t *testing.T) {
	dialer := ibkr.NewSimDialer()
	dialer.FailDials(errors.New("gateway refused"))
	api := newTestServer(t, dialer)
	client := &http.Client{Timeout: 5 * time.Second}

	registerResp := postJSON(t, client, api.URL+"/api/auth/register", map[string]string{
		"username": "bob",
		"password": "s3cret",
	}, "")
	token := strField(t, registerResp, "access_token")

	body, _ := json.Marshal(map[string]interface{}{
		"broker":       "ibkr",
		"account_code": "U999",
	})
	req, err := http.NewRequest(http.MethodPost, api.URL+"/api/broker/connect", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 on failed connect, got %d", resp.StatusCode)
	}

	// The record survives with status=error so the user can see it.
	accounts := getJSONList(t, client, api.URL+"/api/broker/accounts", token)
	if len(accounts) != 1 || accounts[0]["status"] != "error" {
		t.Fatalf("expected one account with status=error, got %#v", accounts)
	}
}

func TestE2E_ProtectedRoutesRejectMissingToken(t *testing.T) {
	api := newTestServer(t, ibkr.NewSimDialer())
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(api.URL + "/api/portfolio")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func postJSON(t *testing.T, client *http.Client, url string, payload interface{}, bearerToken string) map[string]interface{} {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var data map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&data)
		t.Fatalf("non-2xx status=%d body=%#v", resp.StatusCode, data)
	}
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func getJSON(t *testing.T, client *http.Client, url string, bearerToken string) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	getInto(t, client, url, bearerToken, &out)
	return out
}

func getJSONList(t *testing.T, client *http.Client, url string, bearerToken string) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	getInto(t, client, url, bearerToken, &out)
	return out
}

func getInto(t *testing.T, client *http.Client, url string, bearerToken string, target interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var data map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&data)
		t.Fatalf("non-2xx status=%d body=%#v", resp.StatusCode, data)
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func strField(t *testing.T, m map[string]interface{}, key string) string {
	t.Helper()
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func boolField(m map[string]interface{}, key string) bool {
	v, ok := m[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func numField(m map[string]interface{}, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	n, ok := v.(float64)
	return n, ok
}
