package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"foliotrack/internal/config"
	"foliotrack/internal/connmgr"
	"foliotrack/internal/domain"
	"foliotrack/internal/security/password"
	"foliotrack/internal/service/analytics"
	storepkg "foliotrack/internal/store"
	syncpkg "foliotrack/internal/sync"
)

type contextKey string

const contextKeyUser contextKey = "authenticated_user"

type authUser struct {
	ID       int64
	Username string
	Role     string
}

type Server struct {
	cfg   config.Config
	store storepkg.Store
	conns *connmgr.Manager
	sched *syncpkg.Scheduler
	log   zerolog.Logger
}

func NewServer(cfg config.Config, store storepkg.Store, conns *connmgr.Manager, sched *syncpkg.Scheduler, log zerolog.Logger) *Server {
	return &Server{
		cfg:   cfg,
		store: store,
		conns: conns,
		sched: sched,
		log:   log.With().Str("component", "http").Logger(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(s.cfg.CORSAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", s.handleHealth)

	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(protected chi.Router) {
		protected.Use(s.requireUser)

		protected.Post("/api/broker/connect", s.handleBrokerConnect)
		protected.Post("/api/broker/sync/{accountID}", s.handleBrokerSync)
		protected.Get("/api/broker/accounts", s.handleListBrokerAccounts)
		protected.Delete("/api/broker/disconnect/{accountID}", s.handleBrokerDisconnect)
		protected.Get("/api/broker/status/{accountID}", s.handleBrokerStatus)

		protected.Get("/api/portfolio", s.handlePortfolio)
		protected.Get("/api/portfolio/broker/{accountID}", s.handlePortfolioByBroker)
		protected.Get("/api/portfolio/trades", s.handleTrades)
		protected.Get("/api/portfolio/account-summary", s.handleSummaries)
		protected.Get("/api/portfolio/account-summary/{accountID}", s.handleSummaryByBroker)
		protected.Get("/api/portfolio/analytics", s.handleAnalytics)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
		"sync":   s.sched.Stats(),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}

	hash, err := password.Hash(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}
	user, err := s.store.CreateUser(r.Context(), req.Username, hash, req.Role)
	if err != nil {
		if errors.Is(err, storepkg.ErrDuplicate) {
			writeError(w, http.StatusBadRequest, "username already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	s.writeToken(w, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := s.store.UserByUsername(r.Context(), req.Username)
	if err != nil || !password.Verify(req.Password, user.PasswordHash) {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}

	s.writeToken(w, user)
}

func (s *Server) writeToken(w http.ResponseWriter, user domain.User) {
	token, expiresAt, err := s.signToken(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_at":   expiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleBrokerConnect(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}
	var req struct {
		Broker      string `json:"broker"`
		AccountCode string `json:"account_code"`
		ConnHost    string `json:"conn_host"`
		ConnPort    int    `json:"conn_port"`
		ClientID    int64  `json:"client_id"`
		Label       string `json:"label"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Broker == "" || req.AccountCode == "" {
		writeError(w, http.StatusBadRequest, "broker and account_code are required")
		return
	}

	account, err := s.store.CreateBrokerAccount(r.Context(), domain.BrokerAccount{
		UserID:      user.ID,
		Broker:      domain.BrokerName(req.Broker),
		AccountCode: req.AccountCode,
		ConnHost:    req.ConnHost,
		ConnPort:    req.ConnPort,
		ClientID:    req.ClientID,
		Status:      domain.AccountStatusPending,
		Label:       req.Label,
	})
	if err != nil {
		if errors.Is(err, storepkg.ErrDuplicate) {
			writeError(w, http.StatusBadRequest, "broker account already connected")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create broker account")
		return
	}

	// Validate reachability before reporting the account active.
	if _, err := s.conns.Acquire(r.Context(), account); err != nil {
		s.log.Warn().Err(err).Int64("account_id", account.ID).Msg("broker connect failed")
		_ = s.store.SetBrokerAccountStatus(r.Context(), account.ID, domain.AccountStatusError, nil)
		writeError(w, http.StatusBadGateway, "connection failed: "+err.Error())
		return
	}

	now := time.Now().UTC()
	if err := s.store.SetBrokerAccountStatus(r.Context(), account.ID, domain.AccountStatusActive, &now); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update broker account")
		return
	}
	account.Status = domain.AccountStatusActive
	account.ConnectedAt = &now

	// Initial sync runs in the background; the response does not wait.
	s.sched.Enqueue(account.ID, user.ID)

	writeJSON(w, http.StatusCreated, account)
}

func (s *Server) handleBrokerSync(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}
	accountID, err := accountIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	account, err := s.store.BrokerAccountForUser(r.Context(), accountID, user.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "broker account not found")
		return
	}

	accepted := s.sched.Enqueue(account.ID, user.ID)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":            "sync_started",
		"accepted":          accepted,
		"broker_account_id": account.ID,
	})
}

func (s *Server) handleListBrokerAccounts(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}
	accounts, err := s.store.ListBrokerAccounts(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list broker accounts")
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) handleBrokerDisconnect(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}
	accountID, err := accountIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	if _, err := s.store.BrokerAccountForUser(r.Context(), accountID, user.ID); err != nil {
		writeError(w, http.StatusNotFound, "broker account not found")
		return
	}

	s.conns.Release(accountID)
	if err := s.store.DeleteBrokerAccount(r.Context(), accountID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete broker account")
		return
	}
	s.log.Info().Int64("account_id", accountID).Msg("broker account disconnected and deleted")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "disconnected",
		"broker_account_id": accountID,
	})
}

func (s *Server) handleBrokerStatus(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}
	accountID, err := accountIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	account, err := s.store.BrokerAccountForUser(r.Context(), accountID, user.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, "broker account not found")
		return
	}

	// Stored status and live pool state are reported side by side;
	// they can legitimately disagree.
	exists, live := s.conns.Status(accountID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"broker_account_id": accountID,
		"db_status":         account.Status,
		"connection_exists": exists,
		"connection_active": live,
		"connected_at":      account.ConnectedAt,
		"synced_at":         account.SyncedAt,
	})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}
	positions, err := s.store.Positions(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load positions")
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handlePortfolioByBroker(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}
	accountID, err := accountIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	if _, err := s.store.BrokerAccountForUser(r.Context(), accountID, user.ID); err != nil {
		writeError(w, http.StatusNotFound, "broker account not found")
		return
	}
	positions, err := s.store.PositionsByAccount(r.Context(), user.ID, accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load positions")
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 100)
	trades, err := s.store.Trades(r.Context(), user.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load trades")
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}
	summaries, err := s.store.Summaries(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load summaries")
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleSummaryByBroker(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}
	accountID, err := accountIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	summary, err := s.store.SummaryByAccount(r.Context(), user.ID, accountID)
	if err != nil {
		if errors.Is(err, storepkg.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account summary not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load summary")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}
	positions, err := s.store.Positions(r.Context(), user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load positions")
		return
	}
	writeJSON(w, http.StatusOK, analytics.Compute(positions))
}

func (s *Server) signToken(user domain.User) (string, time.Time, error) {
	expiresAt := time.Now().UTC().Add(s.cfg.TokenTTL)
	claims := jwt.MapClaims{
		"sub":  user.Username,
		"uid":  user.ID,
		"role": user.Role,
		"exp":  expiresAt.Unix(),
		"iat":  time.Now().UTC().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		parsed, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !parsed.Valid {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid claims")
			return
		}
		sub, _ := claims["sub"].(string)
		uid, _ := claims["uid"].(float64)
		role, _ := claims["role"].(string)
		if sub == "" || uid <= 0 {
			writeError(w, http.StatusUnauthorized, "invalid claims")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyUser, authUser{
			ID:       int64(uid),
			Username: sub,
			Role:     role,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) (authUser, error) {
	user, ok := ctx.Value(contextKeyUser).(authUser)
	if !ok {
		return authUser{}, errors.New("user not found in context")
	}
	return user, nil
}

func accountIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "accountID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid account id")
	}
	return id, nil
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func parseInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		out = []string{"*"}
	}
	return out
}

func decodeJSON(r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
