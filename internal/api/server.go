package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"net/netip"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"payledger/internal/gateway"
	"payledger/internal/payments"
	"payledger/internal/ratelimit"
	"payledger/internal/rewards"
	"payledger/internal/store"
)

type Payments interface {
	CreateCharge(ctx context.Context, in payments.ChargeInput) (gateway.ChargeResult, error)
	Inquire(ctx context.Context, trackID string) (gateway.ChargeStatus, error)
	VerifySignature(body []byte, signature string) error
	HandleCallback(ctx context.Context, cb payments.Callback) (payments.CallbackOutcome, error)
}

type Referrals interface {
	Register(ctx context.Context, userID, referrerCode string, amount decimal.Decimal) (store.Referral, error)
	List(ctx context.Context, referrerCode string) ([]store.Referral, error)
}

type Rewards interface {
	Evaluate(ctx context.Context, userID, code string) (rewards.Evaluation, error)
}

// Ledger is the read and CRUD side of the store exposed over HTTP.
type Ledger interface {
	Ping(ctx context.Context) error
	GetDeposit(ctx context.Context, trackID string) (store.Deposit, error)
	ListDepositsByEmail(ctx context.Context, email string) ([]store.Deposit, error)
	GetReferralCode(ctx context.Context, owner string) (store.ReferralCode, error)
	ListRewards(ctx context.Context, userID string) ([]store.Reward, error)
	CreateGrant(ctx context.Context, g store.Grant) (store.Grant, error)
	ListGrants(ctx context.Context, grantorID string) ([]store.Grant, error)
	CreatePayout(ctx context.Context, input store.CreatePayoutInput) (store.Payout, error)
	GetPayout(ctx context.Context, id int64) (store.Payout, error)
	ListPayouts(ctx context.Context, userID string) ([]store.Payout, error)
	UpdatePayoutStatus(ctx context.Context, id int64, status string) (store.Payout, error)
	DeletePayout(ctx context.Context, id int64) error
}

type Deps struct {
	Payments  Payments
	Referrals Referrals
	Rewards   Rewards
	Ledger    Ledger
	// CallbackLimiter throttles the public callback endpoint per client IP.
	// Nil disables throttling.
	CallbackLimiter *ratelimit.Store
	// TrustedProxies lists the peers whose X-Forwarded-For header is
	// believed when keying the callback limiter.
	TrustedProxies []netip.Prefix
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

type Server struct {
	payments       Payments
	referrals      Referrals
	rewards        Rewards
	ledger         Ledger
	limiter        *ratelimit.Store
	trustedProxies []netip.Prefix
	metrics        http.Handler
	authToken      string
	logger         *zap.Logger
}

func NewServer(deps Deps, authToken string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		payments:       deps.Payments,
		referrals:      deps.Referrals,
		rewards:        deps.Rewards,
		ledger:         deps.Ledger,
		limiter:        deps.CallbackLimiter,
		trustedProxies: deps.TrustedProxies,
		metrics:        deps.Metrics,
		authToken:      authToken,
		logger:         logger,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	s.handle(mux, "POST /v1/charges", http.HandlerFunc(s.handleCreateCharge))
	s.handle(mux, "GET /v1/charges/{trackId}/status", http.HandlerFunc(s.handleChargeStatus))
	s.handle(mux, "POST /v1/callbacks/payment", s.rateLimit(http.HandlerFunc(s.handleCallback)))

	s.handle(mux, "GET /v1/deposits", s.authMiddleware(http.HandlerFunc(s.handleListDeposits)))
	s.handle(mux, "GET /v1/deposits/{trackId}", s.authMiddleware(http.HandlerFunc(s.handleGetDeposit)))
	s.handle(mux, "GET /v1/referral-codes", s.authMiddleware(http.HandlerFunc(s.handleGetReferralCode)))
	s.handle(mux, "POST /v1/referrals", s.authMiddleware(http.HandlerFunc(s.handleCreateReferral)))
	s.handle(mux, "GET /v1/referrals", s.authMiddleware(http.HandlerFunc(s.handleListReferrals)))
	s.handle(mux, "POST /v1/rewards/evaluate", s.authMiddleware(http.HandlerFunc(s.handleEvaluateReward)))
	s.handle(mux, "GET /v1/rewards", s.authMiddleware(http.HandlerFunc(s.handleListRewards)))
	s.handle(mux, "POST /v1/grants", s.authMiddleware(http.HandlerFunc(s.handleCreateGrant)))
	s.handle(mux, "GET /v1/grants", s.authMiddleware(http.HandlerFunc(s.handleListGrants)))
	s.handle(mux, "POST /v1/payouts", s.authMiddleware(http.HandlerFunc(s.handleCreatePayout)))
	s.handle(mux, "GET /v1/payouts", s.authMiddleware(http.HandlerFunc(s.handleListPayouts)))
	s.handle(mux, "GET /v1/payouts/{id}", s.authMiddleware(http.HandlerFunc(s.handleGetPayout)))
	s.handle(mux, "PATCH /v1/payouts/{id}", s.authMiddleware(http.HandlerFunc(s.handleUpdatePayout)))
	s.handle(mux, "DELETE /v1/payouts/{id}", s.authMiddleware(http.HandlerFunc(s.handleDeletePayout)))

	s.handle(mux, "GET /healthz", http.HandlerFunc(s.handleHealth))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return s.requestID(s.recoverer(mux))
}

// handle registers h under pattern with per-route metrics labelled by the
// pattern rather than the raw path.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.Handler) {
	route := pattern
	if i := strings.IndexByte(pattern, ' '); i >= 0 {
		route = pattern[i+1:]
	}
	mux.Handle(pattern, instrument(route, h))
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r.Header.Get("Authorization"))
		if !secureCompare(token, s.authToken) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func secureCompare(a, b string) bool {
	if a == "" || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
