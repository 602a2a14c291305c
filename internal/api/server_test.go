package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payledger/internal/api"
	"payledger/internal/gateway"
	"payledger/internal/payments"
	"payledger/internal/ratelimit"
	"payledger/internal/rewards"
	"payledger/internal/store"
	"payledger/internal/xerr"
)

const testToken = "test-token"

type fakePayments struct {
	mu         sync.Mutex
	charges    []payments.ChargeInput
	callbacks  []payments.Callback
	chargeErr  error
	sigErr     error
	callbackFn func(payments.Callback) (payments.CallbackOutcome, error)
	statusErr  error
}

func (f *fakePayments) CreateCharge(ctx context.Context, in payments.ChargeInput) (gateway.ChargeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charges = append(f.charges, in)
	if f.chargeErr != nil {
		return gateway.ChargeResult{}, f.chargeErr
	}
	return gateway.ChargeResult{TrackID: "T1", Address: "TXaddr", PayLink: "https://pay/T1", ExpiredAt: 1700000000}, nil
}

func (f *fakePayments) Inquire(ctx context.Context, trackID string) (gateway.ChargeStatus, error) {
	if f.statusErr != nil {
		return gateway.ChargeStatus{}, f.statusErr
	}
	return gateway.ChargeStatus{TrackID: trackID, Status: gateway.StatusWaiting}, nil
}

func (f *fakePayments) VerifySignature(body []byte, signature string) error {
	return f.sigErr
}

func (f *fakePayments) HandleCallback(ctx context.Context, cb payments.Callback) (payments.CallbackOutcome, error) {
	f.mu.Lock()
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
	if f.callbackFn != nil {
		return f.callbackFn(cb)
	}
	if cb.Status != gateway.StatusPaid {
		return payments.CallbackOutcome{TrackID: cb.TrackID, RedirectURL: "http://front/failure/" + cb.TrackID}, nil
	}
	return payments.CallbackOutcome{Paid: true, TrackID: cb.TrackID, ReferralCode: "Ab12Cd34", RedirectURL: "http://front/success/" + cb.TrackID + "?referralCode=Ab12Cd34"}, nil
}

type fakeReferrals struct {
	err error
}

func (f *fakeReferrals) Register(ctx context.Context, userID, referrerCode string, amount decimal.Decimal) (store.Referral, error) {
	if f.err != nil {
		return store.Referral{}, f.err
	}
	return store.Referral{ID: 1, UserID: userID, ReferrerCode1: "Own12345", ReferrerCode2: referrerCode, Amount: amount}, nil
}

func (f *fakeReferrals) List(ctx context.Context, referrerCode string) ([]store.Referral, error) {
	return []store.Referral{{ID: 1, UserID: "u2", ReferrerCode2: referrerCode}}, nil
}

type fakeRewards struct{}

func (fakeRewards) Evaluate(ctx context.Context, userID, code string) (rewards.Evaluation, error) {
	return rewards.Evaluation{FirstTierGranted: true, ReferralsSinceLastReward: 4, ReferralsLeft: 1}, nil
}

type fakeLedger struct {
	pingErr   error
	payoutErr error
	panicOn   string
}

func (f *fakeLedger) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeLedger) GetDeposit(ctx context.Context, trackID string) (store.Deposit, error) {
	if f.panicOn == "deposit" {
		panic("boom")
	}
	if trackID != "T1" {
		return store.Deposit{}, store.ErrNotFound
	}
	return store.Deposit{ID: 1, TrackID: "T1", ReferralCode: "Ab12Cd34", Email: "a@x.com", Status: store.DepositPaid}, nil
}

func (f *fakeLedger) ListDepositsByEmail(ctx context.Context, email string) ([]store.Deposit, error) {
	if email != "a@x.com" {
		return nil, nil
	}
	return []store.Deposit{
		{ID: 1, TrackID: "T1", ReferralCode: "Ab12Cd34", Email: email, Status: store.DepositPaid},
		{ID: 2, TrackID: "T2", ReferralCode: "Ab12Cd34", Email: email, Status: store.DepositPaid},
	}, nil
}

func (f *fakeLedger) GetReferralCode(ctx context.Context, owner string) (store.ReferralCode, error) {
	if owner != "a@x.com" {
		return store.ReferralCode{}, store.ErrNotFound
	}
	return store.ReferralCode{Owner: owner, Code: "Ab12Cd34"}, nil
}

func (f *fakeLedger) ListRewards(ctx context.Context, userID string) ([]store.Reward, error) {
	return []store.Reward{{ID: 1, UserID: userID, Tier: store.TierOne, Amount: decimal.NewFromInt(10), Currency: "USDT"}}, nil
}

func (f *fakeLedger) CreateGrant(ctx context.Context, g store.Grant) (store.Grant, error) {
	g.ID = 1
	return g, nil
}

func (f *fakeLedger) ListGrants(ctx context.Context, grantorID string) ([]store.Grant, error) {
	return nil, nil
}

func (f *fakeLedger) CreatePayout(ctx context.Context, in store.CreatePayoutInput) (store.Payout, error) {
	return store.Payout{ID: 1, UserID: in.UserID, Amount: in.Amount, Currency: in.Currency, Address: in.Address, Status: store.PayoutPending}, nil
}

func (f *fakeLedger) GetPayout(ctx context.Context, id int64) (store.Payout, error) {
	if f.payoutErr != nil {
		return store.Payout{}, f.payoutErr
	}
	return store.Payout{ID: id, Status: store.PayoutPending}, nil
}

func (f *fakeLedger) ListPayouts(ctx context.Context, userID string) ([]store.Payout, error) {
	return nil, nil
}

func (f *fakeLedger) UpdatePayoutStatus(ctx context.Context, id int64, status string) (store.Payout, error) {
	if f.payoutErr != nil {
		return store.Payout{}, f.payoutErr
	}
	return store.Payout{ID: id, Status: status}, nil
}

func (f *fakeLedger) DeletePayout(ctx context.Context, id int64) error {
	return f.payoutErr
}

type harness struct {
	payments *fakePayments
	ledger   *fakeLedger
	refs     *fakeReferrals
	limiter  *ratelimit.Store
	trusted  []netip.Prefix
	handler  http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		payments: &fakePayments{},
		ledger:   &fakeLedger{},
		refs:     &fakeReferrals{},
	}
	h.build()
	return h
}

func (h *harness) build() {
	srv := api.NewServer(api.Deps{
		Payments:        h.payments,
		Referrals:       h.refs,
		Rewards:         fakeRewards{},
		Ledger:          h.ledger,
		CallbackLimiter: h.limiter,
		TrustedProxies:  h.trusted,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
	}, testToken, nil)
	h.handler = srv.Routes()
}

func (h *harness) do(method, path, body string, auth bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestCreateChargeReturnsGatewayResult(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/v1/charges", `{"amount":50,"currency":"USDT","payCurrency":"USDT","feePaidByPayer":0,"email":"a@x.com"}`, false)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, "T1", body["trackId"])
	assert.Equal(t, "TXaddr", body["address"])

	require.Len(t, h.payments.charges, 1)
	in := h.payments.charges[0]
	assert.True(t, in.Amount.Equal(decimal.NewFromInt(50)))
	require.NotNil(t, in.FeePaidByPayer)
	assert.Equal(t, 0, *in.FeePaidByPayer)
	assert.Nil(t, in.LifeTime)
}

func TestCreateChargeRejectsUnknownFields(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/v1/charges", `{"amount":50,"bogus":true}`, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeBody(t, rec)["error"])
	assert.Empty(t, h.payments.charges)
}

func TestServiceErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", xerr.Validation("invalid_amount", "amount must be positive"), http.StatusBadRequest, "invalid_amount"},
		{"upstream", xerr.Upstream(500, "oops", errors.New("gateway returned 500")), http.StatusBadGateway, "upstream_error"},
		{"storage", xerr.Storage("record charge", errors.New("db down")), http.StatusInternalServerError, "storage_error"},
		{"plain", errors.New("unexpected"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.payments.chargeErr = tt.err

			rec := h.do(http.MethodPost, "/v1/charges", `{"amount":1,"email":"a@x.com"}`, false)
			assert.Equal(t, tt.status, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, tt.code, body["error"])
			assert.NotContains(t, rec.Body.String(), "db down")
		})
	}
}

func TestUpstreamErrorCarriesDetails(t *testing.T) {
	h := newHarness(t)
	h.payments.statusErr = xerr.Upstream(422, `{"result":102}`, errors.New("rejected"))

	rec := h.do(http.MethodGet, "/v1/charges/T1/status", "", false)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	body := decodeBody(t, rec)
	details, ok := body["details"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(422), details["status"])
	assert.Equal(t, `{"result":102}`, details["body"])
}

func TestChargeStatus(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/v1/charges/T9/status", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "T9", body["trackId"])
	assert.Equal(t, gateway.StatusWaiting, body["status"])
}

func TestCallbackPaidRedirectsToSuccess(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/v1/callbacks/payment", `{"status":"Paid","trackId":"T1","email":"a@x.com","receivedAmount":50,"txID":"tx1","extra":"ignored"}`, false)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "http://front/success/T1?referralCode=Ab12Cd34", rec.Header().Get("Location"))

	require.Len(t, h.payments.callbacks, 1)
	cb := h.payments.callbacks[0]
	assert.Equal(t, "T1", cb.TrackID)
	assert.Equal(t, "a@x.com", cb.Email)
	assert.Equal(t, "tx1", cb.TxID)
	assert.True(t, cb.ReceivedAmount.Equal(decimal.NewFromInt(50)))
}

func TestCallbackNumericTrackID(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/v1/callbacks/payment", `{"status":"Expired","trackId":123456}`, false)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "http://front/failure/123456", rec.Header().Get("Location"))
}

func TestCallbackValidationErrors(t *testing.T) {
	h := newHarness(t)
	h.payments.callbackFn = func(cb payments.Callback) (payments.CallbackOutcome, error) {
		return payments.CallbackOutcome{}, xerr.Validation("invalid_callback", "status and trackId are required")
	}

	rec := h.do(http.MethodPost, "/v1/callbacks/payment", `{}`, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_callback", decodeBody(t, rec)["error"])

	rec = h.do(http.MethodPost, "/v1/callbacks/payment", `not json`, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, h.payments.callbacks, 1)
}

func TestCallbackBadSignature(t *testing.T) {
	h := newHarness(t)
	h.payments.sigErr = payments.ErrBadSignature

	rec := h.do(http.MethodPost, "/v1/callbacks/payment", `{"status":"Paid","trackId":"T1"}`, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_signature", decodeBody(t, rec)["error"])
	assert.Empty(t, h.payments.callbacks)
}

func TestCallbackRateLimited(t *testing.T) {
	h := newHarness(t)
	h.limiter = ratelimit.NewStore(0, 2, time.Minute)
	h.build()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, h.do(http.MethodPost, "/v1/callbacks/payment", `{"status":"Waiting","trackId":"T1"}`, false).Code)
	}
	assert.Equal(t, []int{http.StatusFound, http.StatusFound, http.StatusTooManyRequests}, codes)
}

func (h *harness) callbackFrom(remote, forwarded string) int {
	req := httptest.NewRequest(http.MethodPost, "/v1/callbacks/payment", strings.NewReader(`{"status":"Waiting","trackId":"T1"}`))
	req.RemoteAddr = remote
	if forwarded != "" {
		req.Header.Set("X-Forwarded-For", forwarded)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec.Code
}

func TestCallbackRateLimitIgnoresForwardedFromUntrustedPeer(t *testing.T) {
	h := newHarness(t)
	h.limiter = ratelimit.NewStore(0, 2, time.Minute)
	h.build()

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		codes = append(codes, h.callbackFrom("198.51.100.7:4000", fmt.Sprintf("203.0.113.%d", i+1)))
	}
	assert.Equal(t, []int{
		http.StatusFound, http.StatusFound,
		http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusTooManyRequests,
	}, codes)
	assert.Equal(t, 1, h.limiter.Len())
}

func TestCallbackRateLimitBehindTrustedProxy(t *testing.T) {
	h := newHarness(t)
	h.limiter = ratelimit.NewStore(0, 1, time.Minute)
	h.trusted = []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	h.build()

	// Each client behind the proxy gets its own bucket.
	assert.Equal(t, http.StatusFound, h.callbackFrom("10.0.0.5:4000", "203.0.113.1"))
	assert.Equal(t, http.StatusFound, h.callbackFrom("10.0.0.5:4000", "203.0.113.2"))
	assert.Equal(t, http.StatusTooManyRequests, h.callbackFrom("10.0.0.5:4000", "203.0.113.1"))

	// A client prepending its own hop does not escape its bucket.
	assert.Equal(t, http.StatusTooManyRequests, h.callbackFrom("10.0.0.5:4000", "1.2.3.4, 203.0.113.2"))
	assert.Equal(t, 2, h.limiter.Len())
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t)

	for _, path := range []string{"/v1/deposits/T1", "/v1/referral-codes?email=a@x.com", "/v1/rewards?userId=u1", "/v1/payouts/1", "/v1/grants"} {
		rec := h.do(http.MethodGet, path, "", false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/deposits/T1", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetDeposit(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/v1/deposits/T1", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ab12Cd34", decodeBody(t, rec)["referralCode"])

	rec = h.do(http.MethodGet, "/v1/deposits/T2", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "deposit_not_found", decodeBody(t, rec)["error"])
}

func TestListDepositsByEmail(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/v1/deposits?email=a@x.com", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "T2", list[1]["trackId"])

	rec = h.do(http.MethodGet, "/v1/deposits?email=none@x.com", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = h.do(http.MethodGet, "/v1/deposits", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_email", decodeBody(t, rec)["error"])
}

func TestGetReferralCode(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/v1/referral-codes?email=a@x.com", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ab12Cd34", decodeBody(t, rec)["code"])

	rec = h.do(http.MethodGet, "/v1/referral-codes", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateReferral(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/v1/referrals", `{"userId":"u2","referrerCode":"Ab12Cd34","amount":"5"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "Ab12Cd34", decodeBody(t, rec)["referrerCode2"])

	h.refs.err = xerr.NotFound("referrer_not_found", "referrer code does not exist")
	rec = h.do(http.MethodPost, "/v1/referrals", `{"userId":"u3","referrerCode":"Zz99Zz99"}`, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.refs.err = xerr.Conflict("referral_exists", "user is already referred")
	rec = h.do(http.MethodPost, "/v1/referrals", `{"userId":"u2","referrerCode":"Ab12Cd34"}`, true)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEvaluateReward(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/v1/rewards/evaluate", `{"userId":"u1","referrerCode":"Ab12Cd34"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["firstTierGranted"])
	assert.Equal(t, float64(1), body["referralsLeft"])
}

func TestPayoutRoutes(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/v1/payouts", `{"userId":"u1","amount":"12.5","currency":"USDT","address":"TXaddr"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, store.PayoutPending, decodeBody(t, rec)["status"])

	rec = h.do(http.MethodPost, "/v1/payouts", `{"userId":"u1","amount":"0","currency":"USDT","address":"TXaddr"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/v1/payouts/abc", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_id", decodeBody(t, rec)["error"])

	rec = h.do(http.MethodPatch, "/v1/payouts/1", `{"status":"approved"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.PayoutApproved, decodeBody(t, rec)["status"])

	rec = h.do(http.MethodDelete, "/v1/payouts/1", "", true)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPayoutStoreErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{store.ErrNotFound, http.StatusNotFound, "payout_not_found"},
		{store.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
		{store.ErrInvalidStatus, http.StatusBadRequest, "invalid_status"},
		{fmt.Errorf("conn reset: %w", errors.New("eof")), http.StatusInternalServerError, "storage_error"},
	}
	for _, tt := range tests {
		h := newHarness(t)
		h.ledger.payoutErr = tt.err

		rec := h.do(http.MethodPatch, "/v1/payouts/7", `{"status":"paid"}`, true)
		assert.Equal(t, tt.status, rec.Code, tt.code)
		assert.Equal(t, tt.code, decodeBody(t, rec)["error"])
	}
}

func TestRequestIDAndRecover(t *testing.T) {
	h := newHarness(t)
	h.ledger.panicOn = "deposit"

	req := httptest.NewRequest(http.MethodGet, "/v1/deposits/T1", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("X-Request-Id", "req-1")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-Id"))

	rec = h.do(http.MethodGet, "/healthz", "", false)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)

	h.ledger.pingErr = errors.New("down")
	rec = h.do(http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = h.do(http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}
