package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"payledger/internal/store"
	"payledger/internal/xerr"
)

type depositResponse struct {
	ID             int64           `json:"id"`
	TrackID        string          `json:"trackId"`
	Amount         decimal.Decimal `json:"amount"`
	ReceivedAmount decimal.Decimal `json:"receivedAmount"`
	Currency       string          `json:"currency"`
	PayCurrency    string          `json:"payCurrency"`
	TransactionID  string          `json:"transactionId"`
	ReferralCode   string          `json:"referralCode"`
	Email          string          `json:"email"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type referralCodeResponse struct {
	Owner     string    `json:"owner"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"createdAt"`
}

type createReferralRequest struct {
	UserID       string          `json:"userId"`
	ReferrerCode string          `json:"referrerCode"`
	Amount       decimal.Decimal `json:"amount"`
}

type referralResponse struct {
	ID            int64           `json:"id"`
	UserID        string          `json:"userId"`
	ReferrerCode1 string          `json:"referrerCode1"`
	ReferrerCode2 string          `json:"referrerCode2"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAt     time.Time       `json:"createdAt"`
}

type evaluateRewardRequest struct {
	UserID       string `json:"userId"`
	ReferrerCode string `json:"referrerCode"`
}

type rewardResponse struct {
	ID           int64           `json:"id"`
	UserID       string          `json:"userId"`
	ReferrerCode string          `json:"referrerCode"`
	Tier         int             `json:"tier"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	CreatedAt    time.Time       `json:"createdAt"`
}

func (s *Server) handleGetDeposit(w http.ResponseWriter, r *http.Request) {
	trackID := r.PathValue("trackId")
	d, err := s.ledger.GetDeposit(r.Context(), trackID)
	if err != nil {
		err = ledgerError(err, "deposit_not_found")
		s.logFailure(r.Context(), "deposit_get_failed", err, zap.String("track_id", trackID))
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDepositResponse(d))
}

func (s *Server) handleListDeposits(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		writeServiceError(w, xerr.Validation("invalid_email", "email is required"))
		return
	}

	list, err := s.ledger.ListDepositsByEmail(r.Context(), email)
	if err != nil {
		err = ledgerError(err, "not_found")
		s.logFailure(r.Context(), "deposit_list_failed", err, zap.String("email", email))
		writeServiceError(w, err)
		return
	}

	out := make([]depositResponse, 0, len(list))
	for _, d := range list {
		out = append(out, toDepositResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetReferralCode(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("email"))
	if owner == "" {
		owner = strings.TrimSpace(r.URL.Query().Get("userId"))
	}
	if owner == "" {
		writeServiceError(w, xerr.Validation("invalid_owner", "email or userId is required"))
		return
	}

	rc, err := s.ledger.GetReferralCode(r.Context(), owner)
	if err != nil {
		err = ledgerError(err, "referral_code_not_found")
		s.logFailure(r.Context(), "referral_code_get_failed", err)
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, referralCodeResponse{Owner: rc.Owner, Code: rc.Code, CreatedAt: rc.CreatedAt})
}

func (s *Server) handleCreateReferral(w http.ResponseWriter, r *http.Request) {
	var req createReferralRequest
	if err := decodeJSON(r, &req); err != nil {
		s.logEvent(r.Context(), "referral_create_failed", zap.String("reason", "invalid_request"))
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	ref, err := s.referrals.Register(r.Context(), req.UserID, req.ReferrerCode, req.Amount)
	if err != nil {
		s.logFailure(r.Context(), "referral_create_failed", err,
			zap.String("user_id", req.UserID),
			zap.String("referrer_code", req.ReferrerCode),
		)
		writeServiceError(w, err)
		return
	}

	s.logEvent(r.Context(), "referral_created",
		zap.Int64("referral_id", ref.ID),
		zap.String("user_id", ref.UserID),
		zap.String("referrer_code", ref.ReferrerCode2),
	)
	writeJSON(w, http.StatusCreated, toReferralResponse(ref))
}

func (s *Server) handleListReferrals(w http.ResponseWriter, r *http.Request) {
	refs, err := s.referrals.List(r.Context(), r.URL.Query().Get("referrerCode"))
	if err != nil {
		s.logFailure(r.Context(), "referral_list_failed", err)
		writeServiceError(w, err)
		return
	}

	out := make([]referralResponse, 0, len(refs))
	for _, ref := range refs {
		out = append(out, toReferralResponse(ref))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEvaluateReward(w http.ResponseWriter, r *http.Request) {
	var req evaluateRewardRequest
	if err := decodeJSON(r, &req); err != nil {
		s.logEvent(r.Context(), "reward_evaluate_failed", zap.String("reason", "invalid_request"))
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	ev, err := s.rewards.Evaluate(r.Context(), req.UserID, req.ReferrerCode)
	if err != nil {
		s.logFailure(r.Context(), "reward_evaluate_failed", err, zap.String("user_id", req.UserID))
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleListRewards(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeServiceError(w, xerr.Validation("invalid_user_id", "userId is required"))
		return
	}

	list, err := s.ledger.ListRewards(r.Context(), userID)
	if err != nil {
		err = ledgerError(err, "not_found")
		s.logFailure(r.Context(), "reward_list_failed", err, zap.String("user_id", userID))
		writeServiceError(w, err)
		return
	}

	out := make([]rewardResponse, 0, len(list))
	for _, rw := range list {
		out = append(out, rewardResponse{
			ID:           rw.ID,
			UserID:       rw.UserID,
			ReferrerCode: rw.ReferrerCode,
			Tier:         rw.Tier,
			Amount:       rw.Amount,
			Currency:     rw.Currency,
			CreatedAt:    rw.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func toDepositResponse(d store.Deposit) depositResponse {
	return depositResponse{
		ID:             d.ID,
		TrackID:        d.TrackID,
		Amount:         d.Amount,
		ReceivedAmount: d.ReceivedAmount,
		Currency:       d.Currency,
		PayCurrency:    d.PayCurrency,
		TransactionID:  d.TransactionID,
		ReferralCode:   d.ReferralCode,
		Email:          d.Email,
		Status:         d.Status,
		CreatedAt:      d.CreatedAt,
	}
}

func toReferralResponse(r store.Referral) referralResponse {
	return referralResponse{
		ID:            r.ID,
		UserID:        r.UserID,
		ReferrerCode1: r.ReferrerCode1,
		ReferrerCode2: r.ReferrerCode2,
		Amount:        r.Amount,
		CreatedAt:     r.CreatedAt,
	}
}
