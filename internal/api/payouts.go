package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"payledger/internal/store"
	"payledger/internal/xerr"
)

type createGrantRequest struct {
	GrantorID string `json:"grantorId"`
	GranteeID string `json:"granteeId"`
	Privilege string `json:"privilege"`
}

type grantResponse struct {
	ID        int64     `json:"id"`
	GrantorID string    `json:"grantorId"`
	GranteeID string    `json:"granteeId"`
	Privilege string    `json:"privilege"`
	CreatedAt time.Time `json:"createdAt"`
}

type createPayoutRequest struct {
	UserID   string          `json:"userId"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Address  string          `json:"address"`
}

type updatePayoutRequest struct {
	Status string `json:"status"`
}

type payoutResponse struct {
	ID        int64           `json:"id"`
	UserID    string          `json:"userId"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Address   string          `json:"address"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (s *Server) handleCreateGrant(w http.ResponseWriter, r *http.Request) {
	var req createGrantRequest
	if err := decodeJSON(r, &req); err != nil {
		s.logEvent(r.Context(), "grant_create_failed", zap.String("reason", "invalid_request"))
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := validateCreateGrant(req); err != nil {
		s.logFailure(r.Context(), "grant_create_failed", err)
		writeServiceError(w, err)
		return
	}

	g, err := s.ledger.CreateGrant(r.Context(), store.Grant{
		GrantorID: strings.TrimSpace(req.GrantorID),
		GranteeID: strings.TrimSpace(req.GranteeID),
		Privilege: strings.TrimSpace(req.Privilege),
	})
	if err != nil {
		err = ledgerError(err, "not_found")
		s.logFailure(r.Context(), "grant_create_failed", err)
		writeServiceError(w, err)
		return
	}

	s.logEvent(r.Context(), "grant_created",
		zap.Int64("grant_id", g.ID),
		zap.String("grantor_id", g.GrantorID),
		zap.String("grantee_id", g.GranteeID),
		zap.String("privilege", g.Privilege),
	)
	writeJSON(w, http.StatusCreated, toGrantResponse(g))
}

func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	list, err := s.ledger.ListGrants(r.Context(), strings.TrimSpace(r.URL.Query().Get("grantorId")))
	if err != nil {
		err = ledgerError(err, "not_found")
		s.logFailure(r.Context(), "grant_list_failed", err)
		writeServiceError(w, err)
		return
	}

	out := make([]grantResponse, 0, len(list))
	for _, g := range list {
		out = append(out, toGrantResponse(g))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreatePayout(w http.ResponseWriter, r *http.Request) {
	var req createPayoutRequest
	if err := decodeJSON(r, &req); err != nil {
		s.logEvent(r.Context(), "payout_create_failed", zap.String("reason", "invalid_request"))
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := validateCreatePayout(req); err != nil {
		s.logFailure(r.Context(), "payout_create_failed", err, zap.String("user_id", req.UserID))
		writeServiceError(w, err)
		return
	}

	p, err := s.ledger.CreatePayout(r.Context(), store.CreatePayoutInput{
		UserID:   strings.TrimSpace(req.UserID),
		Amount:   req.Amount,
		Currency: strings.TrimSpace(req.Currency),
		Address:  strings.TrimSpace(req.Address),
	})
	if err != nil {
		err = ledgerError(err, "not_found")
		s.logFailure(r.Context(), "payout_create_failed", err, zap.String("user_id", req.UserID))
		writeServiceError(w, err)
		return
	}

	s.logEvent(r.Context(), "payout_created",
		zap.Int64("payout_id", p.ID),
		zap.String("user_id", p.UserID),
		zap.String("amount", p.Amount.String()),
		zap.String("currency", p.Currency),
	)
	writeJSON(w, http.StatusCreated, toPayoutResponse(p))
}

func (s *Server) handleListPayouts(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeServiceError(w, xerr.Validation("invalid_user_id", "userId is required"))
		return
	}

	list, err := s.ledger.ListPayouts(r.Context(), userID)
	if err != nil {
		err = ledgerError(err, "not_found")
		s.logFailure(r.Context(), "payout_list_failed", err, zap.String("user_id", userID))
		writeServiceError(w, err)
		return
	}

	out := make([]payoutResponse, 0, len(list))
	for _, p := range list {
		out = append(out, toPayoutResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPayout(w http.ResponseWriter, r *http.Request) {
	id, ok := payoutID(w, r)
	if !ok {
		return
	}

	p, err := s.ledger.GetPayout(r.Context(), id)
	if err != nil {
		err = ledgerError(err, "payout_not_found")
		s.logFailure(r.Context(), "payout_get_failed", err, zap.Int64("payout_id", id))
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutResponse(p))
}

func (s *Server) handleUpdatePayout(w http.ResponseWriter, r *http.Request) {
	id, ok := payoutID(w, r)
	if !ok {
		return
	}

	var req updatePayoutRequest
	if err := decodeJSON(r, &req); err != nil {
		s.logEvent(r.Context(), "payout_update_failed", zap.String("reason", "invalid_request"))
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	p, err := s.ledger.UpdatePayoutStatus(r.Context(), id, strings.TrimSpace(req.Status))
	if err != nil {
		err = ledgerError(err, "payout_not_found")
		s.logFailure(r.Context(), "payout_update_failed", err,
			zap.Int64("payout_id", id),
			zap.String("status", req.Status),
		)
		writeServiceError(w, err)
		return
	}

	s.logEvent(r.Context(), "payout_updated",
		zap.Int64("payout_id", p.ID),
		zap.String("user_id", p.UserID),
		zap.String("status", p.Status),
	)
	writeJSON(w, http.StatusOK, toPayoutResponse(p))
}

func (s *Server) handleDeletePayout(w http.ResponseWriter, r *http.Request) {
	id, ok := payoutID(w, r)
	if !ok {
		return
	}

	if err := s.ledger.DeletePayout(r.Context(), id); err != nil {
		err = ledgerError(err, "payout_not_found")
		s.logFailure(r.Context(), "payout_delete_failed", err, zap.Int64("payout_id", id))
		writeServiceError(w, err)
		return
	}

	s.logEvent(r.Context(), "payout_deleted", zap.Int64("payout_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func payoutID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return 0, false
	}
	return id, true
}

func validateCreateGrant(req createGrantRequest) error {
	if strings.TrimSpace(req.GrantorID) == "" || strings.TrimSpace(req.GranteeID) == "" {
		return xerr.Validation("invalid_grant", "grantorId and granteeId are required")
	}
	if strings.TrimSpace(req.Privilege) == "" {
		return xerr.Validation("invalid_privilege", "privilege is required")
	}
	return nil
}

func validateCreatePayout(req createPayoutRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return xerr.Validation("invalid_user_id", "userId is required")
	}
	if !req.Amount.IsPositive() {
		return xerr.Validation("invalid_amount", "amount must be positive")
	}
	if strings.TrimSpace(req.Currency) == "" {
		return xerr.Validation("invalid_currency", "currency is required")
	}
	if strings.TrimSpace(req.Address) == "" {
		return xerr.Validation("invalid_address", "address is required")
	}
	return nil
}

func toGrantResponse(g store.Grant) grantResponse {
	return grantResponse{
		ID:        g.ID,
		GrantorID: g.GrantorID,
		GranteeID: g.GranteeID,
		Privilege: g.Privilege,
		CreatedAt: g.CreatedAt,
	}
}

func toPayoutResponse(p store.Payout) payoutResponse {
	return payoutResponse{
		ID:        p.ID,
		UserID:    p.UserID,
		Amount:    p.Amount,
		Currency:  p.Currency,
		Address:   p.Address,
		Status:    p.Status,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}
