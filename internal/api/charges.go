package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"payledger/internal/gateway"
	"payledger/internal/payments"
	"payledger/internal/xerr"
)

const headerSignature = "HMAC"

type createChargeRequest struct {
	Amount         decimal.Decimal  `json:"amount"`
	Currency       string           `json:"currency"`
	PayCurrency    string           `json:"payCurrency"`
	LifeTime       *int             `json:"lifeTime"`
	FeePaidByPayer *int             `json:"feePaidByPayer"`
	UnderPaidCover *decimal.Decimal `json:"underPaidCover"`
	ReturnURL      string           `json:"returnUrl"`
	Description    string           `json:"description"`
	OrderID        string           `json:"orderId"`
	Email          string           `json:"email"`
	Network        string           `json:"network"`
}

type callbackRequest struct {
	Status         string             `json:"status"`
	TrackID        gateway.FlexString `json:"trackId"`
	Amount         decimal.Decimal    `json:"amount"`
	Currency       string             `json:"currency"`
	PayCurrency    string             `json:"payCurrency"`
	ReceivedAmount decimal.Decimal    `json:"receivedAmount"`
	TxID           string             `json:"txID"`
	Email          string             `json:"email"`
	OrderID        string             `json:"orderId"`
}

func (s *Server) handleCreateCharge(w http.ResponseWriter, r *http.Request) {
	var req createChargeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.logEvent(r.Context(), "charge_create_failed", zap.String("reason", "invalid_request"))
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	res, err := s.payments.CreateCharge(r.Context(), payments.ChargeInput{
		Amount:         req.Amount,
		Currency:       req.Currency,
		PayCurrency:    req.PayCurrency,
		LifeTime:       req.LifeTime,
		FeePaidByPayer: req.FeePaidByPayer,
		UnderPaidCover: req.UnderPaidCover,
		ReturnURL:      req.ReturnURL,
		Description:    req.Description,
		OrderID:        req.OrderID,
		Email:          req.Email,
		Network:        req.Network,
	})
	if err != nil {
		s.logFailure(r.Context(), "charge_create_failed", err,
			zap.String("amount", req.Amount.String()),
			zap.String("currency", req.Currency),
		)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleChargeStatus(w http.ResponseWriter, r *http.Request) {
	trackID := r.PathValue("trackId")
	st, err := s.payments.Inquire(r.Context(), trackID)
	if err != nil {
		s.logFailure(r.Context(), "charge_status_failed", err, zap.String("track_id", trackID))
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleCallback receives the gateway's status report and sends the buyer's
// browser to the frontend result page.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if err := s.payments.VerifySignature(body, r.Header.Get(headerSignature)); err != nil {
		s.logFailure(r.Context(), "callback_rejected", err, zap.String("ip", s.clientIP(r)))
		writeServiceError(w, err)
		return
	}

	var req callbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		err = xerr.Wrap(xerr.KindValidation, "invalid_callback", "callback body is not valid JSON", err)
		s.logFailure(r.Context(), "callback_rejected", err)
		writeServiceError(w, err)
		return
	}

	out, err := s.payments.HandleCallback(r.Context(), payments.Callback{
		Status:         req.Status,
		TrackID:        string(req.TrackID),
		Amount:         req.Amount,
		Currency:       req.Currency,
		PayCurrency:    req.PayCurrency,
		ReceivedAmount: req.ReceivedAmount,
		TxID:           req.TxID,
		Email:          req.Email,
		OrderID:        req.OrderID,
	})
	if err != nil {
		s.logFailure(r.Context(), "callback_failed", err,
			zap.String("status", req.Status),
			zap.String("track_id", strings.TrimSpace(string(req.TrackID))),
		)
		writeServiceError(w, err)
		return
	}

	s.logEvent(r.Context(), "callback_handled",
		zap.String("track_id", out.TrackID),
		zap.String("status", req.Status),
		zap.Bool("paid", out.Paid),
		zap.Bool("replayed", out.Replayed),
	)
	http.Redirect(w, r, out.RedirectURL, http.StatusFound)
}
