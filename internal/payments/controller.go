// Package payments drives a charge from creation at the gateway to the
// deposit recorded when the gateway reports it paid.
package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"payledger/internal/gateway"
	"payledger/internal/metrics"
	"payledger/internal/refcode"
	"payledger/internal/store"
	"payledger/internal/xerr"
)

type Gateway interface {
	CreateCharge(ctx context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error)
	Inquire(ctx context.Context, trackID string) (gateway.ChargeStatus, error)
}

type Store interface {
	CreateCharge(ctx context.Context, c store.Charge) (store.Charge, error)
	GetCharge(ctx context.Context, trackID string) (store.Charge, error)
	SetChargeStatus(ctx context.Context, trackID, status string) error
	ClaimStaleCharges(ctx context.Context, cutoff time.Time, limit int) ([]store.Charge, error)
	RecordPaidDeposit(ctx context.Context, input store.RecordDepositInput, gen store.CodeGenerator) (store.Deposit, bool, error)
}

// ChargeDefaults holds every value applied to a charge request the caller
// left unset. Nothing else is filled in.
type ChargeDefaults struct {
	Currency       string
	PayCurrency    string
	LifeTime       int
	FeePaidByPayer int
	UnderPaidCover decimal.Decimal
	CallbackURL    string
	ReturnURL      string
}

type Config struct {
	Defaults ChargeDefaults
	// FrontendURL is the base of the success and failure redirects.
	FrontendURL string
	// CallbackSecret enables HMAC-SHA512 verification of callback bodies.
	CallbackSecret string
}

type Controller struct {
	gw       Gateway
	store    Store
	cfg      Config
	newCode  store.CodeGenerator
	logger   *zap.Logger
	frontend string
}

func NewController(gw Gateway, st Store, cfg Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		gw:       gw,
		store:    st,
		cfg:      cfg,
		newCode:  refcode.New,
		logger:   logger,
		frontend: strings.TrimRight(cfg.FrontendURL, "/"),
	}
}

// WithCodeGenerator replaces the referral code source. Used by tests.
func (c *Controller) WithCodeGenerator(gen store.CodeGenerator) *Controller {
	c.newCode = gen
	return c
}

// ChargeInput is a caller's charge request. Pointer fields distinguish an
// explicit zero from an omitted value.
type ChargeInput struct {
	Amount         decimal.Decimal
	Currency       string
	PayCurrency    string
	LifeTime       *int
	FeePaidByPayer *int
	UnderPaidCover *decimal.Decimal
	ReturnURL      string
	Description    string
	OrderID        string
	Email          string
	Network        string
}

// CreateCharge resolves defaults, creates the charge at the gateway and
// records it before returning the gateway's result unchanged.
func (c *Controller) CreateCharge(ctx context.Context, in ChargeInput) (gateway.ChargeResult, error) {
	req := c.resolve(in)
	if err := validateCharge(req); err != nil {
		return gateway.ChargeResult{}, err
	}

	res, err := c.gw.CreateCharge(ctx, req)
	if err != nil {
		return gateway.ChargeResult{}, err
	}

	_, err = c.store.CreateCharge(ctx, store.Charge{
		TrackID:     res.TrackID,
		Email:       req.Email,
		OrderID:     req.OrderID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		PayCurrency: req.PayCurrency,
	})
	if err != nil {
		c.logger.Error("record charge failed",
			zap.String("track_id", res.TrackID),
			zap.Error(err),
		)
		return gateway.ChargeResult{}, xerr.Storage("record charge", err)
	}

	c.logger.Info("charge_created",
		zap.String("track_id", res.TrackID),
		zap.String("amount", req.Amount.String()),
		zap.String("currency", req.Currency),
		zap.String("pay_currency", req.PayCurrency),
		zap.String("email", req.Email),
	)
	return res, nil
}

func (c *Controller) Inquire(ctx context.Context, trackID string) (gateway.ChargeStatus, error) {
	trackID = strings.TrimSpace(trackID)
	if trackID == "" {
		return gateway.ChargeStatus{}, xerr.Validation("invalid_track_id", "trackId is required")
	}
	return c.gw.Inquire(ctx, trackID)
}

func (c *Controller) resolve(in ChargeInput) gateway.ChargeRequest {
	d := c.cfg.Defaults
	req := gateway.ChargeRequest{
		Amount:         in.Amount,
		Currency:       firstNonEmpty(in.Currency, d.Currency),
		PayCurrency:    firstNonEmpty(in.PayCurrency, d.PayCurrency),
		LifeTime:       d.LifeTime,
		FeePaidByPayer: d.FeePaidByPayer,
		UnderPaidCover: d.UnderPaidCover,
		CallbackURL:    d.CallbackURL,
		ReturnURL:      firstNonEmpty(in.ReturnURL, d.ReturnURL),
		Description:    strings.TrimSpace(in.Description),
		OrderID:        strings.TrimSpace(in.OrderID),
		Email:          strings.TrimSpace(in.Email),
		Network:        strings.TrimSpace(in.Network),
	}
	if in.LifeTime != nil {
		req.LifeTime = *in.LifeTime
	}
	if in.FeePaidByPayer != nil {
		req.FeePaidByPayer = *in.FeePaidByPayer
	}
	if in.UnderPaidCover != nil {
		req.UnderPaidCover = *in.UnderPaidCover
	}
	return req
}

func validateCharge(req gateway.ChargeRequest) error {
	switch {
	case !req.Amount.IsPositive():
		return xerr.Validation("invalid_amount", "amount must be positive")
	case req.Currency == "":
		return xerr.Validation("invalid_currency", "currency is required")
	case req.LifeTime <= 0:
		return xerr.Validation("invalid_lifetime", "lifeTime must be positive")
	case req.FeePaidByPayer != 0 && req.FeePaidByPayer != 1:
		return xerr.Validation("invalid_fee_paid_by_payer", "feePaidByPayer must be 0 or 1")
	case req.UnderPaidCover.IsNegative() || req.UnderPaidCover.GreaterThan(decimal.NewFromInt(60)):
		return xerr.Validation("invalid_under_paid_cover", "underPaidCover must be between 0 and 60")
	case req.Email != "" && !strings.Contains(req.Email, "@"):
		return xerr.Validation("invalid_email", "email is malformed")
	}
	return nil
}

// Callback is the gateway's asynchronous status report.
type Callback struct {
	Status         string
	TrackID        string
	Amount         decimal.Decimal
	Currency       string
	PayCurrency    string
	ReceivedAmount decimal.Decimal
	TxID           string
	Email          string
	OrderID        string
}

type CallbackOutcome struct {
	Paid         bool
	Replayed     bool
	TrackID      string
	ReferralCode string
	RedirectURL  string
	Deposit      store.Deposit
}

var ErrBadSignature = xerr.Validation("invalid_signature", "callback signature mismatch")

// VerifySignature checks the HMAC-SHA512 of the raw callback body when a
// callback secret is configured.
func (c *Controller) VerifySignature(body []byte, signature string) error {
	if c.cfg.CallbackSecret == "" {
		return nil
	}
	mac := hmac.New(sha512.New, []byte(c.cfg.CallbackSecret))
	mac.Write(body)
	want := mac.Sum(nil)

	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || !hmac.Equal(got, want) {
		return ErrBadSignature
	}
	return nil
}

// HandleCallback records a paid charge as a deposit and assigns the payer a
// referral code. Other statuses write nothing but the charge status.
func (c *Controller) HandleCallback(ctx context.Context, cb Callback) (CallbackOutcome, error) {
	cb.Status = strings.TrimSpace(cb.Status)
	cb.TrackID = strings.TrimSpace(cb.TrackID)
	cb.Email = strings.TrimSpace(cb.Email)
	if cb.Status == "" || cb.TrackID == "" {
		metrics.CallbacksTotal.WithLabelValues("unknown", "invalid").Inc()
		return CallbackOutcome{}, xerr.Validation("invalid_callback", "status and trackId are required")
	}

	if cb.Status != gateway.StatusPaid {
		return c.handleUnpaid(ctx, cb)
	}

	charge, err := c.store.GetCharge(ctx, cb.TrackID)
	switch {
	case err == nil:
		if cb.Email == "" {
			cb.Email = charge.Email
		}
		if cb.Amount.IsZero() {
			cb.Amount = charge.Amount
		}
		if cb.Currency == "" {
			cb.Currency = charge.Currency
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		metrics.CallbacksTotal.WithLabelValues(cb.Status, "error").Inc()
		return CallbackOutcome{}, xerr.Storage("load charge", err)
	}
	if cb.Email == "" {
		metrics.CallbacksTotal.WithLabelValues(cb.Status, "invalid").Inc()
		return CallbackOutcome{}, xerr.Validation("missing_email", "paid callback has no payer email")
	}

	deposit, created, err := c.store.RecordPaidDeposit(ctx, store.RecordDepositInput{
		TrackID:        cb.TrackID,
		Amount:         cb.Amount,
		ReceivedAmount: cb.ReceivedAmount,
		Currency:       cb.Currency,
		PayCurrency:    cb.PayCurrency,
		TransactionID:  cb.TxID,
		Email:          cb.Email,
		Status:         store.DepositPaid,
	}, c.newCode)
	if err != nil {
		metrics.CallbacksTotal.WithLabelValues(cb.Status, "error").Inc()
		c.logger.Error("record deposit failed",
			zap.String("track_id", cb.TrackID),
			zap.Error(err),
		)
		return CallbackOutcome{}, xerr.Storage("record deposit", err)
	}

	result := "recorded"
	if !created {
		result = "replayed"
	}
	metrics.CallbacksTotal.WithLabelValues(cb.Status, result).Inc()
	c.logger.Info("callback_paid",
		zap.String("track_id", deposit.TrackID),
		zap.String("email", deposit.Email),
		zap.String("referral_code", deposit.ReferralCode),
		zap.String("received_amount", deposit.ReceivedAmount.String()),
		zap.Bool("replayed", !created),
	)

	return CallbackOutcome{
		Paid:         true,
		Replayed:     !created,
		TrackID:      deposit.TrackID,
		ReferralCode: deposit.ReferralCode,
		RedirectURL:  c.successURL(deposit.TrackID, deposit.ReferralCode),
		Deposit:      deposit,
	}, nil
}

func (c *Controller) handleUnpaid(ctx context.Context, cb Callback) (CallbackOutcome, error) {
	if status, ok := chargeStatusFor(cb.Status); ok {
		if err := c.store.SetChargeStatus(ctx, cb.TrackID, status); err != nil {
			metrics.CallbacksTotal.WithLabelValues(cb.Status, "error").Inc()
			return CallbackOutcome{}, xerr.Storage("update charge status", err)
		}
	}

	metrics.CallbacksTotal.WithLabelValues(cb.Status, "unpaid").Inc()
	c.logger.Info("callback_unpaid",
		zap.String("track_id", cb.TrackID),
		zap.String("status", cb.Status),
	)
	return CallbackOutcome{
		TrackID:     cb.TrackID,
		RedirectURL: c.failureURL(cb.TrackID),
	}, nil
}

func chargeStatusFor(gatewayStatus string) (string, bool) {
	switch gatewayStatus {
	case gateway.StatusExpired:
		return store.ChargeExpired, true
	case gateway.StatusFailed:
		return store.ChargeFailed, true
	}
	return "", false
}

func (c *Controller) successURL(trackID, code string) string {
	return c.frontend + "/success/" + url.PathEscape(trackID) + "?referralCode=" + url.QueryEscape(code)
}

func (c *Controller) failureURL(trackID string) string {
	return c.frontend + "/failure/" + url.PathEscape(trackID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
