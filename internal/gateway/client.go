// Package gateway talks to the OxaPay merchant API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"payledger/internal/metrics"
	"payledger/internal/xerr"
)

const (
	pathCreateCharge = "/merchants/request/whitelabel"
	pathInquiry      = "/merchants/inquiry"

	maxBodyBytes = 1 << 20
)

type Config struct {
	BaseURL  string
	Merchant string
	Timeout  time.Duration

	// Breaker opens after this many consecutive failed exchanges.
	TripConsecutiveFailures uint32
	// How long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

type Client struct {
	baseURL  string
	merchant string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker[[]byte]
	logger   *zap.Logger
}

// clientError marks 4xx exchanges. They mean the request was wrong, not
// that the provider is unhealthy, so they do not count against the breaker.
type clientError struct {
	status int
	body   string
}

func (e *clientError) Error() string {
	return fmt.Sprintf("gateway returned %d", e.status)
}

type serverError struct {
	status int
	body   string
}

func (e *serverError) Error() string {
	return fmt.Sprintf("gateway returned %d", e.status)
}

func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.TripConsecutiveFailures == 0 {
		cfg.TripConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	st := gobreaker.Settings{
		Name:        "oxapay",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.TripConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var ce *clientError
			return errors.As(err, &ce)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetBreakerState(to.String())
			logger.Warn("gateway breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	metrics.SetBreakerState(gobreaker.StateClosed.String())

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		merchant: cfg.Merchant,
		http:     httpClient,
		breaker:  gobreaker.NewCircuitBreaker[[]byte](st),
		logger:   logger,
	}
}

// CreateCharge asks the provider for a white-label charge. The track id and
// deposit address are returned exactly as the provider sent them.
func (c *Client) CreateCharge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	wire := chargeWire{
		Merchant:       c.merchant,
		Amount:         json.Number(req.Amount.String()),
		Currency:       req.Currency,
		PayCurrency:    req.PayCurrency,
		LifeTime:       req.LifeTime,
		FeePaidByPayer: req.FeePaidByPayer,
		UnderPaidCover: json.Number(req.UnderPaidCover.String()),
		CallbackURL:    req.CallbackURL,
		ReturnURL:      req.ReturnURL,
		Description:    req.Description,
		OrderID:        req.OrderID,
		Email:          req.Email,
		Network:        req.Network,
	}

	var resp chargeResponse
	if err := c.call(ctx, "create_charge", pathCreateCharge, wire, &resp); err != nil {
		return ChargeResult{}, err
	}
	if resp.TrackID == "" {
		metrics.GatewayRequestsTotal.WithLabelValues("create_charge", "rejected").Inc()
		return ChargeResult{}, xerr.Upstream(http.StatusOK, resp.Message, errors.New("gateway response has no trackId"))
	}

	return ChargeResult{
		TrackID:     resp.TrackID.String(),
		Address:     resp.Address,
		PayLink:     resp.PayLink,
		ExpiredAt:   resp.ExpiredAt,
		LifeTime:    resp.LifeTime,
		Message:     resp.Message,
		QRCode:      resp.QRCode,
		Rate:        resp.Rate,
		Amount:      resp.Amount,
		Currency:    resp.Currency,
		PayAmount:   resp.PayAmount,
		PayCurrency: resp.PayCurrency,
		Network:     resp.Network,
	}, nil
}

func (c *Client) Inquire(ctx context.Context, trackID string) (ChargeStatus, error) {
	var resp inquiryResponse
	if err := c.call(ctx, "inquiry", pathInquiry, inquiryWire{Merchant: c.merchant, TrackID: trackID}, &resp); err != nil {
		return ChargeStatus{}, err
	}

	status := ChargeStatus{
		TrackID:        resp.TrackID.String(),
		Status:         resp.Status,
		Amount:         resp.Amount,
		Currency:       resp.Currency,
		PayAmount:      resp.PayAmount,
		PayCurrency:    resp.PayCurrency,
		ReceivedAmount: resp.ReceivedAmount,
		TxID:           resp.TxID,
		Address:        resp.Address,
		Email:          resp.Email,
		OrderID:        resp.OrderID,
		Message:        resp.Message,
	}
	if status.TrackID == "" {
		status.TrackID = trackID
	}
	return status, nil
}

// call posts body as JSON and decodes the reply into out. Every failure is
// returned as an xerr upstream error.
func (c *Client) call(ctx context.Context, op, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return xerr.Wrap(xerr.KindInternal, "internal_error", "encode gateway request", err)
	}

	start := time.Now()
	raw, err := c.breaker.Execute(func() ([]byte, error) {
		return c.exchange(ctx, path, payload)
	})
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues(op, "error").Inc()
		c.logger.Warn("gateway request failed",
			zap.String("op", op),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return toUpstreamError(err)
	}

	var envelope struct {
		Result  int    `json:"result"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues(op, "bad_response").Inc()
		return xerr.Upstream(http.StatusOK, string(raw), fmt.Errorf("decode gateway response: %w", err))
	}
	if envelope.Result != resultOK {
		metrics.GatewayRequestsTotal.WithLabelValues(op, "rejected").Inc()
		return xerr.Upstream(http.StatusOK, string(raw), fmt.Errorf("gateway result %d: %s", envelope.Result, envelope.Message))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues(op, "bad_response").Inc()
		return xerr.Upstream(http.StatusOK, string(raw), fmt.Errorf("decode gateway response: %w", err))
	}

	metrics.GatewayRequestsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

func (c *Client) exchange(ctx context.Context, path string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &serverError{status: resp.StatusCode, body: string(raw)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &clientError{status: resp.StatusCode, body: string(raw)}
	}
	return raw, nil
}

func toUpstreamError(err error) error {
	var ce *clientError
	if errors.As(err, &ce) {
		return xerr.Upstream(ce.status, ce.body, err)
	}
	var se *serverError
	if errors.As(err, &se) {
		return xerr.Upstream(se.status, se.body, err)
	}
	if IsUnavailable(err) {
		return xerr.Upstream(http.StatusServiceUnavailable, "", err)
	}
	return xerr.Upstream(http.StatusBadGateway, "", err)
}

// IsUnavailable reports whether err was produced by an open circuit
// breaker rather than by the provider itself.
func IsUnavailable(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
