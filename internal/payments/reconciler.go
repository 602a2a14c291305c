package payments

import (
	"context"
	"time"

	"go.uber.org/zap"

	"payledger/internal/gateway"
	"payledger/internal/metrics"
	"payledger/internal/store"
)

// Reconciler recovers charges whose callback never arrived by polling the
// gateway's inquiry endpoint.
type Reconciler struct {
	ctrl     *Controller
	interval time.Duration
	grace    time.Duration
	batch    int
	logger   *zap.Logger
	now      func() time.Time
}

func NewReconciler(ctrl *Controller, interval, grace time.Duration, batch int, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	if batch <= 0 {
		batch = 50
	}
	return &Reconciler{
		ctrl:     ctrl,
		interval: interval,
		grace:    grace,
		batch:    batch,
		logger:   logger,
		now:      time.Now,
	}
}

// Run reconciles on every tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("reconcile failed", zap.Error(err))
			}
		}
	}
}

// ReconcileOnce inspects one batch of stale charges and returns how many
// were settled (paid, expired or failed). Claimed charges go to the back of
// the queue whatever the outcome.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	charges, err := r.ctrl.store.ClaimStaleCharges(ctx, r.now().Add(-r.grace), r.batch)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, ch := range charges {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		ok, err := r.reconcile(ctx, ch)
		if err != nil {
			metrics.ReconcileRunsTotal.WithLabelValues("error").Inc()
			r.logger.Warn("reconcile charge failed",
				zap.String("track_id", ch.TrackID),
				zap.Error(err),
			)
			continue
		}
		if ok {
			settled++
		}
	}
	return settled, nil
}

func (r *Reconciler) reconcile(ctx context.Context, ch store.Charge) (bool, error) {
	st, err := r.ctrl.gw.Inquire(ctx, ch.TrackID)
	if err != nil {
		return false, err
	}

	switch st.Status {
	case gateway.StatusPaid, gateway.StatusExpired, gateway.StatusFailed:
	default:
		metrics.ReconcileRunsTotal.WithLabelValues("pending").Inc()
		return false, nil
	}

	email := st.Email
	if email == "" {
		email = ch.Email
	}
	out, err := r.ctrl.HandleCallback(ctx, Callback{
		Status:         st.Status,
		TrackID:        ch.TrackID,
		Amount:         st.Amount,
		Currency:       st.Currency,
		PayCurrency:    st.PayCurrency,
		ReceivedAmount: st.ReceivedAmount,
		TxID:           st.TxID,
		Email:          email,
		OrderID:        st.OrderID,
	})
	if err != nil {
		return false, err
	}

	metrics.ReconcileRunsTotal.WithLabelValues(st.Status).Inc()
	r.logger.Info("charge_reconciled",
		zap.String("track_id", ch.TrackID),
		zap.String("status", st.Status),
		zap.Bool("paid", out.Paid),
	)
	return true, nil
}
