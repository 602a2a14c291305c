package rewards

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"payledger/internal/refcode"
	"payledger/internal/store"
	"payledger/internal/xerr"
)

type ReferralStore interface {
	CreateReferral(ctx context.Context, input store.CreateReferralInput, gen store.CodeGenerator) (store.Referral, error)
	ListReferrals(ctx context.Context, code string) ([]store.Referral, error)
}

type Registrar struct {
	store   ReferralStore
	newCode store.CodeGenerator
	logger  *zap.Logger
}

func NewRegistrar(st ReferralStore, logger *zap.Logger) *Registrar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrar{store: st, newCode: refcode.New, logger: logger}
}

// Register records userID as referred by referrerCode and assigns the user
// a referral code of their own.
func (r *Registrar) Register(ctx context.Context, userID, referrerCode string, amount decimal.Decimal) (store.Referral, error) {
	userID = strings.TrimSpace(userID)
	referrerCode = strings.TrimSpace(referrerCode)
	switch {
	case userID == "":
		return store.Referral{}, xerr.Validation("invalid_user_id", "userId is required")
	case !refcode.Valid(referrerCode):
		return store.Referral{}, xerr.Validation("invalid_referrer_code", "referrerCode must be alphanumeric")
	case amount.IsNegative():
		return store.Referral{}, xerr.Validation("invalid_amount", "amount must not be negative")
	}

	ref, err := r.store.CreateReferral(ctx, store.CreateReferralInput{
		UserID:       userID,
		ReferrerCode: referrerCode,
		Amount:       amount,
	}, r.newCode)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrUnknownReferrer):
			return store.Referral{}, xerr.NotFound("referrer_not_found", "referrer code does not exist")
		case errors.Is(err, store.ErrSelfReferral):
			return store.Referral{}, xerr.Validation("self_referral", "users cannot refer themselves")
		case errors.Is(err, store.ErrReferralExists):
			return store.Referral{}, xerr.Conflict("referral_exists", "user is already referred")
		}
		r.logger.Error("create referral failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return store.Referral{}, xerr.Storage("create referral", err)
	}

	r.logger.Info("referral_registered",
		zap.String("user_id", ref.UserID),
		zap.String("own_code", ref.ReferrerCode1),
		zap.String("referrer_code", ref.ReferrerCode2),
	)
	return ref, nil
}

func (r *Registrar) List(ctx context.Context, referrerCode string) ([]store.Referral, error) {
	referrerCode = strings.TrimSpace(referrerCode)
	if referrerCode == "" {
		return nil, xerr.Validation("invalid_referrer_code", "referrerCode is required")
	}
	refs, err := r.store.ListReferrals(ctx, referrerCode)
	if err != nil {
		return nil, xerr.Storage("list referrals", err)
	}
	return refs, nil
}
