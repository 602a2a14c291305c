// Package rewards registers referrals and grants referral rewards.
package rewards

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"payledger/internal/metrics"
	"payledger/internal/store"
	"payledger/internal/xerr"
)

// Ledger runs reward queries serialized per user and per referrer code.
type Ledger interface {
	WithRewardLock(ctx context.Context, userID, code string, fn func(q store.RewardQueries) error) error
}

type Policy struct {
	Tier1Amount decimal.Decimal
	Tier2Amount decimal.Decimal
	// Threshold is the number of referrals after the last tier-2 reward
	// that earns the next one.
	Threshold int
	Currency  string
}

func DefaultPolicy() Policy {
	return Policy{
		Tier1Amount: decimal.NewFromInt(10),
		Tier2Amount: decimal.NewFromInt(40),
		Threshold:   5,
		Currency:    "USDT",
	}
}

type Evaluation struct {
	FirstTierGranted         bool   `json:"firstTierGranted"`
	Granted                  bool   `json:"granted"`
	Message                  string `json:"message"`
	ReferralsSinceLastReward int    `json:"referralsSinceLastReward"`
	ReferralsLeft            int    `json:"referralsLeft"`
}

type Evaluator struct {
	ledger Ledger
	policy Policy
	logger *zap.Logger
}

func NewEvaluator(ledger Ledger, policy Policy, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.Threshold <= 0 {
		policy.Threshold = DefaultPolicy().Threshold
	}
	return &Evaluator{ledger: ledger, policy: policy, logger: logger}
}

// Evaluate grants the tier-1 reward for (userID, code) once, then counts the
// referrals under code since the user's last tier-2 reward and grants
// another tier-2 reward when the threshold is reached.
func (e *Evaluator) Evaluate(ctx context.Context, userID, code string) (Evaluation, error) {
	userID = strings.TrimSpace(userID)
	code = strings.TrimSpace(code)
	if userID == "" {
		return Evaluation{}, xerr.Validation("invalid_user_id", "userId is required")
	}
	if code == "" {
		return Evaluation{}, xerr.Validation("invalid_referrer_code", "referrerCode is required")
	}

	var ev Evaluation
	err := e.ledger.WithRewardLock(ctx, userID, code, func(q store.RewardQueries) error {
		ev = Evaluation{}

		first, err := q.InsertTierOne(ctx, userID, code, e.policy.Tier1Amount, e.policy.Currency)
		if err != nil {
			return fmt.Errorf("insert tier one: %w", err)
		}
		ev.FirstTierGranted = first

		mark, err := q.LastTierTwoMark(ctx, userID)
		if err != nil {
			return fmt.Errorf("last tier two: %w", err)
		}

		n, last, err := q.CountReferralsAfter(ctx, code, mark)
		if err != nil {
			return fmt.Errorf("count referrals: %w", err)
		}
		ev.ReferralsSinceLastReward = n

		if n < e.policy.Threshold {
			ev.ReferralsLeft = e.policy.Threshold - n
			ev.Message = "Refer " + strconv.Itoa(ev.ReferralsLeft) + " more users to earn the next reward"
			return nil
		}

		if _, err := q.InsertTierTwo(ctx, userID, code, e.policy.Tier2Amount, e.policy.Currency, last); err != nil {
			return fmt.Errorf("insert tier two: %w", err)
		}
		ev.Granted = true
		ev.Message = "Reward of " + e.policy.Tier2Amount.String() + " " + e.policy.Currency + " granted"
		return nil
	})
	if err != nil {
		e.logger.Error("reward evaluation failed",
			zap.String("user_id", userID),
			zap.String("referrer_code", code),
			zap.Error(err),
		)
		return Evaluation{}, xerr.Storage("evaluate reward", err)
	}

	if ev.FirstTierGranted {
		metrics.RewardsGrantedTotal.WithLabelValues("1").Inc()
	}
	if ev.Granted {
		metrics.RewardsGrantedTotal.WithLabelValues("2").Inc()
	}
	e.logger.Info("reward_evaluated",
		zap.String("user_id", userID),
		zap.String("referrer_code", code),
		zap.Bool("first_tier_granted", ev.FirstTierGranted),
		zap.Bool("granted", ev.Granted),
		zap.Int("referrals_since_last_reward", ev.ReferralsSinceLastReward),
	)
	return ev, nil
}
