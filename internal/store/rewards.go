package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const rewardColumns = `id, user_id, referrer_code, tier, amount, currency, last_referral_id, created_at`

// RewardQueries is the set of reads and writes reward evaluation performs
// while holding the reward locks.
type RewardQueries interface {
	// InsertTierOne adds the tier-1 reward for (userID, code) unless one
	// exists and reports whether a row was inserted.
	InsertTierOne(ctx context.Context, userID, code string, amount decimal.Decimal, currency string) (bool, error)
	// LastTierTwoMark returns the newest referral id counted by userID's
	// last tier-2 reward, or 0 when there is none.
	LastTierTwoMark(ctx context.Context, userID string) (int64, error)
	// CountReferralsAfter counts referrals under code with an id above
	// afterID and returns the highest such id.
	CountReferralsAfter(ctx context.Context, code string, afterID int64) (int, int64, error)
	InsertTierTwo(ctx context.Context, userID, code string, amount decimal.Decimal, currency string, lastReferralID int64) (Reward, error)
}

// WithRewardLock runs fn in a transaction holding the per-user reward lock
// and the per-code referral lock. CreateReferral takes the same code lock,
// so no referral under code is in flight while fn counts.
func (s *Store) WithRewardLock(ctx context.Context, userID, code string, fn func(q RewardQueries) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := advisoryLock(ctx, tx, "reward:"+userID); err != nil {
			return err
		}
		if err := advisoryLock(ctx, tx, referralLockKey(code)); err != nil {
			return err
		}
		return fn(rewardTx{tx: tx})
	})
}

func advisoryLock(ctx context.Context, tx pgx.Tx, key string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key)
	return err
}

func referralLockKey(code string) string {
	return "referrals:" + code
}

func (s *Store) ListRewards(ctx context.Context, userID string) ([]Reward, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+rewardColumns+`
		FROM rewards
		WHERE user_id = $1
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rewardTx struct {
	tx pgx.Tx
}

func (r rewardTx) InsertTierOne(ctx context.Context, userID, code string, amount decimal.Decimal, currency string) (bool, error) {
	tag, err := r.tx.Exec(ctx, `
		INSERT INTO rewards (user_id, referrer_code, tier, amount, currency)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, referrer_code) WHERE tier = 1 DO NOTHING
	`, userID, code, TierOne, amount, currency)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r rewardTx) LastTierTwoMark(ctx context.Context, userID string) (int64, error) {
	var mark int64
	err := r.tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(last_referral_id), 0) FROM rewards WHERE user_id = $1 AND tier = $2
	`, userID, TierTwo).Scan(&mark)
	return mark, err
}

func (r rewardTx) CountReferralsAfter(ctx context.Context, code string, afterID int64) (int, int64, error) {
	var (
		n    int
		last int64
	)
	err := r.tx.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(MAX(id), 0) FROM referrals WHERE referrer_code2 = $1 AND id > $2
	`, code, afterID).Scan(&n, &last)
	return n, last, err
}

func (r rewardTx) InsertTierTwo(ctx context.Context, userID, code string, amount decimal.Decimal, currency string, lastReferralID int64) (Reward, error) {
	return scanReward(r.tx.QueryRow(ctx, `
		INSERT INTO rewards (user_id, referrer_code, tier, amount, currency, last_referral_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+rewardColumns,
		userID, code, TierTwo, amount, currency, lastReferralID,
	))
}

func scanReward(row pgx.Row) (Reward, error) {
	var r Reward
	err := row.Scan(
		&r.ID,
		&r.UserID,
		&r.ReferrerCode,
		&r.Tier,
		&r.Amount,
		&r.Currency,
		&r.LastReferralID,
		&r.CreatedAt,
	)
	return r, err
}
