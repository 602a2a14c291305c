package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

const referralColumns = `id, user_id, referrer_code1, referrer_code2, amount, created_at`

// CreateReferral registers input.UserID under input.ReferrerCode. The user's
// own code is assigned (or reused) in the same transaction.
func (s *Store) CreateReferral(ctx context.Context, input CreateReferralInput, gen CodeGenerator) (Referral, error) {
	var r Referral
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := advisoryLock(ctx, tx, referralLockKey(input.ReferrerCode)); err != nil {
			return err
		}

		var referrer string
		err := tx.QueryRow(ctx, `SELECT owner FROM referral_codes WHERE code = $1`, input.ReferrerCode).Scan(&referrer)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUnknownReferrer
			}
			return err
		}
		if referrer == input.UserID {
			return ErrSelfReferral
		}

		own, err := getOrCreateCode(ctx, tx, input.UserID, gen)
		if err != nil {
			return err
		}
		if own == input.ReferrerCode {
			return ErrSelfReferral
		}

		r, err = scanReferral(tx.QueryRow(ctx, `
			INSERT INTO referrals (user_id, referrer_code1, referrer_code2, amount)
			VALUES ($1, $2, $3, $4)
			RETURNING `+referralColumns,
			input.UserID,
			own,
			input.ReferrerCode,
			input.Amount,
		))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrReferralExists
			}
			return err
		}
		return nil
	})
	if err != nil {
		return Referral{}, err
	}
	return r, nil
}

// ListReferrals returns the referrals made under code, oldest first.
func (s *Store) ListReferrals(ctx context.Context, code string) ([]Referral, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+referralColumns+`
		FROM referrals
		WHERE referrer_code2 = $1
		ORDER BY created_at, id
	`, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Referral
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReferral(row pgx.Row) (Referral, error) {
	var r Referral
	err := row.Scan(
		&r.ID,
		&r.UserID,
		&r.ReferrerCode1,
		&r.ReferrerCode2,
		&r.Amount,
		&r.CreatedAt,
	)
	return r, err
}
