package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

const payoutColumns = `id, user_id, amount, currency, address, status, created_at, updated_at`

var payoutTransitions = map[string][]string{
	PayoutPending:  {PayoutApproved, PayoutRejected},
	PayoutApproved: {PayoutPaid},
}

func ValidPayoutStatus(status string) bool {
	switch status {
	case PayoutPending, PayoutApproved, PayoutRejected, PayoutPaid:
		return true
	}
	return false
}

func (s *Store) CreatePayout(ctx context.Context, input CreatePayoutInput) (Payout, error) {
	return scanPayout(s.pool.QueryRow(ctx, `
		INSERT INTO payouts (user_id, amount, currency, address, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+payoutColumns,
		input.UserID,
		input.Amount,
		input.Currency,
		input.Address,
		PayoutPending,
	))
}

func (s *Store) GetPayout(ctx context.Context, id int64) (Payout, error) {
	p, err := scanPayout(s.pool.QueryRow(ctx, `
		SELECT `+payoutColumns+` FROM payouts WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payout{}, ErrNotFound
		}
		return Payout{}, err
	}
	return p, nil
}

func (s *Store) ListPayouts(ctx context.Context, userID string) ([]Payout, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE user_id = $1
		ORDER BY id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePayoutStatus applies a status transition. Setting the current
// status again is a no-op that returns the payout.
func (s *Store) UpdatePayoutStatus(ctx context.Context, id int64, status string) (Payout, error) {
	if !ValidPayoutStatus(status) {
		return Payout{}, ErrInvalidStatus
	}

	var p Payout
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		p, err = scanPayout(tx.QueryRow(ctx, `
			SELECT `+payoutColumns+`
			FROM payouts
			WHERE id = $1
			FOR UPDATE
		`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		if p.Status == status {
			return nil
		}
		if !allowedTransition(p.Status, status) {
			return ErrInvalidTransition
		}

		p, err = scanPayout(tx.QueryRow(ctx, `
			UPDATE payouts SET status = $1, updated_at = NOW()
			WHERE id = $2
			RETURNING `+payoutColumns,
			status, id,
		))
		return err
	})
	if err != nil {
		return Payout{}, err
	}
	return p, nil
}

// DeletePayout removes a payout that was never approved.
func (s *Store) DeletePayout(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM payouts WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if status != PayoutPending && status != PayoutRejected {
			return ErrInvalidTransition
		}
		_, err = tx.Exec(ctx, `DELETE FROM payouts WHERE id = $1`, id)
		return err
	})
}

func allowedTransition(from, to string) bool {
	for _, s := range payoutTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func scanPayout(row pgx.Row) (Payout, error) {
	var p Payout
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.Amount,
		&p.Currency,
		&p.Address,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}
