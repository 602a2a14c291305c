package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

const chargeColumns = `track_id, email, order_id, amount, currency, pay_currency, status, last_checked_at, created_at, updated_at`

// CreateCharge records a charge the gateway accepted. Recording the same
// track id twice returns the first row.
func (s *Store) CreateCharge(ctx context.Context, c Charge) (Charge, error) {
	out, err := scanCharge(s.pool.QueryRow(ctx, `
		INSERT INTO charges (track_id, email, order_id, amount, currency, pay_currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (track_id) DO NOTHING
		RETURNING `+chargeColumns,
		c.TrackID,
		c.Email,
		c.OrderID,
		c.Amount,
		c.Currency,
		c.PayCurrency,
		ChargeRequested,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return s.GetCharge(ctx, c.TrackID)
	}
	return out, err
}

func (s *Store) GetCharge(ctx context.Context, trackID string) (Charge, error) {
	c, err := scanCharge(s.pool.QueryRow(ctx, `
		SELECT `+chargeColumns+` FROM charges WHERE track_id = $1
	`, trackID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Charge{}, ErrNotFound
		}
		return Charge{}, err
	}
	return c, nil
}

// SetChargeStatus moves a requested charge to a final status. Charges that
// already left the requested state are left alone.
func (s *Store) SetChargeStatus(ctx context.Context, trackID, status string) error {
	switch status {
	case ChargePaid, ChargeFailed, ChargeExpired:
	default:
		return ErrInvalidStatus
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE charges SET status = $1, updated_at = NOW()
		WHERE track_id = $2 AND status = $3
	`, status, trackID, ChargeRequested)
	return err
}

// ClaimStaleCharges stamps and returns up to limit requested charges
// created before cutoff, least recently checked first. Charges never
// checked come before all others.
func (s *Store) ClaimStaleCharges(ctx context.Context, cutoff time.Time, limit int) ([]Charge, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE charges SET last_checked_at = NOW()
		WHERE track_id IN (
			SELECT track_id FROM charges
			WHERE status = $1 AND created_at < $2
			ORDER BY last_checked_at NULLS FIRST, created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+chargeColumns,
		ChargeRequested, cutoff, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCharge(row pgx.Row) (Charge, error) {
	var c Charge
	err := row.Scan(
		&c.TrackID,
		&c.Email,
		&c.OrderID,
		&c.Amount,
		&c.Currency,
		&c.PayCurrency,
		&c.Status,
		&c.LastCheckedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}
