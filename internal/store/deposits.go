package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const maxCodeAttempts = 5

const depositColumns = `id, track_id, amount, received_amount, currency, pay_currency, transaction_id, referral_code, email, status, created_at`

// RecordPaidDeposit stores the deposit for a paid charge and assigns the
// payer's referral code in one transaction. A track id that is already
// recorded returns the stored deposit with created == false.
func (s *Store) RecordPaidDeposit(ctx context.Context, input RecordDepositInput, gen CodeGenerator) (Deposit, bool, error) {
	var (
		d       Deposit
		created bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		existing, err := getDepositByTrackID(ctx, tx, input.TrackID)
		if err == nil {
			d = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		code, err := getOrCreateCode(ctx, tx, input.Email, gen)
		if err != nil {
			return err
		}

		d, err = insertDeposit(ctx, tx, input, code)
		if errors.Is(err, pgx.ErrNoRows) {
			// A concurrent callback for the same track id won the insert.
			d, err = getDepositByTrackID(ctx, tx, input.TrackID)
			return err
		}
		if err != nil {
			return err
		}
		created = true

		_, err = tx.Exec(ctx, `
			UPDATE charges SET status = $1, updated_at = NOW()
			WHERE track_id = $2 AND status <> $1
		`, ChargePaid, input.TrackID)
		return err
	})
	if err != nil {
		return Deposit{}, false, err
	}
	return d, created, nil
}

func (s *Store) GetDeposit(ctx context.Context, trackID string) (Deposit, error) {
	return getDepositByTrackID(ctx, s.pool, trackID)
}

func (s *Store) ListDepositsByEmail(ctx context.Context, email string) ([]Deposit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+depositColumns+`
		FROM deposits
		WHERE email = $1
		ORDER BY id
	`, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetReferralCode returns the code assigned to owner (an email or user id).
func (s *Store) GetReferralCode(ctx context.Context, owner string) (ReferralCode, error) {
	var rc ReferralCode
	err := s.pool.QueryRow(ctx, `
		SELECT owner, code, created_at FROM referral_codes WHERE owner = $1
	`, owner).Scan(&rc.Owner, &rc.Code, &rc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ReferralCode{}, ErrNotFound
		}
		return ReferralCode{}, err
	}
	return rc, nil
}

// getOrCreateCode returns owner's code, inserting a fresh one when absent.
// Each insert runs under a savepoint so a collision on the global code
// index can be retried without aborting the enclosing transaction.
func getOrCreateCode(ctx context.Context, tx pgx.Tx, owner string, gen CodeGenerator) (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		var code string
		err := tx.QueryRow(ctx, `SELECT code FROM referral_codes WHERE owner = $1`, owner).Scan(&code)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", err
		}

		candidate, err := gen()
		if err != nil {
			return "", fmt.Errorf("generate referral code: %w", err)
		}

		sp, err := tx.Begin(ctx)
		if err != nil {
			return "", err
		}
		err = sp.QueryRow(ctx, `
			INSERT INTO referral_codes (owner, code)
			VALUES ($1, $2)
			ON CONFLICT (owner) DO NOTHING
			RETURNING code
		`, owner, candidate).Scan(&code)
		switch {
		case err == nil:
			if err := sp.Commit(ctx); err != nil {
				return "", err
			}
			return code, nil
		case errors.Is(err, pgx.ErrNoRows):
			// Another transaction assigned a code to owner first; read it.
			if err := sp.Commit(ctx); err != nil {
				return "", err
			}
		case isConstraintViolation(err, "referral_codes_code_key"):
			if err := sp.Rollback(ctx); err != nil {
				return "", err
			}
		default:
			_ = sp.Rollback(ctx)
			return "", err
		}
	}
	return "", ErrCodeExhausted
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getDepositByTrackID(ctx context.Context, q querier, trackID string) (Deposit, error) {
	d, err := scanDeposit(q.QueryRow(ctx, `
		SELECT `+depositColumns+`
		FROM deposits
		WHERE track_id = $1
	`, trackID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deposit{}, ErrNotFound
		}
		return Deposit{}, err
	}
	return d, nil
}

func insertDeposit(ctx context.Context, tx pgx.Tx, input RecordDepositInput, code string) (Deposit, error) {
	return scanDeposit(tx.QueryRow(ctx, `
		INSERT INTO deposits (track_id, amount, received_amount, currency, pay_currency, transaction_id, referral_code, email, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (track_id) DO NOTHING
		RETURNING `+depositColumns,
		input.TrackID,
		input.Amount,
		input.ReceivedAmount,
		input.Currency,
		input.PayCurrency,
		input.TransactionID,
		code,
		input.Email,
		input.Status,
	))
}

func scanDeposit(row pgx.Row) (Deposit, error) {
	var d Deposit
	err := row.Scan(
		&d.ID,
		&d.TrackID,
		&d.Amount,
		&d.ReceivedAmount,
		&d.Currency,
		&d.PayCurrency,
		&d.TransactionID,
		&d.ReferralCode,
		&d.Email,
		&d.Status,
		&d.CreatedAt,
	)
	return d, err
}
