package store

import (
	"context"

	"github.com/jackc/pgx/v5"
)

func (s *Store) CreateGrant(ctx context.Context, g Grant) (Grant, error) {
	var out Grant
	err := s.pool.QueryRow(ctx, `
		INSERT INTO grants (grantor_id, grantee_id, privilege)
		VALUES ($1, $2, $3)
		RETURNING id, grantor_id, grantee_id, privilege, created_at
	`, g.GrantorID, g.GranteeID, g.Privilege).Scan(
		&out.ID,
		&out.GrantorID,
		&out.GranteeID,
		&out.Privilege,
		&out.CreatedAt,
	)
	return out, err
}

// ListGrants returns all grants, or only those issued by grantorID when it
// is not empty.
func (s *Store) ListGrants(ctx context.Context, grantorID string) ([]Grant, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if grantorID == "" {
		rows, err = s.pool.Query(ctx, `
			SELECT id, grantor_id, grantee_id, privilege, created_at FROM grants ORDER BY id
		`)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, grantor_id, grantee_id, privilege, created_at FROM grants WHERE grantor_id = $1 ORDER BY id
		`, grantorID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.ID, &g.GrantorID, &g.GranteeID, &g.Privilege, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
