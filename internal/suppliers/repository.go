package suppliers

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/invopipe/invopipe/internal/orders"
)

// ErrNotFound indicates resource not found.
var ErrNotFound = errors.New("suppliers: not found")

// Repository provides PostgreSQL backed persistence for supplier profiles.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectProfile = `
	SELECT code, name, senders, instructions, default_vat, created_at, updated_at
	FROM supplier_profiles`

// GetByCode fetches one profile.
func (r *Repository) GetByCode(ctx context.Context, code string) (Profile, error) {
	return scanProfile(r.pool.QueryRow(ctx, selectProfile+` WHERE code = $1`, code))
}

// FindBySender resolves the sender identity to a profile.
// Unknown senders return (nil, nil): not an error.
func (r *Repository) FindBySender(ctx context.Context, sender string) (*Profile, error) {
	prof, err := scanProfile(r.pool.QueryRow(ctx, selectProfile+` WHERE $1 = ANY(senders)`, sender))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &prof, nil
}

// List returns all profiles ordered by code.
func (r *Repository) List(ctx context.Context) ([]Profile, error) {
	rows, err := r.pool.Query(ctx, selectProfile+` ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("suppliers: list: %w", err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		prof, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, prof)
	}
	return out, rows.Err()
}

// Upsert writes the profile under its code.
func (r *Repository) Upsert(ctx context.Context, prof Profile) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO supplier_profiles (code, name, senders, instructions, default_vat, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			senders = EXCLUDED.senders,
			instructions = EXCLUDED.instructions,
			default_vat = EXCLUDED.default_vat,
			updated_at = NOW()`,
		prof.Code, prof.Name, prof.Senders, prof.Instructions, string(prof.DefaultVat),
	)
	if err != nil {
		return fmt.Errorf("suppliers: upsert: %w", err)
	}
	return nil
}

func scanProfile(row pgx.Row) (Profile, error) {
	var prof Profile
	var vat string
	err := row.Scan(&prof.Code, &prof.Name, &prof.Senders, &prof.Instructions, &vat, &prof.CreatedAt, &prof.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("suppliers: scan profile: %w", err)
	}
	prof.DefaultVat = orders.VatTreatment(vat)
	return prof, nil
}
