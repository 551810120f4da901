package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/faceattend-api/internal/models"
)

// IdentityRepository reads enrolled subjects.
type IdentityRepository struct {
	db *sqlx.DB
}

// NewIdentityRepository constructs the repository.
func NewIdentityRepository(db *sqlx.DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

const identityColumns = `id, user_id, external_ref, full_name, active, created_at, updated_at`

// FindByID returns an identity or sql.ErrNoRows.
func (r *IdentityRepository) FindByID(ctx context.Context, id string) (*models.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE id = $1`
	var identity models.Identity
	if err := r.db.GetContext(ctx, &identity, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find identity: %w", err)
	}
	return &identity, nil
}

// FindByUserID returns the identity linked to a user account or sql.ErrNoRows.
func (r *IdentityRepository) FindByUserID(ctx context.Context, userID string) (*models.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE user_id = $1 AND active`
	var identity models.Identity
	if err := r.db.GetContext(ctx, &identity, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find identity by user: %w", err)
	}
	return &identity, nil
}

// FindByExternalRef returns an identity by its external reference or sql.ErrNoRows.
func (r *IdentityRepository) FindByExternalRef(ctx context.Context, ref string) (*models.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE external_ref = $1`
	var identity models.Identity
	if err := r.db.GetContext(ctx, &identity, query, ref); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find identity by ref: %w", err)
	}
	return &identity, nil
}

// Names resolves display names for ids. Unknown ids are omitted.
func (r *IdentityRepository) Names(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT id, full_name FROM identities WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("build identity names query: %w", err)
	}
	var rows []struct {
		ID       string `db:"id"`
		FullName string `db:"full_name"`
	}
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("identity names: %w", err)
	}
	for _, row := range rows {
		out[row.ID] = row.FullName
	}
	return out, nil
}

// CountActive returns the number of active identities.
func (r *IdentityRepository) CountActive(ctx context.Context) (int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM identities WHERE active`); err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	return total, nil
}
