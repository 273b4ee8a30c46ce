package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/hgheiberger/nb/internal/models"
)

// UserRepository provides read access to accounts and follow edges.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new instance of UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, username, first_name, last_name, email`

// FindByID returns a user by identifier.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1 LIMIT 1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	return &user, nil
}

// FindByIDs loads users in one round trip. Unknown ids are skipped.
func (r *UserRepository) FindByIDs(ctx context.Context, ids []string) ([]models.User, error) {
	if len(ids) == 0 {
		return []models.User{}, nil
	}
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = ANY($1::uuid[]) ORDER BY last_name, first_name, id`
	var users []models.User
	if err := r.db.SelectContext(ctx, &users, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("find users by ids: %w", err)
	}
	return users, nil
}

// Follows returns the ids of the users userID follows.
func (r *UserRepository) Follows(ctx context.Context, userID string) (models.IDSet, error) {
	const query = `SELECT followed_id FROM followers WHERE user_id = $1 ORDER BY created_at`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, userID); err != nil {
		return models.IDSet{}, fmt.Errorf("list follows: %w", err)
	}
	return models.NewIDSet(ids...), nil
}
