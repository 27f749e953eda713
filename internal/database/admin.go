package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/damso/damso/internal/database/models"
)

// adminRepo implements AdminRepository.
type adminRepo struct {
	db *DB
}

// NewAdminRepository creates a new AdminRepository.
func NewAdminRepository(db *DB) AdminRepository {
	return &adminRepo{db: db}
}

// Create inserts a new admin and fills its ID and CreatedAt.
func (r *adminRepo) Create(ctx context.Context, a *models.Admin) error {
	role := a.Role
	if role == "" {
		role = "admin"
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO admins (email, password_hash, name, role)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, role, is_active, created_at`,
		a.Email, a.PasswordHash, a.Name, role,
	).Scan(&a.ID, &a.Role, &a.IsActive, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting admin: %w", err)
	}
	return nil
}

// GetByEmail returns an admin by email. Returns nil, nil if not found.
func (r *adminRepo) GetByEmail(ctx context.Context, email string) (*models.Admin, error) {
	var a models.Admin
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, name, role, is_active, last_login_at, created_at
		 FROM admins WHERE email = $1`, email,
	).Scan(&a.ID, &a.Email, &a.PasswordHash, &a.Name, &a.Role, &a.IsActive, &a.LastLoginAt, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying admin by email: %w", err)
	}
	return &a, nil
}

// TouchLogin stamps the admin's last login time.
func (r *adminRepo) TouchLogin(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE admins SET last_login_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("updating admin last login: %w", err)
	}
	return nil
}

// pushLogRepo implements PushLogRepository.
type pushLogRepo struct {
	db *DB
}

// NewPushLogRepository creates a new PushLogRepository.
func NewPushLogRepository(db *DB) PushLogRepository {
	return &pushLogRepo{db: db}
}

// Log records one delivery attempt.
func (r *pushLogRepo) Log(ctx context.Context, entry models.PushLog) error {
	var callID, reason *string
	if entry.CallID != "" {
		callID = &entry.CallID
	}
	if entry.Reason != "" {
		reason = &entry.Reason
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO push_logs (kind, env, token_hint, call_id, success, reason)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.Kind, entry.Env, entry.TokenHint, callID, entry.Success, reason)
	if err != nil {
		return fmt.Errorf("inserting push log: %w", err)
	}
	return nil
}
