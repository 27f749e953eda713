package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/damso/damso/internal/database/models"
)

const userColumns = `id, identity, display_name, nickname, user_type, email, created_at, updated_at`

// userRepo implements UserRepository.
type userRepo struct {
	db *DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *DB) UserRepository {
	return &userRepo{db: db}
}

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Identity, &u.DisplayName, &u.Nickname,
		&u.UserType, &u.Email, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// Upsert creates the user for identity if needed. A non-nil displayName
// replaces the stored one; nil keeps it. created reports whether the row
// was inserted by this call.
func (r *userRepo) Upsert(ctx context.Context, identity string, displayName *string) (*models.User, bool, error) {
	var u models.User
	var created bool
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO users (identity, display_name)
		 VALUES ($1, $2)
		 ON CONFLICT (identity) DO UPDATE SET
		   display_name = COALESCE(EXCLUDED.display_name, users.display_name),
		   updated_at = NOW()
		 RETURNING `+userColumns+`, (xmax = 0)`,
		identity, displayName,
	).Scan(&u.ID, &u.Identity, &u.DisplayName, &u.Nickname,
		&u.UserType, &u.Email, &u.CreatedAt, &u.UpdatedAt, &created)
	if err != nil {
		return nil, false, fmt.Errorf("upserting user %s: %w", identity, err)
	}
	return &u, created, nil
}

// GetByID returns a user by primary key. Returns nil, nil if not found.
func (r *userRepo) GetByID(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying user by id: %w", err)
	}
	return u, nil
}

// GetByIdentity returns a user by identity. Returns nil, nil if not found.
func (r *userRepo) GetByIdentity(ctx context.Context, identity string) (*models.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE identity = $1`, identity))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying user by identity: %w", err)
	}
	return u, nil
}

// wardRepo implements WardRepository.
type wardRepo struct {
	db *DB
}

// NewWardRepository creates a new WardRepository.
func NewWardRepository(db *DB) WardRepository {
	return &wardRepo{db: db}
}

// GetByID returns a ward with its guardian linkage. Returns nil, nil if not
// found.
func (r *wardRepo) GetByID(ctx context.Context, id string) (*models.WardWithGuardian, error) {
	var w models.WardWithGuardian
	err := r.db.QueryRowContext(ctx,
		`SELECT w.id, w.user_id, w.guardian_id, w.organization_id, w.ai_persona, w.created_at,
		        u.identity, COALESCE(u.nickname, u.display_name),
		        g.user_id, gu.identity, gu.email
		 FROM wards w
		 JOIN users u ON w.user_id = u.id
		 LEFT JOIN guardians g ON w.guardian_id = g.id
		 LEFT JOIN users gu ON g.user_id = gu.id
		 WHERE w.id = $1`, id,
	).Scan(&w.ID, &w.UserID, &w.GuardianID, &w.OrganizationID, &w.AIPersona, &w.CreatedAt,
		&w.WardIdentity, &w.WardName, &w.GuardianUserID, &w.GuardianIdentity, &w.GuardianEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying ward: %w", err)
	}
	return &w, nil
}

// notificationSettingsRepo implements NotificationSettingsRepository.
type notificationSettingsRepo struct {
	db *DB
}

// NewNotificationSettingsRepository creates a new NotificationSettingsRepository.
func NewNotificationSettingsRepository(db *DB) NotificationSettingsRepository {
	return &notificationSettingsRepo{db: db}
}

// Get returns the guardian's preferences. Guardians without a stored row get
// every notification enabled.
func (r *notificationSettingsRepo) Get(ctx context.Context, guardianUserID string) (*models.NotificationSettings, error) {
	s := models.NotificationSettings{
		GuardianUserID: guardianUserID,
		CallComplete:   true,
		HealthAlert:    true,
		Emergency:      true,
	}
	err := r.db.QueryRowContext(ctx,
		`SELECT call_complete, health_alert, emergency
		 FROM guardian_notification_settings WHERE guardian_user_id = $1`, guardianUserID,
	).Scan(&s.CallComplete, &s.HealthAlert, &s.Emergency)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying notification settings: %w", err)
	}
	return &s, nil
}
