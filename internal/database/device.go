package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/damso/damso/internal/database/models"
)

// TokenKind identifies one of a device's push token columns.
type TokenKind string

const (
	TokenAPNs TokenKind = "apns"
	TokenVoIP TokenKind = "voip"
	TokenFCM  TokenKind = "fcm"
)

// column returns the devices column holding tokens of this kind. Only the
// fixed names below are ever interpolated into SQL.
func (k TokenKind) column() (string, error) {
	switch k {
	case TokenAPNs:
		return "apns_token", nil
	case TokenVoIP:
		return "voip_token", nil
	case TokenFCM:
		return "fcm_token", nil
	}
	return "", fmt.Errorf("unknown token kind %q", k)
}

// DeviceRegistration is the data a client reports when registering a device.
type DeviceRegistration struct {
	Platform        string
	Env             string
	APNsToken       *string
	VoIPToken       *string
	FCMToken        *string
	SupportsCallKit *bool // nil means true
}

const deviceColumns = `id, user_id, platform, apns_token, voip_token, fcm_token, supports_callkit, env, last_seen`

func scanDevice(row interface{ Scan(...any) error }) (*models.Device, error) {
	var d models.Device
	if err := row.Scan(&d.ID, &d.UserID, &d.Platform, &d.APNsToken, &d.VoIPToken,
		&d.FCMToken, &d.SupportsCallKit, &d.Env, &d.LastSeen); err != nil {
		return nil, err
	}
	return &d, nil
}

// deviceRepo implements DeviceRepository.
type deviceRepo struct {
	db *DB
}

// NewDeviceRepository creates a new DeviceRepository.
func NewDeviceRepository(db *DB) DeviceRepository {
	return &deviceRepo{db: db}
}

// Upsert registers a device for userID. A device already holding any of the
// given tokens is taken over; the tokens are cleared from every other row so
// each token stays owned by a single device.
func (r *deviceRepo) Upsert(ctx context.Context, userID string, reg DeviceRegistration) (*models.Device, error) {
	if reg.APNsToken == nil && reg.VoIPToken == nil && reg.FCMToken == nil {
		return nil, fmt.Errorf("device registration needs at least one token")
	}
	supportsCallKit := true
	if reg.SupportsCallKit != nil {
		supportsCallKit = *reg.SupportsCallKit
	}
	env := reg.Env
	if env == "" {
		env = models.EnvProd
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning device upsert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var existingID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM devices
		 WHERE apns_token = $1 OR voip_token = $2 OR fcm_token = $3
		 ORDER BY last_seen DESC
		 LIMIT 1`,
		reg.APNsToken, reg.VoIPToken, reg.FCMToken,
	).Scan(&existingID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("looking up device by token: %w", err)
	}

	tokens := []struct {
		kind  TokenKind
		value *string
	}{{TokenAPNs, reg.APNsToken}, {TokenVoIP, reg.VoIPToken}, {TokenFCM, reg.FCMToken}}
	for _, t := range tokens {
		if t.value == nil {
			continue
		}
		col, _ := t.kind.column()
		if _, err := tx.ExecContext(ctx,
			`UPDATE devices SET `+col+` = NULL WHERE `+col+` = $1 AND id::text <> $2`,
			*t.value, existingID); err != nil {
			return nil, fmt.Errorf("clearing reassigned %s token: %w", t.kind, err)
		}
	}

	// A device that no longer supports CallKit and sent no VoIP token must
	// stop receiving VoIP pushes.
	clearVoIP := !supportsCallKit && reg.VoIPToken == nil

	var d *models.Device
	if existingID == "" {
		d, err = scanDevice(tx.QueryRowContext(ctx,
			`INSERT INTO devices (user_id, platform, apns_token, voip_token, fcm_token, supports_callkit, env, last_seen)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
			 RETURNING `+deviceColumns,
			userID, reg.Platform, reg.APNsToken, reg.VoIPToken, reg.FCMToken, supportsCallKit, env,
		))
	} else {
		d, err = scanDevice(tx.QueryRowContext(ctx,
			`UPDATE devices SET
			   user_id = $2,
			   platform = $3,
			   apns_token = COALESCE($4, apns_token),
			   voip_token = CASE WHEN $8 THEN NULL ELSE COALESCE($5, voip_token) END,
			   fcm_token = COALESCE($6, fcm_token),
			   supports_callkit = $7,
			   env = $9,
			   last_seen = NOW()
			 WHERE id = $1
			 RETURNING `+deviceColumns,
			existingID, userID, reg.Platform, reg.APNsToken, reg.VoIPToken, reg.FCMToken,
			supportsCallKit, clearVoIP, env,
		))
	}
	if err != nil {
		return nil, fmt.Errorf("writing device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing device upsert: %w", err)
	}
	return d, nil
}

func (r *deviceRepo) list(ctx context.Context, query string, args ...any) ([]models.Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// ListByIdentity returns every device of the user with at least one token.
func (r *deviceRepo) ListByIdentity(ctx context.Context, identity string) ([]models.Device, error) {
	return r.list(ctx,
		`SELECT d.id, d.user_id, d.platform, d.apns_token, d.voip_token, d.fcm_token,
		        d.supports_callkit, d.env, d.last_seen
		 FROM devices d
		 JOIN users u ON d.user_id = u.id
		 WHERE u.identity = $1
		   AND (d.apns_token IS NOT NULL OR d.voip_token IS NOT NULL OR d.fcm_token IS NOT NULL)
		 ORDER BY d.last_seen DESC`, identity)
}

// ListByUserID returns every device registered to the user.
func (r *deviceRepo) ListByUserID(ctx context.Context, userID string) ([]models.Device, error) {
	return r.list(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE user_id = $1 ORDER BY last_seen DESC`, userID)
}

// ListWithToken returns all devices holding a token of the given kind. An
// empty env matches every environment.
func (r *deviceRepo) ListWithToken(ctx context.Context, kind TokenKind, env string) ([]models.Device, error) {
	col, err := kind.column()
	if err != nil {
		return nil, err
	}
	return r.list(ctx,
		`SELECT `+deviceColumns+` FROM devices
		 WHERE `+col+` IS NOT NULL AND ($1 = '' OR env = $1)`, env)
}

// FindUserByToken returns the owner of a push token. Returns nil, nil if no
// device holds it.
func (r *deviceRepo) FindUserByToken(ctx context.Context, kind TokenKind, token string) (*models.User, error) {
	col, err := kind.column()
	if err != nil {
		return nil, err
	}
	u, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT u.id, u.identity, u.display_name, u.nickname, u.user_type, u.email, u.created_at, u.updated_at
		 FROM devices d
		 JOIN users u ON d.user_id = u.id
		 WHERE d.`+col+` = $1
		 LIMIT 1`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying user by %s token: %w", kind, err)
	}
	return u, nil
}

// InvalidateToken clears a token the push provider reported as dead.
func (r *deviceRepo) InvalidateToken(ctx context.Context, kind TokenKind, token string) error {
	col, err := kind.column()
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx,
		`UPDATE devices SET `+col+` = NULL WHERE `+col+` = $1`, token); err != nil {
		return fmt.Errorf("invalidating %s token: %w", kind, err)
	}
	return nil
}
