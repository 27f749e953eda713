package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/damso/damso/internal/database/models"
)

// emergencyRepo implements EmergencyRepository.
type emergencyRepo struct {
	db *DB
}

// NewEmergencyRepository creates a new EmergencyRepository.
func NewEmergencyRepository(db *DB) EmergencyRepository {
	return &emergencyRepo{db: db}
}

const emergencySelect = `SELECT e.id, e.ward_id, e.type, e.status, e.latitude, e.longitude,
	e.message, e.guardian_notified, e.resolved_at, e.resolved_by, e.resolution_note,
	e.created_at, COALESCE(u.nickname, u.display_name)
	FROM emergencies e
	LEFT JOIN wards w ON e.ward_id = w.id
	LEFT JOIN users u ON w.user_id = u.id`

func scanEmergency(row interface{ Scan(...any) error }) (*models.Emergency, error) {
	var e models.Emergency
	if err := row.Scan(&e.ID, &e.WardID, &e.Type, &e.Status, &e.Latitude, &e.Longitude,
		&e.Message, &e.GuardianNotified, &e.ResolvedAt, &e.ResolvedBy, &e.ResolutionNote,
		&e.CreatedAt, &e.WardName); err != nil {
		return nil, err
	}
	return &e, nil
}

// Create inserts an active emergency and fills its ID, Status and CreatedAt.
func (r *emergencyRepo) Create(ctx context.Context, e *models.Emergency) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO emergencies (ward_id, type, latitude, longitude, message)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, status, guardian_notified, created_at`,
		e.WardID, e.Type, e.Latitude, e.Longitude, e.Message,
	).Scan(&e.ID, &e.Status, &e.GuardianNotified, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting emergency: %w", err)
	}
	return nil
}

// GetByID returns an emergency by ID. Returns nil, nil if not found.
func (r *emergencyRepo) GetByID(ctx context.Context, id string) (*models.Emergency, error) {
	e, err := scanEmergency(r.db.QueryRowContext(ctx, emergencySelect+` WHERE e.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying emergency: %w", err)
	}
	return e, nil
}

// List returns emergencies matching f, newest first.
func (r *emergencyRepo) List(ctx context.Context, f models.EmergencyFilter) ([]models.Emergency, error) {
	var conds []string
	var args []any
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("e.status = $%d", len(args)))
	}
	if f.WardID != "" {
		args = append(args, f.WardID)
		conds = append(conds, fmt.Sprintf("e.ward_id = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	query := emergencySelect
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY e.created_at DESC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying emergencies: %w", err)
	}
	defer rows.Close()

	var out []models.Emergency
	for rows.Next() {
		e, err := scanEmergency(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning emergency row: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Resolve closes an active emergency with a terminal status. Returns nil, nil
// when no active emergency has this ID.
func (r *emergencyRepo) Resolve(ctx context.Context, id, status, resolvedBy string, note *string) (*models.Emergency, error) {
	var resolvedID string
	err := r.db.QueryRowContext(ctx,
		`UPDATE emergencies
		 SET status = $2, resolved_at = NOW(), resolved_by = $3, resolution_note = $4
		 WHERE id = $1 AND status = 'active'
		 RETURNING id`,
		id, status, resolvedBy, note,
	).Scan(&resolvedID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving emergency: %w", err)
	}
	return r.GetByID(ctx, resolvedID)
}

// MarkGuardianNotified records that the guardian was pushed.
func (r *emergencyRepo) MarkGuardianNotified(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE emergencies SET guardian_notified = TRUE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("marking guardian notified: %w", err)
	}
	return nil
}

// CountActive returns the number of unresolved emergencies.
func (r *emergencyRepo) CountActive(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM emergencies WHERE status = 'active'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting active emergencies: %w", err)
	}
	return n, nil
}

// ListActiveAgencies returns every agency that can be contacted.
func (r *emergencyRepo) ListActiveAgencies(ctx context.Context) ([]models.EmergencyAgency, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, type, phone_number, latitude, longitude, address, is_active
		 FROM emergency_agencies WHERE is_active`)
	if err != nil {
		return nil, fmt.Errorf("querying agencies: %w", err)
	}
	defer rows.Close()

	var out []models.EmergencyAgency
	for rows.Next() {
		var a models.EmergencyAgency
		if err := rows.Scan(&a.ID, &a.Name, &a.Type, &a.PhoneNumber, &a.Latitude, &a.Longitude,
			&a.Address, &a.IsActive); err != nil {
			return nil, fmt.Errorf("scanning agency row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateContact records an agency contact and fills its ID and ContactedAt.
// An empty ResponseStatus is stored as pending.
func (r *emergencyRepo) CreateContact(ctx context.Context, c *models.EmergencyContact) error {
	if c.ResponseStatus == "" {
		c.ResponseStatus = "pending"
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO emergency_contacts (emergency_id, agency_id, distance_km, response_status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, contacted_at`,
		c.EmergencyID, c.AgencyID, c.DistanceKm, c.ResponseStatus,
	).Scan(&c.ID, &c.ContactedAt)
	if err != nil {
		return fmt.Errorf("inserting emergency contact: %w", err)
	}
	return nil
}

// ListContacts returns an emergency's agency contacts, nearest first.
func (r *emergencyRepo) ListContacts(ctx context.Context, emergencyID string) ([]models.EmergencyContact, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT ec.id, ec.emergency_id, ec.agency_id, ea.name, ea.type, ea.phone_number,
		        ec.distance_km, ec.response_status, ec.contacted_at
		 FROM emergency_contacts ec
		 JOIN emergency_agencies ea ON ec.agency_id = ea.id
		 WHERE ec.emergency_id = $1
		 ORDER BY ec.distance_km`, emergencyID)
	if err != nil {
		return nil, fmt.Errorf("querying emergency contacts: %w", err)
	}
	defer rows.Close()

	var out []models.EmergencyContact
	for rows.Next() {
		var c models.EmergencyContact
		if err := rows.Scan(&c.ID, &c.EmergencyID, &c.AgencyID, &c.AgencyName, &c.AgencyType,
			&c.PhoneNumber, &c.DistanceKm, &c.ResponseStatus, &c.ContactedAt); err != nil {
			return nil, fmt.Errorf("scanning emergency contact row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
