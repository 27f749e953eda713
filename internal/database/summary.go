package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/damso/damso/internal/database/models"
	"github.com/lib/pq"
)

// summaryRepo implements SummaryRepository.
type summaryRepo struct {
	db *DB
}

// NewSummaryRepository creates a new SummaryRepository.
func NewSummaryRepository(db *DB) SummaryRepository {
	return &summaryRepo{db: db}
}

const summaryColumns = `id, call_id, ward_id, summary, mood, mood_score, tags, health_keywords, created_at`

func scanSummary(row interface{ Scan(...any) error }) (*models.CallSummary, error) {
	var s models.CallSummary
	var keywords []byte
	if err := row.Scan(&s.ID, &s.CallID, &s.WardID, &s.Summary, &s.Mood, &s.MoodScore,
		pq.Array(&s.Tags), &keywords, &s.CreatedAt); err != nil {
		return nil, err
	}
	if len(keywords) > 0 {
		if err := json.Unmarshal(keywords, &s.HealthKeywords); err != nil {
			return nil, fmt.Errorf("decoding health keywords: %w", err)
		}
	}
	return &s, nil
}

// Create inserts a summary and fills its ID and CreatedAt.
func (r *summaryRepo) Create(ctx context.Context, s *models.CallSummary) error {
	keywords, err := json.Marshal(s.HealthKeywords)
	if err != nil {
		return fmt.Errorf("encoding health keywords: %w", err)
	}
	tags := s.Tags
	if tags == nil {
		tags = []string{}
	}
	err = r.db.QueryRowContext(ctx,
		`INSERT INTO call_summaries (call_id, ward_id, summary, mood, mood_score, tags, health_keywords)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		s.CallID, s.WardID, s.Summary, s.Mood, s.MoodScore, pq.Array(tags), string(keywords),
	).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting call summary: %w", err)
	}
	return nil
}

// GetLatestByCall returns the newest summary of a call. Returns nil, nil if
// the call has not been analyzed.
func (r *summaryRepo) GetLatestByCall(ctx context.Context, callID string) (*models.CallSummary, error) {
	s, err := scanSummary(r.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM call_summaries
		 WHERE call_id = $1 ORDER BY created_at DESC LIMIT 1`, callID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying call summary: %w", err)
	}
	return s, nil
}

// ListRecentByWard returns a ward's most recent summaries, newest first.
func (r *summaryRepo) ListRecentByWard(ctx context.Context, wardID string, limit int) ([]models.CallSummary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+summaryColumns+` FROM call_summaries
		 WHERE ward_id = $1 ORDER BY created_at DESC LIMIT $2`, wardID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying ward summaries: %w", err)
	}
	defer rows.Close()

	var out []models.CallSummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning summary row: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// CountRecentPainMentions counts the ward's summaries from the last days days
// whose health keywords report pain.
func (r *summaryRepo) CountRecentPainMentions(ctx context.Context, wardID string, days int) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM call_summaries
		 WHERE ward_id = $1
		   AND created_at > NOW() - make_interval(days => $2)
		   AND COALESCE((health_keywords->>'pain')::int, 0) > 0`,
		wardID, days,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pain mentions: %w", err)
	}
	return n, nil
}

// healthAlertRepo implements HealthAlertRepository.
type healthAlertRepo struct {
	db *DB
}

// NewHealthAlertRepository creates a new HealthAlertRepository.
func NewHealthAlertRepository(db *DB) HealthAlertRepository {
	return &healthAlertRepo{db: db}
}

// Create inserts an alert and fills its ID and CreatedAt.
func (r *healthAlertRepo) Create(ctx context.Context, a *models.HealthAlert) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO health_alerts (ward_id, guardian_id, alert_type, message)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, is_read, created_at`,
		a.WardID, a.GuardianID, a.AlertType, a.Message,
	).Scan(&a.ID, &a.IsRead, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting health alert: %w", err)
	}
	return nil
}

// ListByGuardian returns a guardian's alerts, newest first.
func (r *healthAlertRepo) ListByGuardian(ctx context.Context, guardianID string, limit int) ([]models.HealthAlert, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, ward_id, guardian_id, alert_type, message, is_read, created_at
		 FROM health_alerts WHERE guardian_id = $1
		 ORDER BY created_at DESC LIMIT $2`, guardianID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying health alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.HealthAlert
	for rows.Next() {
		var a models.HealthAlert
		if err := rows.Scan(&a.ID, &a.WardID, &a.GuardianID, &a.AlertType, &a.Message, &a.IsRead, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning health alert row: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
