package database

import (
	"context"
	"fmt"

	"github.com/damso/damso/internal/database/models"
)

// scheduleRepo implements ScheduleRepository.
type scheduleRepo struct {
	db *DB
}

// NewScheduleRepository creates a new ScheduleRepository.
func NewScheduleRepository(db *DB) ScheduleRepository {
	return &scheduleRepo{db: db}
}

// ListUpcoming returns active schedules on dayOfWeek (0 = Sunday) whose time
// falls in [from, to), given as "HH:MM:SS". A window that wraps past midnight
// (from > to) matches both ends of the day. Schedules reminded within the
// last hour are skipped.
func (r *scheduleRepo) ListUpcoming(ctx context.Context, dayOfWeek int, from, to string) ([]models.UpcomingSchedule, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT cs.id, cs.ward_id, u.identity, w.ai_persona, cs.scheduled_time::text
		 FROM call_schedules cs
		 JOIN wards w ON cs.ward_id = w.id
		 JOIN users u ON w.user_id = u.id
		 WHERE cs.day_of_week = $1
		   AND cs.is_active
		   AND CASE WHEN $2::time <= $3::time
		            THEN cs.scheduled_time >= $2::time AND cs.scheduled_time < $3::time
		            ELSE cs.scheduled_time >= $2::time OR cs.scheduled_time < $3::time
		       END
		   AND (cs.reminder_sent_at IS NULL OR cs.reminder_sent_at < NOW() - INTERVAL '1 hour')
		 ORDER BY cs.scheduled_time`,
		dayOfWeek, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying upcoming schedules: %w", err)
	}
	defer rows.Close()

	var out []models.UpcomingSchedule
	for rows.Next() {
		var s models.UpcomingSchedule
		if err := rows.Scan(&s.ID, &s.WardID, &s.WardIdentity, &s.AIPersona, &s.ScheduledTime); err != nil {
			return nil, fmt.Errorf("scanning upcoming schedule row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkReminderSent stamps the schedule's reminder time.
func (r *scheduleRepo) MarkReminderSent(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE call_schedules SET reminder_sent_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("marking reminder sent: %w", err)
	}
	return nil
}

// ListMissed returns wards with a guardian whose schedule came due in the
// hour ending hoursAgo hours ago and who have no finished call since then.
// Run hourly, each missed schedule is reported once.
func (r *scheduleRepo) ListMissed(ctx context.Context, hoursAgo int) ([]models.MissedSchedule, error) {
	rows, err := r.db.QueryContext(ctx,
		`WITH ref AS (SELECT NOW() - make_interval(hours => $1) AS t)
		 SELECT DISTINCT w.id, u.identity, gu.identity, g.user_id
		 FROM call_schedules cs
		 CROSS JOIN ref
		 JOIN wards w ON cs.ward_id = w.id
		 JOIN users u ON w.user_id = u.id
		 JOIN guardians g ON w.guardian_id = g.id
		 JOIN users gu ON g.user_id = gu.id
		 WHERE cs.is_active
		   AND cs.day_of_week = EXTRACT(DOW FROM ref.t)::int
		   AND date_trunc('day', ref.t) + cs.scheduled_time <= ref.t
		   AND date_trunc('day', ref.t) + cs.scheduled_time > ref.t - INTERVAL '1 hour'
		   AND NOT EXISTS (
		     SELECT 1 FROM calls c
		     WHERE c.callee_user_id = w.user_id
		       AND c.state = 'ended'
		       AND c.created_at >= date_trunc('day', ref.t) + cs.scheduled_time - INTERVAL '1 hour'
		   )`,
		hoursAgo)
	if err != nil {
		return nil, fmt.Errorf("querying missed schedules: %w", err)
	}
	defer rows.Close()

	var out []models.MissedSchedule
	for rows.Next() {
		var m models.MissedSchedule
		if err := rows.Scan(&m.WardID, &m.WardIdentity, &m.GuardianIdentity, &m.GuardianUserID); err != nil {
			return nil, fmt.Errorf("scanning missed schedule row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
