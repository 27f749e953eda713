// Package scheduler runs the periodic call reminder and missed-call sweeps.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/damso/damso/internal/calls"
	"github.com/damso/damso/internal/database"
	"github.com/damso/damso/internal/push"
)

// Default sweep intervals.
const (
	ReminderInterval = 30 * time.Minute
	MissedInterval   = time.Hour

	reminderLead = 30 * time.Minute
	missedLagHrs = 1
)

// UserPusher sends a push to every device of a user.
type UserPusher interface {
	SendUserPush(ctx context.Context, identity string, kind push.Kind, env string, n push.Notification) (*calls.PushSummary, error)
}

// Scheduler sends schedule reminders to wards and missed-call notices to
// guardians.
type Scheduler struct {
	schedules database.ScheduleRepository
	pusher    UserPusher
	now       func() time.Time
}

// New creates a Scheduler.
func New(schedules database.ScheduleRepository, pusher UserPusher) *Scheduler {
	return &Scheduler{schedules: schedules, pusher: pusher, now: time.Now}
}

// Start runs both sweeps on their own tickers until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context, reminderEvery, missedEvery time.Duration) {
	go s.loop(ctx, reminderEvery, func() { s.RunReminders(ctx) })
	go s.loop(ctx, missedEvery, func() { s.RunMissedSweep(ctx) })
	slog.Info("notification scheduler started",
		"reminder_interval", reminderEvery.String(), "missed_interval", missedEvery.String())
}

func (s *Scheduler) loop(ctx context.Context, every time.Duration, run func()) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// RunReminders pushes a reminder to every ward with a schedule in the next
// thirty minutes of today and stamps the schedule. It returns the number of
// reminders sent.
func (s *Scheduler) RunReminders(ctx context.Context) int {
	now := s.now()
	from := now.Format("15:04") + ":00"
	to := now.Add(reminderLead).Format("15:04") + ":00"
	dow := int(now.Weekday())

	schedules, err := s.schedules.ListUpcoming(ctx, dow, from, to)
	if err != nil {
		slog.Error("call reminders: failed to list schedules", "error", err)
		return 0
	}

	sent := 0
	for _, sc := range schedules {
		_, err := s.pusher.SendUserPush(ctx, sc.WardIdentity, push.KindAlert, "", push.Notification{
			Title:   "담소",
			Body:    fmt.Sprintf("30분 후 %s와 대화 예정이에요", sc.AIPersona),
			Payload: map[string]any{"type": "call_reminder", "scheduleId": sc.ID},
		})
		if err != nil {
			slog.Warn("call reminder push failed", "schedule_id", sc.ID, "ward", sc.WardIdentity, "error", err)
			continue
		}
		if err := s.schedules.MarkReminderSent(ctx, sc.ID); err != nil {
			slog.Error("failed to mark reminder sent", "schedule_id", sc.ID, "error", err)
			continue
		}
		sent++
		slog.Info("call reminder sent", "schedule_id", sc.ID, "ward", sc.WardIdentity)
	}

	slog.Debug("call reminders swept", "day_of_week", dow, "from", from, "to", to,
		"due", len(schedules), "sent", sent)
	return sent
}

// RunMissedSweep notifies guardians of wards who skipped a schedule that came
// due an hour ago. It returns the number of guardians notified.
func (s *Scheduler) RunMissedSweep(ctx context.Context) int {
	missed, err := s.schedules.ListMissed(ctx, missedLagHrs)
	if err != nil {
		slog.Error("missed calls: failed to list schedules", "error", err)
		return 0
	}

	sent := 0
	for _, m := range missed {
		_, err := s.pusher.SendUserPush(ctx, m.GuardianIdentity, push.KindAlert, "", push.Notification{
			Title:   "담소",
			Body:    "어르신이 오늘 예정된 통화를 하지 않으셨어요",
			Payload: map[string]any{"type": "missed_call", "wardId": m.WardID},
		})
		if err != nil {
			slog.Warn("missed call push failed", "ward_id", m.WardID, "guardian", m.GuardianIdentity, "error", err)
			continue
		}
		sent++
		slog.Info("missed call notice sent", "ward_id", m.WardID, "guardian", m.GuardianIdentity)
	}
	return sent
}
