package database

import (
	"context"
	"time"

	"github.com/damso/damso/internal/database/models"
)

// UserRepository manages users keyed by their LiveKit identity.
type UserRepository interface {
	Upsert(ctx context.Context, identity string, displayName *string) (user *models.User, created bool, err error)
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByIdentity(ctx context.Context, identity string) (*models.User, error)
}

// WardRepository reads wards together with their primary guardian.
type WardRepository interface {
	GetByID(ctx context.Context, id string) (*models.WardWithGuardian, error)
}

// NotificationSettingsRepository reads guardian push preferences.
type NotificationSettingsRepository interface {
	Get(ctx context.Context, guardianUserID string) (*models.NotificationSettings, error)
}

// RoomRepository manages LiveKit rooms and their members.
type RoomRepository interface {
	CreateIfMissing(ctx context.Context, roomName string) error
	UpsertMember(ctx context.Context, roomName, userID, role string) error
	ListMembers(ctx context.Context, roomName string) ([]models.RoomMember, error)
}

// DeviceRepository manages registered devices and their push tokens.
type DeviceRepository interface {
	Upsert(ctx context.Context, userID string, reg DeviceRegistration) (*models.Device, error)
	ListByIdentity(ctx context.Context, identity string) ([]models.Device, error)
	ListByUserID(ctx context.Context, userID string) ([]models.Device, error)
	ListWithToken(ctx context.Context, kind TokenKind, env string) ([]models.Device, error)
	FindUserByToken(ctx context.Context, kind TokenKind, token string) (*models.User, error)
	InvalidateToken(ctx context.Context, kind TokenKind, token string) error
}

// CallRepository manages call rows and their state transitions.
type CallRepository interface {
	CreateRinging(ctx context.Context, call *models.Call, window time.Duration) (deduped bool, err error)
	Transition(ctx context.Context, id, to string, from ...string) (*models.Call, error)
	GetByID(ctx context.Context, id string) (*models.Call, error)
	GetWithWardInfo(ctx context.Context, id string) (*models.CallWardInfo, error)
	GetForAnalysis(ctx context.Context, id string) (*models.CallAnalysisInput, error)
	CountByState(ctx context.Context) (map[string]int64, error)
}

// SummaryRepository manages call analysis summaries.
type SummaryRepository interface {
	Create(ctx context.Context, s *models.CallSummary) error
	GetLatestByCall(ctx context.Context, callID string) (*models.CallSummary, error)
	ListRecentByWard(ctx context.Context, wardID string, limit int) ([]models.CallSummary, error)
	CountRecentPainMentions(ctx context.Context, wardID string, days int) (int, error)
}

// HealthAlertRepository manages guardian health alerts.
type HealthAlertRepository interface {
	Create(ctx context.Context, a *models.HealthAlert) error
	ListByGuardian(ctx context.Context, guardianID string, limit int) ([]models.HealthAlert, error)
}

// ScheduleRepository reads call schedules for the notification scheduler.
type ScheduleRepository interface {
	ListUpcoming(ctx context.Context, dayOfWeek int, from, to string) ([]models.UpcomingSchedule, error)
	MarkReminderSent(ctx context.Context, id string) error
	ListMissed(ctx context.Context, hoursAgo int) ([]models.MissedSchedule, error)
}

// EmergencyRepository manages emergencies, agencies and agency contacts.
type EmergencyRepository interface {
	Create(ctx context.Context, e *models.Emergency) error
	GetByID(ctx context.Context, id string) (*models.Emergency, error)
	List(ctx context.Context, f models.EmergencyFilter) ([]models.Emergency, error)
	Resolve(ctx context.Context, id, status, resolvedBy string, note *string) (*models.Emergency, error)
	MarkGuardianNotified(ctx context.Context, id string) error
	CountActive(ctx context.Context) (int64, error)
	ListActiveAgencies(ctx context.Context) ([]models.EmergencyAgency, error)
	CreateContact(ctx context.Context, c *models.EmergencyContact) error
	ListContacts(ctx context.Context, emergencyID string) ([]models.EmergencyContact, error)
}

// AdminRepository manages dashboard operator accounts.
type AdminRepository interface {
	Create(ctx context.Context, a *models.Admin) error
	GetByEmail(ctx context.Context, email string) (*models.Admin, error)
	TouchLogin(ctx context.Context, id string) error
}

// PushLogRepository records push delivery attempts.
type PushLogRepository interface {
	Log(ctx context.Context, entry models.PushLog) error
}
