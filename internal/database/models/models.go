package models

import "time"

// Call states. Transitions only move forward: ringing -> answered -> ended,
// or ringing -> ended for a call nobody picked up.
const (
	CallStateRinging  = "ringing"
	CallStateAnswered = "answered"
	CallStateEnded    = "ended"
)

// Emergency statuses. Both non-active statuses are terminal.
const (
	EmergencyActive     = "active"
	EmergencyResolved   = "resolved"
	EmergencyFalseAlarm = "false_alarm"
)

// Moods produced by call analysis.
const (
	MoodPositive = "positive"
	MoodNeutral  = "neutral"
	MoodNegative = "negative"
)

// Health alert types.
const (
	AlertInfo     = "info"
	AlertWarning  = "warning"
	AlertCritical = "critical"
)

// Device environments.
const (
	EnvProd    = "prod"
	EnvSandbox = "sandbox"
)

// User is any account that can join a call: guardians, wards and the AI agent.
type User struct {
	ID          string
	Identity    string
	DisplayName *string
	Nickname    *string
	UserType    *string // "guardian" | "ward"
	Email       *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Ward is a monitored care recipient.
type Ward struct {
	ID             string
	UserID         string
	GuardianID     *string
	OrganizationID *string
	AIPersona      string
	CreatedAt      time.Time
}

// WardWithGuardian joins a ward with its user and primary guardian.
type WardWithGuardian struct {
	Ward
	WardIdentity     string
	WardName         *string
	GuardianUserID   *string
	GuardianIdentity *string
	GuardianEmail    *string
}

// NotificationSettings holds a guardian's push preferences.
type NotificationSettings struct {
	GuardianUserID string
	CallComplete   bool
	HealthAlert    bool
	Emergency      bool
}

// Device is a registered mobile device and its push tokens. Each token
// belongs to at most one device.
type Device struct {
	ID              string
	UserID          string
	Platform        string // "ios" | "android"
	APNsToken       *string
	VoIPToken       *string
	FCMToken        *string
	SupportsCallKit bool
	Env             string // "prod" | "sandbox"
	LastSeen        time.Time
}

// Room is a LiveKit room known to the backend.
type Room struct {
	RoomName  string
	CreatedAt time.Time
}

// RoomMember is a user's membership in a room.
type RoomMember struct {
	RoomName    string
	UserID      string
	Identity    string
	DisplayName *string
	Role        string // "host" | "viewer" | "observer"
	JoinedAt    time.Time
}

// Call is one ring/answer/end lifecycle between two identities in a room.
type Call struct {
	ID             string
	RoomName       string
	CallerUserID   *string
	CalleeUserID   *string
	CallerIdentity string
	CalleeIdentity string
	State          string
	CreatedAt      time.Time
	AnsweredAt     *time.Time
	EndedAt        *time.Time
}

// CallWardInfo links a call to the callee's ward record and guardian.
type CallWardInfo struct {
	CallID           string
	CalleeUserID     *string
	CalleeIdentity   string
	WardID           *string
	WardAIPersona    *string
	GuardianID       *string
	GuardianUserID   *string
	GuardianIdentity *string
}

// CallAnalysisInput is the context handed to the analyzer for one call.
type CallAnalysisInput struct {
	CallID          string
	CalleeUserID    *string
	WardID          *string
	GuardianID      *string
	DurationMinutes *float64
	Transcript      *string // capture is not implemented yet; always nil
}

// HealthKeywords are the health signals extracted from a conversation.
type HealthKeywords struct {
	Pain       *int    `json:"pain"`
	Sleep      *string `json:"sleep"`
	Meal       *string `json:"meal"`
	Medication *string `json:"medication"`
}

// CallSummary is the stored result of analyzing one call. Append-only.
type CallSummary struct {
	ID             string
	CallID         string
	WardID         *string
	Summary        string
	Mood           string
	MoodScore      float64
	Tags           []string
	HealthKeywords HealthKeywords
	CreatedAt      time.Time
}

// HealthAlert notifies a guardian about a pattern detected in calls.
type HealthAlert struct {
	ID         string
	WardID     string
	GuardianID string
	AlertType  string
	Message    string
	IsRead     bool
	CreatedAt  time.Time
}

// UpcomingSchedule is a call schedule due for a reminder.
type UpcomingSchedule struct {
	ID            string
	WardID        string
	WardIdentity  string
	AIPersona     string
	ScheduledTime string // "HH:MM:SS"
}

// MissedSchedule is a scheduled call that did not take place.
type MissedSchedule struct {
	WardID           string
	WardIdentity     string
	GuardianIdentity string
	GuardianUserID   string
}

// EmergencyAgency is a responder (fire station, hospital, police) with a
// fixed location.
type EmergencyAgency struct {
	ID          string
	Name        string
	Type        string
	PhoneNumber string
	Latitude    float64
	Longitude   float64
	Address     *string
	IsActive    bool
}

// Emergency is an alert raised for a ward. ResolvedAt and ResolvedBy are set
// exactly when Status is not active.
type Emergency struct {
	ID               string
	WardID           *string
	Type             string // "manual" | "ai_detected" | "geofence" | "admin"
	Status           string
	Latitude         *float64
	Longitude        *float64
	Message          *string
	GuardianNotified bool
	ResolvedAt       *time.Time
	ResolvedBy       *string
	ResolutionNote   *string
	CreatedAt        time.Time
	WardName         *string
}

// EmergencyFilter narrows an emergency listing.
type EmergencyFilter struct {
	Status string
	WardID string
	Limit  int
}

// EmergencyContact records an agency contacted for an emergency.
type EmergencyContact struct {
	ID             string
	EmergencyID    string
	AgencyID       string
	AgencyName     string
	AgencyType     string
	PhoneNumber    string
	DistanceKm     float64
	ResponseStatus string
	ContactedAt    time.Time
}

// Admin is a dashboard operator account.
type Admin struct {
	ID           string
	Email        string
	PasswordHash string
	Name         string
	Role         string
	IsActive     bool
	LastLoginAt  *time.Time
	CreatedAt    time.Time
}

// PushLog records one push delivery attempt.
type PushLog struct {
	Kind      string // "voip" | "alert" | "fcm"
	Env       string
	TokenHint string
	CallID    string
	Success   bool
	Reason    string
}
