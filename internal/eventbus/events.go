package eventbus

import "time"

// Channels events are published on.
const (
	CallChannel = "ops:events:call"
	UserChannel = "ops:events:user"
)

// Event is a domain event with a dotted type name and a home channel.
type Event interface {
	EventType() string
	Channel() string
}

// CallStarted is published when a new ringing call is created.
type CallStarted struct {
	CallID         string    `json:"callId"`
	RoomName       string    `json:"roomName"`
	CallerIdentity string    `json:"callerIdentity"`
	CalleeIdentity string    `json:"calleeIdentity"`
	Timestamp      time.Time `json:"timestamp"`
}

func (CallStarted) EventType() string { return "call.started" }
func (CallStarted) Channel() string   { return CallChannel }

// CallAnswered is published when the callee picks up.
type CallAnswered struct {
	CallID         string    `json:"callId"`
	RoomName       string    `json:"roomName"`
	CallerIdentity string    `json:"callerIdentity"`
	CalleeIdentity string    `json:"calleeIdentity"`
	Timestamp      time.Time `json:"timestamp"`
}

func (CallAnswered) EventType() string { return "call.answered" }
func (CallAnswered) Channel() string   { return CallChannel }

// End reasons carried by CallEnded.
const (
	EndReasonCompleted = "completed"
	EndReasonMissed    = "missed"
)

// CallEnded is published when a call ends. Duration is in seconds and zero
// for calls that were never answered.
type CallEnded struct {
	CallID    string    `json:"callId"`
	RoomName  string    `json:"roomName"`
	Duration  int64     `json:"duration"`
	EndReason string    `json:"endReason"`
	Timestamp time.Time `json:"timestamp"`
}

func (CallEnded) EventType() string { return "call.ended" }
func (CallEnded) Channel() string   { return CallChannel }

// CallSummaryCreated is published after a call analysis is stored.
type CallSummaryCreated struct {
	CallID         string    `json:"callId"`
	WardID         string    `json:"wardId"`
	SummaryID      string    `json:"summaryId"`
	Mood           *string   `json:"mood"`
	HealthKeywords []string  `json:"healthKeywords"`
	Timestamp      time.Time `json:"timestamp"`
}

func (CallSummaryCreated) EventType() string { return "call.summary_created" }
func (CallSummaryCreated) Channel() string   { return CallChannel }

// UserCreated is published the first time an identity is seen.
type UserCreated struct {
	UserID    string    `json:"userId"`
	Identity  string    `json:"identity"`
	UserType  *string   `json:"userType"`
	Timestamp time.Time `json:"timestamp"`
}

func (UserCreated) EventType() string { return "user.created" }
func (UserCreated) Channel() string   { return UserChannel }

// UserLogin is published when a user or admin obtains a token.
type UserLogin struct {
	UserID    string    `json:"userId"`
	Identity  string    `json:"identity"`
	Provider  string    `json:"provider"` // "anonymous" | "admin"
	Timestamp time.Time `json:"timestamp"`
}

func (UserLogin) EventType() string { return "user.login" }
func (UserLogin) Channel() string   { return UserChannel }
