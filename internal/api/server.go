package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/damso/damso/internal/analysis"
	"github.com/damso/damso/internal/api/middleware"
	"github.com/damso/damso/internal/calls"
	"github.com/damso/damso/internal/config"
	"github.com/damso/damso/internal/database"
	"github.com/damso/damso/internal/database/models"
	"github.com/damso/damso/internal/emergency"
	"github.com/damso/damso/internal/eventbus"
	"github.com/damso/damso/internal/push"
	"github.com/damso/damso/internal/rtc"
	"github.com/damso/damso/internal/worker"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// CallService runs the call lifecycle and ad-hoc pushes.
type CallService interface {
	Invite(ctx context.Context, p calls.InviteParams) (*calls.InviteResult, error)
	Answer(ctx context.Context, id string) (*calls.CallState, error)
	End(ctx context.Context, id string) (*calls.CallState, error)
	Get(ctx context.Context, id string) (*calls.CallState, error)
	SendUserPush(ctx context.Context, identity string, kind push.Kind, env string, n push.Notification) (*calls.PushSummary, error)
	SendBroadcastPush(ctx context.Context, kind push.Kind, env string, n push.Notification) (*calls.PushSummary, error)
}

// AnalysisService analyses finished calls.
type AnalysisService interface {
	AnalyzeCall(ctx context.Context, callID string) (*analysis.Result, error)
	GetSummary(ctx context.Context, callID string) (*analysis.Result, error)
}

// RTCService issues room tokens and registers devices.
type RTCService interface {
	IssueToken(ctx context.Context, req rtc.TokenRequest) (*rtc.TokenResult, error)
	RegisterDevice(ctx context.Context, identity, displayName string, reg database.DeviceRegistration) (*models.Device, error)
	ListMembers(ctx context.Context, roomName string) ([]models.RoomMember, error)
	LiveParticipants(ctx context.Context, roomName string) (map[string]bool, bool)
	Disconnect(ctx context.Context, roomName, identity string) error
}

// EmergencyService raises and resolves emergencies.
type EmergencyService interface {
	Trigger(ctx context.Context, p emergency.TriggerParams) (*emergency.TriggerResult, error)
	List(ctx context.Context, f models.EmergencyFilter) ([]emergency.Summary, error)
	Get(ctx context.Context, id string) (*emergency.Detail, error)
	Resolve(ctx context.Context, id, resolvedBy, status string, note *string) (*emergency.ResolveResult, error)
	NearestAgencies(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]emergency.NearbyAgency, error)
}

// TaskInspector exposes background task state.
type TaskInspector interface {
	Status(id string) (worker.Status, bool)
	DeadLetters(ctx context.Context, limit int) ([]worker.DeadLetter, error)
	Replay(ctx context.Context, id int64) (string, error)
}

// Deps are the collaborators of the HTTP server.
type Deps struct {
	Config     *config.Config
	Calls      CallService
	Analysis   AnalysisService
	RTC        RTCService
	Emergency  EmergencyService
	Tasks      TaskInspector
	Users      database.UserRepository
	Wards      database.WardRepository
	Devices    database.DeviceRepository
	Admins     database.AdminRepository
	Events     eventbus.Publisher
	Metrics    http.Handler
	Ready      func(ctx context.Context) error
	TLSEnabled bool
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	cfg    *config.Config

	calls     CallService
	analysis  AnalysisService
	rtc       RTCService
	emergency EmergencyService
	tasks     TaskInspector
	users     database.UserRepository
	wards     database.WardRepository
	devices   database.DeviceRepository
	admins    database.AdminRepository
	events    eventbus.Publisher
	metrics   http.Handler
	ready     func(ctx context.Context) error
	tls       bool

	apiLimiter   *middleware.IPRateLimiter
	loginLimiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(d Deps) *Server {
	events := d.Events
	if events == nil {
		events = eventbus.NopBus{}
	}
	s := &Server{
		router:       chi.NewRouter(),
		cfg:          d.Config,
		calls:        d.Calls,
		analysis:     d.Analysis,
		rtc:          d.RTC,
		emergency:    d.Emergency,
		tasks:        d.Tasks,
		users:        d.Users,
		wards:        d.Wards,
		devices:      d.Devices,
		admins:       d.Admins,
		events:       events,
		metrics:      d.Metrics,
		ready:        d.Ready,
		tls:          d.TLSEnabled,
		apiLimiter:   middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		loginLimiter: middleware.NewIPRateLimiter(middleware.LoginRateLimitConfig()),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter sweeps.
func (s *Server) Close() {
	s.apiLimiter.Stop()
	s.loginLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SecurityHeaders(s.tls))
	r.Use(middleware.CORS(middleware.ParseCORSOrigins(s.cfg.CORSOrigin)))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.apiLimiter))

		// App routes: a bearer API token is parsed when present and
		// required only when API_AUTH_REQUIRED is set.
		r.Group(func(r chi.Router) {
			r.Use(middleware.APIAuth([]byte(s.cfg.APIJWTSecret), s.cfg.APIAuthRequired))

			r.Post("/rtc/token", s.handleRTCToken)
			r.Get("/rooms/{roomName}/members", s.handleRoomMembers)
			r.Post("/devices/register", s.handleRegisterDevice)

			r.Route("/calls", func(r chi.Router) {
				r.Post("/invite", s.handleInviteCall)
				r.Post("/answer", s.handleAnswerCall)
				r.Post("/end", s.handleEndCall)
				r.Get("/{callID}", s.handleGetCall)
				r.Post("/{callID}/analyze", s.handleAnalyzeCall)
				r.Get("/{callID}/summary", s.handleCallSummary)
			})

			r.Post("/push/broadcast", s.handlePushBroadcast)
			r.Post("/push/user", s.handlePushUser)
		})

		r.Post("/auth/token", s.handleAuthToken)

		r.Route("/admin", func(r chi.Router) {
			r.With(middleware.RateLimit(s.loginLimiter)).Post("/auth/login", s.handleAdminLogin)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdminAuth([]byte(s.cfg.AdminJWTSecret)))

				r.Post("/emergency", s.handleTriggerEmergency)
				r.Get("/emergencies", s.handleListEmergencies)
				r.Get("/emergencies/{id}", s.handleGetEmergency)
				r.Post("/emergencies/{id}/resolve", s.handleResolveEmergency)
				r.Get("/agencies/nearby", s.handleNearbyAgencies)
				r.Delete("/rooms/{roomName}/participants/{identity}", s.handleDisconnectParticipant)
			})
		})
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.RequireInternalAuth(s.cfg.InternalAuthSecret))

		r.Get("/users/{id}", s.handleInternalUser)
		r.Get("/users/identity/{identity}", s.handleInternalUserByIdentity)
		r.Get("/wards/{id}", s.handleInternalWard)
		r.Get("/devices/user/{userID}", s.handleInternalUserDevices)
		r.Get("/tasks/{id}", s.handleInternalTask)
		r.Get("/dead-letters", s.handleListDeadLetters)
		r.Post("/dead-letters/{id}/replay", s.handleReplayDeadLetter)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	slog.Info("api routes mounted")
}

// handleHealth reports liveness and, when a readiness probe is wired, the
// database state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			slog.Warn("health check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
