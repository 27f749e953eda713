package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/damso/damso/internal/api/middleware"
	"github.com/damso/damso/internal/database"
	"github.com/damso/damso/internal/database/models"
	"github.com/damso/damso/internal/emergency"
	"github.com/damso/damso/internal/eventbus"
	"github.com/go-chi/chi/v5"
)

const (
	defaultEmergencyListLimit = 50
	maxEmergencyListLimit     = 200
	maxNearbyLimit            = 50
	maxNearbyRadiusKm         = 100
)

// adminLoginRequest is the JSON body for POST /v1/admin/auth/login.
type adminLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type adminResponse struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	Role        string     `json:"role"`
	LastLoginAt *time.Time `json:"lastLoginAt"`
}

type adminLoginResponse struct {
	AccessToken string        `json:"accessToken"`
	ExpiresAt   time.Time     `json:"expiresAt"`
	Admin       adminResponse `json:"admin"`
}

// handleAdminLogin exchanges operator credentials for an admin token. Unknown
// emails, wrong passwords and disabled accounts get the same 401.
func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AdminJWTSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "admin auth not configured")
		return
	}

	var req adminLoginRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if msg := validateEmail("email", email); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateRequiredStringLen("password", req.Password, maxPasswordLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	admin, err := database.AuthenticateAdmin(r.Context(), s.admins, email, req.Password)
	if errors.Is(err, database.ErrInvalidCredentials) {
		slog.Warn("admin login rejected", "email", email, "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, database.ErrInvalidCredentials.Error())
		return
	}
	if err != nil {
		writeServiceError(w, r, "admin login", err)
		return
	}

	token, expiresAt, err := middleware.GenerateAdminToken([]byte(s.cfg.AdminJWTSecret),
		admin.ID, admin.Email, admin.Name, admin.Role)
	if err != nil {
		writeServiceError(w, r, "admin login", err)
		return
	}

	now := time.Now()
	if err := s.admins.TouchLogin(r.Context(), admin.ID); err != nil {
		slog.Warn("failed to record admin login", "admin_id", admin.ID, "error", err)
	}
	s.events.Publish(r.Context(), eventbus.UserLogin{
		UserID: admin.ID, Identity: admin.Email, Provider: "admin", Timestamp: now,
	})
	slog.Info("admin logged in", "admin_id", admin.ID, "email", admin.Email, "role", admin.Role)

	writeJSON(w, http.StatusOK, adminLoginResponse{
		AccessToken: token,
		ExpiresAt:   expiresAt,
		Admin: adminResponse{
			ID:          admin.ID,
			Email:       admin.Email,
			Name:        admin.Name,
			Role:        admin.Role,
			LastLoginAt: &now,
		},
	})
}

// triggerEmergencyRequest is the JSON body for POST /v1/admin/emergency.
type triggerEmergencyRequest struct {
	WardID    string   `json:"wardId"`
	Type      string   `json:"type"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Message   *string  `json:"message"`
}

var emergencyTypes = map[string]bool{
	"manual": true, "ai_detected": true, "geofence": true, "admin": true,
}

func (s *Server) handleTriggerEmergency(w http.ResponseWriter, r *http.Request) {
	var req triggerEmergencyRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	wardID := strings.TrimSpace(req.WardID)
	if wardID == "" {
		writeError(w, http.StatusBadRequest, "wardId is required")
		return
	}
	if req.Type != "" && !emergencyTypes[req.Type] {
		writeError(w, http.StatusBadRequest, "invalid type")
		return
	}
	if (req.Latitude == nil) != (req.Longitude == nil) {
		writeError(w, http.StatusBadRequest, "latitude and longitude must be given together")
		return
	}
	if req.Latitude != nil {
		if msg := validateLatLon(*req.Latitude, *req.Longitude); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
	}
	msg := trimmedPtr(req.Message)
	if msg != nil {
		if m := validateStringLen("message", *msg, maxBodyLen); m != "" {
			writeError(w, http.StatusBadRequest, m)
			return
		}
		if m := validateNoControlChars("message", *msg); m != "" {
			writeError(w, http.StatusBadRequest, m)
			return
		}
	}

	res, err := s.emergency.Trigger(r.Context(), emergency.TriggerParams{
		WardID:    wardID,
		Type:      req.Type,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Message:   msg,
	})
	if err != nil {
		writeServiceError(w, r, "trigger emergency", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListEmergencies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, msg := parseLimit(q.Get("limit"), defaultEmergencyListLimit, maxEmergencyListLimit)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	list, err := s.emergency.List(r.Context(), models.EmergencyFilter{
		Status: q.Get("status"),
		WardID: q.Get("wardId"),
		Limit:  limit,
	})
	if err != nil {
		writeServiceError(w, r, "list emergencies", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetEmergency(w http.ResponseWriter, r *http.Request) {
	detail, err := s.emergency.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, "get emergency", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// resolveEmergencyRequest is the JSON body for POST /v1/admin/emergencies/{id}/resolve.
type resolveEmergencyRequest struct {
	Status string  `json:"status"`
	Note   *string `json:"note"`
}

func (s *Server) handleResolveEmergency(w http.ResponseWriter, r *http.Request) {
	var req resolveEmergencyRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	note := trimmedPtr(req.Note)
	if note != nil {
		if msg := validateStringLen("note", *note, maxBodyLen); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
	}

	resolvedBy := "admin"
	if c := middleware.AdminClaimsFromContext(r.Context()); c != nil && c.Email != "" {
		resolvedBy = c.Email
	}

	res, err := s.emergency.Resolve(r.Context(), chi.URLParam(r, "id"), resolvedBy, req.Status, note)
	if err != nil {
		writeServiceError(w, r, "resolve emergency", err)
		return
	}
	slog.Info("emergency resolved", "emergency_id", res.EmergencyID, "status", res.Status, "resolved_by", resolvedBy)
	writeJSON(w, http.StatusOK, res)
}

// handleNearbyAgencies lists active agencies around lat/lon.
func (s *Server) handleNearbyAgencies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, latSet, latOK := parseFloatParam(q.Get("lat"))
	lon, lonSet, lonOK := parseFloatParam(q.Get("lon"))
	if !latSet || !lonSet {
		writeError(w, http.StatusBadRequest, "lat and lon are required")
		return
	}
	if !latOK || !lonOK {
		writeError(w, http.StatusBadRequest, "lat and lon must be numbers")
		return
	}
	if msg := validateLatLon(lat, lon); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	radius, radiusSet, ok := parseFloatParam(q.Get("radius"))
	if !ok || (radiusSet && (radius <= 0 || radius > maxNearbyRadiusKm)) {
		writeError(w, http.StatusBadRequest, "radius must be between 0 and 100 km")
		return
	}
	if !radiusSet {
		radius = emergency.DefaultRadiusKm
	}
	limit, msg := parseLimit(q.Get("limit"), emergency.DefaultLimit, maxNearbyLimit)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	list, err := s.emergency.NearestAgencies(r.Context(), lat, lon, radius, limit)
	if err != nil {
		writeServiceError(w, r, "nearby agencies", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleDisconnectParticipant removes a participant from a live room.
func (s *Server) handleDisconnectParticipant(w http.ResponseWriter, r *http.Request) {
	roomName := chi.URLParam(r, "roomName")
	identity := chi.URLParam(r, "identity")
	if err := s.rtc.Disconnect(r.Context(), roomName, identity); err != nil {
		writeServiceError(w, r, "disconnect participant", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"roomName": roomName, "identity": identity})
}
