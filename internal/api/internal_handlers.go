package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/damso/damso/internal/database/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

type userResponse struct {
	ID          string    `json:"id"`
	Identity    string    `json:"identity"`
	DisplayName *string   `json:"displayName"`
	Nickname    *string   `json:"nickname"`
	UserType    *string   `json:"userType"`
	Email       *string   `json:"email"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func toUserResponse(u *models.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Identity:    u.Identity,
		DisplayName: u.DisplayName,
		Nickname:    u.Nickname,
		UserType:    u.UserType,
		Email:       u.Email,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
}

type wardResponse struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	Identity         string    `json:"identity"`
	Name             *string   `json:"name"`
	AIPersona        string    `json:"aiPersona"`
	OrganizationID   *string   `json:"organizationId"`
	GuardianID       *string   `json:"guardianId"`
	GuardianUserID   *string   `json:"guardianUserId"`
	GuardianIdentity *string   `json:"guardianIdentity"`
	CreatedAt        time.Time `json:"createdAt"`
}

// handleInternalUser looks a user up by id. Malformed ids are reported as
// not found.
func (s *Server) handleInternalUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	u, err := s.users.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, "get user", err)
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

func (s *Server) handleInternalUserByIdentity(w http.ResponseWriter, r *http.Request) {
	u, err := s.users.GetByIdentity(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		writeServiceError(w, r, "get user by identity", err)
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

func (s *Server) handleInternalWard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, "ward not found")
		return
	}
	ward, err := s.wards.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, "get ward", err)
		return
	}
	if ward == nil {
		writeError(w, http.StatusNotFound, "ward not found")
		return
	}
	writeJSON(w, http.StatusOK, wardResponse{
		ID:               ward.ID,
		UserID:           ward.UserID,
		Identity:         ward.WardIdentity,
		Name:             ward.WardName,
		AIPersona:        ward.AIPersona,
		OrganizationID:   ward.OrganizationID,
		GuardianID:       ward.GuardianID,
		GuardianUserID:   ward.GuardianUserID,
		GuardianIdentity: ward.GuardianIdentity,
		CreatedAt:        ward.CreatedAt,
	})
}

func (s *Server) handleInternalUserDevices(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if _, err := uuid.Parse(userID); err != nil {
		writeJSON(w, http.StatusOK, []deviceResponse{})
		return
	}
	devices, err := s.devices.ListByUserID(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, "list devices", err)
		return
	}
	out := make([]deviceResponse, 0, len(devices))
	for i := range devices {
		out = append(out, toDeviceResponse(&devices[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInternalTask(w http.ResponseWriter, r *http.Request) {
	st, ok := s.tasks.Status(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, msg := parseLimit(r.URL.Query().Get("limit"), defaultDeadLetterLimit, maxDeadLetterLimit)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	list, err := s.tasks.DeadLetters(r.Context(), limit)
	if err != nil {
		writeServiceError(w, r, "list dead letters", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleReplayDeadLetter re-enqueues a failed task and returns the new task id.
func (s *Server) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid dead letter id")
		return
	}
	taskID, err := s.tasks.Replay(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, "replay dead letter", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": taskID})
}
