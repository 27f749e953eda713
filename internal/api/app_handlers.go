package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/damso/damso/internal/api/middleware"
	"github.com/damso/damso/internal/database"
	"github.com/damso/damso/internal/database/models"
	"github.com/damso/damso/internal/eventbus"
	"github.com/damso/damso/internal/push"
	"github.com/damso/damso/internal/rtc"
	"github.com/go-chi/chi/v5"
)

// authIdentity returns the identity and display name of the bearer token,
// if any.
func authIdentity(r *http.Request) (identity, displayName string) {
	if c := middleware.APIClaimsFromContext(r.Context()); c != nil {
		return c.Identity, c.DisplayName
	}
	return "", ""
}

// firstNonEmpty returns the first argument that is not blank after trimming.
func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// trimmedPtr returns nil for a nil or blank string.
func trimmedPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func validEnv(env string) bool {
	return env == "" || env == "prod" || env == "sandbox"
}

// authTokenRequest is the JSON body for POST /v1/auth/token.
type authTokenRequest struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
}

type authUser struct {
	ID          string `json:"id"`
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
}

type authTokenResponse struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
	User        authUser  `json:"user"`
}

// handleAuthToken issues an API token for an identity, creating the user on
// first use. A missing identity gets a generated one.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APIJWTSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "api auth not configured")
		return
	}

	var req authTokenRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	identity := firstNonEmpty(req.Identity, fmt.Sprintf("user-%d", time.Now().UnixMilli()))
	displayName := firstNonEmpty(req.DisplayName, identity)
	if msg := validateRequiredStringLen("identity", identity, maxNameLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateStringLen("displayName", displayName, maxNameLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	user, created, err := s.users.Upsert(r.Context(), identity, &displayName)
	if err != nil {
		writeServiceError(w, r, "auth token", err)
		return
	}
	if created {
		s.events.Publish(r.Context(), eventbus.UserCreated{
			UserID: user.ID, Identity: user.Identity, UserType: user.UserType, Timestamp: time.Now(),
		})
	}

	token, expiresAt, err := middleware.GenerateAPIToken([]byte(s.cfg.APIJWTSecret), s.cfg.APIJWTTTL,
		user.ID, identity, displayName)
	if err != nil {
		writeServiceError(w, r, "auth token", err)
		return
	}

	s.events.Publish(r.Context(), eventbus.UserLogin{
		UserID: user.ID, Identity: identity, Provider: "anonymous", Timestamp: time.Now(),
	})
	slog.Info("api token issued", "identity", identity, "user_id", user.ID, "created", created)

	writeJSON(w, http.StatusOK, authTokenResponse{
		AccessToken: token,
		ExpiresAt:   expiresAt,
		User:        authUser{ID: user.ID, Identity: identity, DisplayName: displayName},
	})
}

// rtcTokenRequest is the JSON body for POST /v1/rtc/token.
type rtcTokenRequest struct {
	RoomName        string  `json:"roomName"`
	Identity        string  `json:"identity"`
	Name            string  `json:"name"`
	Role            string  `json:"role"`
	LiveKitURL      string  `json:"livekitUrl"`
	APNsToken       *string `json:"apnsToken"`
	VoIPToken       *string `json:"voipToken"`
	FCMToken        *string `json:"fcmToken"`
	Platform        string  `json:"platform"`
	Env             string  `json:"env"`
	SupportsCallKit *bool   `json:"supportsCallKit"`
}

// deviceRegistration returns the device part of the request, or nil when
// the client sent none of it.
func (req *rtcTokenRequest) deviceRegistration() *database.DeviceRegistration {
	reg := database.DeviceRegistration{
		Platform:        strings.TrimSpace(req.Platform),
		Env:             req.Env,
		APNsToken:       trimmedPtr(req.APNsToken),
		VoIPToken:       trimmedPtr(req.VoIPToken),
		FCMToken:        trimmedPtr(req.FCMToken),
		SupportsCallKit: req.SupportsCallKit,
	}
	if reg.APNsToken == nil && reg.VoIPToken == nil && reg.FCMToken == nil &&
		reg.Platform == "" && reg.Env == "" && reg.SupportsCallKit == nil {
		return nil
	}
	return &reg
}

// normalizeLiveKitURL accepts only ws:// or wss:// URLs and strips trailing
// slashes.
func normalizeLiveKitURL(raw string) (string, bool) {
	u := strings.TrimSpace(raw)
	if !strings.HasPrefix(u, "wss://") && !strings.HasPrefix(u, "ws://") {
		return "", false
	}
	return strings.TrimRight(u, "/"), true
}

// handleRTCToken issues a LiveKit room token. An authenticated caller always
// joins under the token's identity.
func (s *Server) handleRTCToken(w http.ResponseWriter, r *http.Request) {
	var req rtcTokenRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	authID, authName := authIdentity(r)
	roomName := strings.TrimSpace(req.RoomName)
	if roomName == "" {
		writeError(w, http.StatusBadRequest, "roomName is required")
		return
	}
	identity := firstNonEmpty(authID, req.Identity)
	if identity == "" {
		writeError(w, http.StatusBadRequest, "identity is required")
		return
	}
	name := firstNonEmpty(authName, req.Name, identity)

	role := req.Role
	if role == "" {
		role = rtc.RoleViewer
	}
	if !rtc.ValidRole(role) {
		writeError(w, http.StatusBadRequest, "invalid role")
		return
	}
	if !validEnv(req.Env) {
		writeError(w, http.StatusBadRequest, "invalid env")
		return
	}

	var urlOverride string
	if req.LiveKitURL != "" {
		u, ok := normalizeLiveKitURL(req.LiveKitURL)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid livekitUrl")
			return
		}
		urlOverride = u
	}

	res, err := s.rtc.IssueToken(r.Context(), rtc.TokenRequest{
		RoomName: roomName,
		Identity: identity,
		Name:     name,
		Role:     role,
		Device:   req.deviceRegistration(),
	})
	if err != nil {
		writeServiceError(w, r, "rtc token", err)
		return
	}
	if urlOverride != "" {
		res.LiveKitURL = urlOverride
	}

	writeJSON(w, http.StatusOK, res)
}

type roomMemberResponse struct {
	Identity    string    `json:"identity"`
	DisplayName *string   `json:"displayName"`
	Role        string    `json:"role"`
	JoinedAt    time.Time `json:"joinedAt"`
	Online      *bool     `json:"online,omitempty"`
}

type roomMembersResponse struct {
	RoomName string               `json:"roomName"`
	Members  []roomMemberResponse `json:"members"`
}

// handleRoomMembers lists the recorded members of a room. When LiveKit can
// be reached each member also carries its current presence.
func (s *Server) handleRoomMembers(w http.ResponseWriter, r *http.Request) {
	roomName := strings.TrimSpace(chi.URLParam(r, "roomName"))
	if roomName == "" {
		writeError(w, http.StatusBadRequest, "roomName is required")
		return
	}

	members, err := s.rtc.ListMembers(r.Context(), roomName)
	if err != nil {
		writeServiceError(w, r, "list room members", err)
		return
	}

	online, live := s.rtc.LiveParticipants(r.Context(), roomName)

	out := roomMembersResponse{RoomName: roomName, Members: make([]roomMemberResponse, 0, len(members))}
	for _, m := range members {
		mr := roomMemberResponse{
			Identity:    m.Identity,
			DisplayName: m.DisplayName,
			Role:        m.Role,
			JoinedAt:    m.JoinedAt,
		}
		if live {
			on := online[m.Identity]
			mr.Online = &on
		}
		out.Members = append(out.Members, mr)
	}
	writeJSON(w, http.StatusOK, out)
}

// registerDeviceRequest is the JSON body for POST /v1/devices/register.
type registerDeviceRequest struct {
	Identity        string  `json:"identity"`
	DisplayName     string  `json:"displayName"`
	Platform        string  `json:"platform"`
	Env             string  `json:"env"`
	APNsToken       *string `json:"apnsToken"`
	VoIPToken       *string `json:"voipToken"`
	FCMToken        *string `json:"fcmToken"`
	SupportsCallKit *bool   `json:"supportsCallKit"`
}

// deviceResponse describes a device without exposing its push tokens.
type deviceResponse struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	Platform        string    `json:"platform"`
	Env             string    `json:"env"`
	SupportsCallKit bool      `json:"supportsCallKit"`
	APNsToken       string    `json:"apnsToken"`
	VoIPToken       string    `json:"voipToken"`
	FCMToken        string    `json:"fcmToken"`
	LastSeen        time.Time `json:"lastSeen"`
}

func tokenHint(t *string) string {
	if t == nil {
		return push.SummarizeToken("")
	}
	return push.SummarizeToken(*t)
}

func toDeviceResponse(d *models.Device) deviceResponse {
	return deviceResponse{
		ID:              d.ID,
		UserID:          d.UserID,
		Platform:        d.Platform,
		Env:             d.Env,
		SupportsCallKit: d.SupportsCallKit,
		APNsToken:       tokenHint(d.APNsToken),
		VoIPToken:       tokenHint(d.VoIPToken),
		FCMToken:        tokenHint(d.FCMToken),
		LastSeen:        d.LastSeen,
	}
}

// handleRegisterDevice records a device and its push tokens for an identity.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	authID, authName := authIdentity(r)
	identity := firstNonEmpty(req.Identity, authID)
	if identity == "" {
		writeError(w, http.StatusBadRequest, "identity is required")
		return
	}
	if !validEnv(req.Env) {
		writeError(w, http.StatusBadRequest, "invalid env")
		return
	}
	platform := firstNonEmpty(req.Platform, "ios")
	if platform != "ios" && platform != "android" {
		writeError(w, http.StatusBadRequest, "invalid platform")
		return
	}

	reg := database.DeviceRegistration{
		Platform:        platform,
		Env:             req.Env,
		APNsToken:       trimmedPtr(req.APNsToken),
		VoIPToken:       trimmedPtr(req.VoIPToken),
		FCMToken:        trimmedPtr(req.FCMToken),
		SupportsCallKit: req.SupportsCallKit,
	}
	if reg.APNsToken == nil && reg.VoIPToken == nil && reg.FCMToken == nil {
		writeError(w, http.StatusBadRequest, "at least one push token is required")
		return
	}

	dev, err := s.rtc.RegisterDevice(r.Context(), identity, firstNonEmpty(req.DisplayName, authName), reg)
	if err != nil {
		writeServiceError(w, r, "register device", err)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceResponse(dev))
}
