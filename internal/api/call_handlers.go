package api

import (
	"net/http"
	"strings"

	"github.com/damso/damso/internal/calls"
	"github.com/damso/damso/internal/push"
	"github.com/go-chi/chi/v5"
)

// inviteCallRequest is the JSON body for POST /v1/calls/invite.
type inviteCallRequest struct {
	CallerIdentity string `json:"callerIdentity"`
	CallerName     string `json:"callerName"`
	CalleeIdentity string `json:"calleeIdentity"`
	RoomName       string `json:"roomName"`
}

// callIDRequest is the JSON body for answer and end.
type callIDRequest struct {
	CallID string `json:"callId"`
}

func (s *Server) handleInviteCall(w http.ResponseWriter, r *http.Request) {
	var req inviteCallRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	authID, authName := authIdentity(r)
	caller := firstNonEmpty(authID, req.CallerIdentity)
	callee := strings.TrimSpace(req.CalleeIdentity)
	roomName := strings.TrimSpace(req.RoomName)
	if msg := validateRequiredStringLen("callerIdentity", caller, maxNameLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateRequiredStringLen("calleeIdentity", callee, maxNameLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateStringLen("roomName", roomName, maxNameLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	res, err := s.calls.Invite(r.Context(), calls.InviteParams{
		CallerIdentity: caller,
		CallerName:     firstNonEmpty(req.CallerName, authName),
		CalleeIdentity: callee,
		RoomName:       roomName,
	})
	if err != nil {
		writeServiceError(w, r, "invite call", err)
		return
	}

	status := http.StatusCreated
	if res.Deduped {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// readCallID decodes {callId} and writes a 400 when it is missing.
func readCallID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req callIDRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return "", false
	}
	id := strings.TrimSpace(req.CallID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "callId is required")
		return "", false
	}
	return id, true
}

func (s *Server) handleAnswerCall(w http.ResponseWriter, r *http.Request) {
	id, ok := readCallID(w, r)
	if !ok {
		return
	}
	state, err := s.calls.Answer(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, "answer call", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleEndCall ends a call. Completion notification and analysis run in
// the background; their task ids are reported in the response.
func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	id, ok := readCallID(w, r)
	if !ok {
		return
	}
	state, err := s.calls.End(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, "end call", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	state, err := s.calls.Get(r.Context(), chi.URLParam(r, "callID"))
	if err != nil {
		writeServiceError(w, r, "get call", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleAnalyzeCall runs the analysis synchronously. Each run stores a new
// summary.
func (s *Server) handleAnalyzeCall(w http.ResponseWriter, r *http.Request) {
	res, err := s.analysis.AnalyzeCall(r.Context(), chi.URLParam(r, "callID"))
	if err != nil {
		writeServiceError(w, r, "analyze call", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCallSummary(w http.ResponseWriter, r *http.Request) {
	res, err := s.analysis.GetSummary(r.Context(), chi.URLParam(r, "callID"))
	if err != nil {
		writeServiceError(w, r, "call summary", err)
		return
	}
	if res == nil {
		writeError(w, http.StatusNotFound, "summary not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// pushRequest is the JSON body for the ad-hoc push endpoints.
type pushRequest struct {
	Identity string         `json:"identity"`
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Payload  map[string]any `json:"payload"`
	Env      string         `json:"env"`
}

// notification validates the request and returns its kind and content, or
// a client error message.
func (req *pushRequest) notification() (push.Kind, push.Notification, string) {
	kind := push.Kind(firstNonEmpty(req.Type, string(push.KindAlert)))
	switch kind {
	case push.KindAlert, push.KindVoIP, push.KindFCM:
	default:
		return "", push.Notification{}, "invalid type"
	}
	if !validEnv(req.Env) {
		return "", push.Notification{}, "invalid env"
	}
	if msg := validateStringLen("title", req.Title, maxTitleLen); msg != "" {
		return "", push.Notification{}, msg
	}
	if msg := validateStringLen("body", req.Body, maxBodyLen); msg != "" {
		return "", push.Notification{}, msg
	}
	if msg := validateNoControlChars("title", req.Title); msg != "" {
		return "", push.Notification{}, msg
	}
	n := push.Notification{
		Title:   firstNonEmpty(req.Title, "담소"),
		Body:    req.Body,
		Payload: req.Payload,
	}
	return kind, n, ""
}

func (s *Server) handlePushBroadcast(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	kind, n, msg := req.notification()
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	res, err := s.calls.SendBroadcastPush(r.Context(), kind, req.Env, n)
	if err != nil {
		writeServiceError(w, r, "broadcast push", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePushUser(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	authID, _ := authIdentity(r)
	identity := firstNonEmpty(req.Identity, authID)
	if identity == "" {
		writeError(w, http.StatusBadRequest, "identity is required")
		return
	}
	kind, n, msg := req.notification()
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	res, err := s.calls.SendUserPush(r.Context(), identity, kind, req.Env, n)
	if err != nil {
		writeServiceError(w, r, "user push", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
