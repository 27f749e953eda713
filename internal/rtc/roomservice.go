package rtc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Participant is a participant currently connected to a LiveKit room.
type Participant struct {
	SID      string `json:"sid"`
	Identity string `json:"identity"`
	Name     string `json:"name"`
	State    string `json:"state"`
	JoinedAt int64  `json:"joinedAt,string"`
}

type listParticipantsResponse struct {
	Participants []Participant `json:"participants"`
}

type twirpError struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// RoomService is a client for LiveKit's Twirp RoomService using JSON encoding.
type RoomService struct {
	http   *resty.Client
	issuer *TokenIssuer
}

// NewRoomService creates a client for the LiveKit server at serverURL. A
// ws(s):// URL is rewritten to http(s)://.
func NewRoomService(serverURL string, issuer *TokenIssuer) *RoomService {
	base := strings.TrimSuffix(serverURL, "/")
	base = strings.Replace(base, "wss://", "https://", 1)
	base = strings.Replace(base, "ws://", "http://", 1)

	client := resty.New().
		SetBaseURL(base+"/twirp/livekit.RoomService").
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &RoomService{http: client, issuer: issuer}
}

// ListParticipants returns the participants connected to room.
func (s *RoomService) ListParticipants(ctx context.Context, room string) ([]Participant, error) {
	var out listParticipantsResponse
	if err := s.call(ctx, "ListParticipants", room, map[string]string{"room": room}, &out); err != nil {
		return nil, err
	}
	return out.Participants, nil
}

// RemoveParticipant disconnects identity from room.
func (s *RoomService) RemoveParticipant(ctx context.Context, room, identity string) error {
	body := map[string]string{"room": room, "identity": identity}
	if err := s.call(ctx, "RemoveParticipant", room, body, nil); err != nil {
		return err
	}
	slog.Info("participant removed", "room", room, "identity", identity)
	return nil
}

func (s *RoomService) call(ctx context.Context, method, room string, body, result any) error {
	token, _, err := s.issuer.Issue("damso-server", "", VideoGrant{RoomAdmin: true, RoomList: true, Room: room})
	if err != nil {
		return err
	}

	var twErr twirpError
	req := s.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(body).
		SetError(&twErr)
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Post("/" + method)
	if err != nil {
		return fmt.Errorf("livekit %s: %w", method, err)
	}
	if resp.IsError() {
		slog.Warn("livekit request failed", "method", method, "room", room,
			"status", resp.StatusCode(), "code", twErr.Code, "msg", twErr.Msg)
		return fmt.Errorf("livekit %s: status %d: %s", method, resp.StatusCode(), twErr.Msg)
	}
	return nil
}
