package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestBus(t *testing.T) (*miniredis.Miniredis, *RedisBus) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisBusFromClient(client)
}

func TestRedisBus_PublishCallEvent(t *testing.T) {
	_, bus := setupTestBus(t)
	ctx := context.Background()

	sub := bus.Subscribe(ctx, CallChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx) // subscription confirmation
	require.NoError(t, err)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.Publish(ctx, CallEnded{
		CallID:    "c-1",
		RoomName:  "call-1",
		Duration:  95,
		EndReason: EndReasonCompleted,
		Timestamp: ts,
	})

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	require.NoError(t, err)
	assert.Equal(t, CallChannel, msg.Channel)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "call.ended", got["type"])
	assert.Equal(t, "c-1", got["callId"])
	assert.Equal(t, float64(95), got["duration"])
	assert.Equal(t, "completed", got["endReason"])
}

func TestRedisBus_UserEventsUseUserChannel(t *testing.T) {
	_, bus := setupTestBus(t)
	ctx := context.Background()

	sub := bus.Subscribe(ctx, UserChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	bus.Publish(ctx, UserLogin{UserID: "u-1", Identity: "guardian-1", Provider: "anonymous", Timestamp: time.Now()})

	recvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	require.NoError(t, err)
	assert.Equal(t, UserChannel, msg.Channel)
	assert.Contains(t, msg.Payload, `"type":"user.login"`)
}

func TestRedisBus_PublishFailureDoesNotPanic(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	bus := NewRedisBusFromClient(client)

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), CallStarted{CallID: "c-1"})
	})
}

func TestEncode_FlatWithType(t *testing.T) {
	mood := "positive"
	b, err := Encode(CallSummaryCreated{
		CallID:         "c-1",
		WardID:         "w-1",
		SummaryID:      "s-1",
		Mood:           &mood,
		HealthKeywords: []string{"sleep"},
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "call.summary_created", got["type"])
	assert.Equal(t, "positive", got["mood"])
	assert.Equal(t, []any{"sleep"}, got["healthKeywords"])
}

func TestNopBus(t *testing.T) {
	var p Publisher = NopBus{}
	p.Publish(context.Background(), CallStarted{})
}
