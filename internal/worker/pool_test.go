package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory DeadLetterStore.
type memStore struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]DeadLetter
}

func newMemStore() *memStore {
	return &memStore{items: make(map[int64]DeadLetter)}
}

func (m *memStore) Add(_ context.Context, dl *DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	dl.ID = m.nextID
	m.items[dl.ID] = *dl
	return nil
}

func (m *memStore) Get(_ context.Context, id int64) (*DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	return &dl, nil
}

func (m *memStore) List(_ context.Context, _ int) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeadLetter
	for _, dl := range m.items {
		out = append(out, dl)
	}
	return out, nil
}

func (m *memStore) Delete(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[id]
	delete(m.items, id)
	return ok, nil
}

func (m *memStore) Count(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.items)), nil
}

func waitForState(t *testing.T, p *Pool, id string) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, ok := p.Status(id)
		if ok && (st.State == StateSucceeded || st.State == StateFailed) {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish", id)
	return Status{}
}

func TestPool_RunsTask(t *testing.T) {
	p := NewPool(2, 10, nil)
	got := make(chan string, 1)
	p.Register("echo", func(_ context.Context, payload json.RawMessage) error {
		var v struct{ CallID string }
		if err := json.Unmarshal(payload, &v); err != nil {
			return err
		}
		got <- v.CallID
		return nil
	})
	p.Start()
	defer p.Shutdown(context.Background())

	id, err := p.Enqueue(context.Background(), "echo", map[string]string{"CallID": "c-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	st := waitForState(t, p, id)
	assert.Equal(t, StateSucceeded, st.State)
	assert.Equal(t, "echo", st.Kind)
	assert.NotNil(t, st.FinishedAt)
	assert.Equal(t, "c-1", <-got)
}

func TestPool_UnknownKind(t *testing.T) {
	p := NewPool(1, 1, nil)
	_, err := p.Enqueue(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestPool_QueueFull(t *testing.T) {
	p := NewPool(1, 1, nil)
	p.Register("noop", func(context.Context, json.RawMessage) error { return nil })
	// Not started: the single slot fills and the next enqueue is rejected.
	_, err := p.Enqueue(context.Background(), "noop", nil)
	require.NoError(t, err)
	_, err = p.Enqueue(context.Background(), "noop", nil)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1, p.QueueDepth())
}

func TestPool_FailureGoesToDeadLetters(t *testing.T) {
	store := newMemStore()
	p := NewPool(1, 10, store)
	p.Register("fail", func(context.Context, json.RawMessage) error {
		return errors.New("analysis backend down")
	})
	p.Start()
	defer p.Shutdown(context.Background())

	id, err := p.Enqueue(context.Background(), "fail", map[string]string{"callId": "c-9"})
	require.NoError(t, err)

	st := waitForState(t, p, id)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, "analysis backend down", st.Error)

	require.Eventually(t, func() bool {
		n, _ := p.DeadLetterCount(context.Background())
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	dls, err := p.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, id, dls[0].TaskID)
	assert.Equal(t, "fail", dls[0].Kind)
	assert.JSONEq(t, `{"callId":"c-9"}`, string(dls[0].Payload))
}

func TestPool_PanicIsRecovered(t *testing.T) {
	store := newMemStore()
	p := NewPool(1, 10, store)
	p.Register("boom", func(context.Context, json.RawMessage) error {
		panic("nil summary")
	})
	p.Start()
	defer p.Shutdown(context.Background())

	id, err := p.Enqueue(context.Background(), "boom", nil)
	require.NoError(t, err)

	st := waitForState(t, p, id)
	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.Error, "panic: nil summary")
}

func TestPool_Replay(t *testing.T) {
	store := newMemStore()
	p := NewPool(1, 10, store)
	var mu sync.Mutex
	calls := 0
	p.Register("flaky", func(context.Context, json.RawMessage) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("first attempt fails")
		}
		return nil
	})
	p.Start()
	defer p.Shutdown(context.Background())

	id, err := p.Enqueue(context.Background(), "flaky", nil)
	require.NoError(t, err)
	waitForState(t, p, id)
	require.Eventually(t, func() bool {
		n, _ := store.Count(context.Background())
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	newID, err := p.Replay(context.Background(), 1)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	st := waitForState(t, p, newID)
	assert.Equal(t, StateSucceeded, st.State)
	n, _ := store.Count(context.Background())
	assert.Equal(t, int64(0), n)
}

func TestPool_ReplayMissing(t *testing.T) {
	p := NewPool(1, 1, newMemStore())
	_, err := p.Replay(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)

	p = NewPool(1, 1, nil)
	_, err = p.Replay(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPool_ConcurrentReplayEnqueuesOnce(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Add(context.Background(), &DeadLetter{TaskID: "t-1", Kind: "noop", Payload: json.RawMessage(`{}`)}))

	p := NewPool(1, 10, store)
	p.Register("noop", func(context.Context, json.RawMessage) error { return nil })

	const replays = 8
	var wg sync.WaitGroup
	results := make(chan error, replays)
	for range replays {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Replay(context.Background(), 1)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, notFound int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrNotFound):
			notFound++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, replays-1, notFound)
	assert.Equal(t, 1, p.QueueDepth())
}

func TestPool_ReplayRestoresOnQueueFull(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Add(context.Background(), &DeadLetter{TaskID: "t-1", Kind: "noop", Payload: json.RawMessage(`{}`)}))

	p := NewPool(1, 1, store)
	p.Register("noop", func(context.Context, json.RawMessage) error { return nil })
	_, err := p.Enqueue(context.Background(), "noop", nil)
	require.NoError(t, err)

	_, err = p.Replay(context.Background(), 1)
	assert.ErrorIs(t, err, ErrQueueFull)

	list, err := store.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "t-1", list[0].TaskID)
	assert.NotEqual(t, int64(1), list[0].ID)
}

func TestPool_ShutdownDrainsQueue(t *testing.T) {
	p := NewPool(1, 10, nil)
	var mu sync.Mutex
	done := 0
	p.Register("slow", func(context.Context, json.RawMessage) error {
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		done++
		mu.Unlock()
		return nil
	})
	p.Start()

	for i := 0; i < 5; i++ {
		_, err := p.Enqueue(context.Background(), "slow", nil)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	mu.Lock()
	assert.Equal(t, 5, done)
	mu.Unlock()

	_, err := p.Enqueue(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, ErrClosed)
	// A second shutdown is a no-op.
	assert.NoError(t, p.Shutdown(ctx))
}

func TestPool_StatusHistoryIsBounded(t *testing.T) {
	p := NewPool(1, statusHistory+10, nil)
	p.Register("noop", func(context.Context, json.RawMessage) error { return nil })

	first, err := p.Enqueue(context.Background(), "noop", nil)
	require.NoError(t, err)
	for i := 0; i < statusHistory; i++ {
		_, err := p.Enqueue(context.Background(), "noop", nil)
		require.NoError(t, err)
	}

	_, ok := p.Status(first)
	assert.False(t, ok, "oldest status should be evicted")
	p.mu.RLock()
	assert.Len(t, p.statuses, statusHistory)
	p.mu.RUnlock()
}

func TestSpool_RoundTrip(t *testing.T) {
	s, err := OpenSpool(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	a := &DeadLetter{TaskID: "t-1", Kind: "call.analyze", Payload: json.RawMessage(`{"callId":"c-1"}`), Error: "timeout"}
	b := &DeadLetter{TaskID: "t-2", Kind: "call.notify_complete", Payload: json.RawMessage(`{}`), Error: "no devices"}
	require.NoError(t, s.Add(ctx, a))
	require.NoError(t, s.Add(ctx, b))
	assert.NotZero(t, a.ID)
	assert.Greater(t, b.ID, a.ID)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	list, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "t-2", list[0].TaskID, "newest first")

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "call.analyze", got.Kind)
	assert.JSONEq(t, `{"callId":"c-1"}`, string(got.Payload))
	assert.WithinDuration(t, a.FailedAt, got.FailedAt, time.Millisecond)

	deleted, err := s.Delete(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.Delete(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
	got, err = s.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
