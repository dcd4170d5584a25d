package taskapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sleeps = append(r.sleeps, d)
	return nil
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.sleeps...)
}

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) (*Client, *sleepRecorder) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	rec := &sleepRecorder{}
	opts = append([]Option{WithSleep(rec.sleep)}, opts...)
	return NewClient(srv.URL, "secret", 5*time.Second, opts...), rec
}

func TestRequestRetriesServerErrors(t *testing.T) {
	tests := []struct {
		name       string
		failures   int
		wantErr    bool
		wantCalls  int32
		wantSleeps []time.Duration
	}{
		{
			name:       "succeeds after two failures",
			failures:   2,
			wantCalls:  3,
			wantSleeps: []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name:       "gives up after max retries",
			failures:   10,
			wantErr:    true,
			wantCalls:  4,
			wantSleeps: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
				n := calls.Add(1)
				if int(n) <= tt.failures {
					w.WriteHeader(http.StatusBadGateway)
					_, _ = w.Write([]byte(`{"error":"upstream down"}`))
					return
				}
				_ = json.NewEncoder(w).Encode(BotIdentity{ID: "bot-1"})
			})

			me, err := c.Me(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				var apiErr *APIError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
				assert.Contains(t, apiErr.Body, "upstream down")
			} else {
				require.NoError(t, err)
				assert.Equal(t, "bot-1", me.ID)
			}
			assert.Equal(t, tt.wantCalls, calls.Load())
			assert.Equal(t, tt.wantSleeps, rec.recorded())
		})
	}
}

func TestRequestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such task", http.StatusNotFound)
	})

	_, err := c.GetTask(context.Background(), "t-1")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, rec.recorded())
}

func TestRequestRateLimitDoesNotSpendRetries(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var calls atomic.Int32
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		switch {
		case n <= 4:
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(now.Add(2*time.Second).Unix(), 10))
			w.WriteHeader(http.StatusTooManyRequests)
		case n == 5:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.Header().Set("X-RateLimit-Remaining", "41")
			_ = json.NewEncoder(w).Encode(Task{ID: "t-1", Status: StatusTodo})
		}
	}, WithClock(func() time.Time { return now }))

	task, err := c.GetTask(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "t-1", task.ID)
	assert.Equal(t, int32(6), calls.Load())

	sleeps := rec.recorded()
	require.Len(t, sleeps, 5)
	for _, d := range sleeps[:4] {
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
	// The 503 is the first counted retry.
	assert.Equal(t, time.Second, sleeps[4])

	remaining, _ := c.RateLimit()
	assert.Equal(t, 41, remaining)
}

func TestRateLimitResetAsDelta(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewClient("http://unused", "t", time.Second, WithClock(func() time.Time { return now }))
	h := http.Header{}
	h.Set("X-RateLimit-Reset", "2")
	c.recordRateLimit(h)
	assert.Equal(t, 3*time.Second, c.rateLimitWait())

	// A reset in the past still waits the buffer.
	h.Set("X-RateLimit-Reset", strconv.FormatInt(now.Add(-time.Minute).Unix(), 10))
	c.recordRateLimit(h)
	assert.Equal(t, DefaultRateLimitBuffer, c.rateLimitWait())
}

func TestRequestRealRateLimitWait(t *testing.T) {
	if testing.Short() {
		t.Skip("waits on the wall clock")
	}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Reset", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(BotIdentity{ID: "bot-1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t", 5*time.Second, WithRateLimitBuffer(500*time.Millisecond))
	start := time.Now()
	_, err := c.Me(context.Background())
	require.NoError(t, err)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 1400*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestListTasksFollowsCursor(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bot/tasks", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("assignedToBot"))
		assert.Equal(t, "false", r.URL.Query().Get("completed"))
		switch r.URL.Query().Get("cursor") {
		case "":
			_ = json.NewEncoder(w).Encode(listTasksResponse{
				Tasks:      []Task{{ID: "a"}, {ID: "b", Progress: 40}},
				NextCursor: "p2",
			})
		case "p2":
			_ = json.NewEncoder(w).Encode(listTasksResponse{
				Tasks: []Task{{ID: "c"}, {ID: "d", Status: StatusDone}},
			})
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	})

	tasks, err := c.ListUnclaimed(context.Background())
	require.NoError(t, err)
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"a", "c"}, ids)
}

func TestUpdateTaskSendsOnlySetFields(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"status": "IN_PROGRESS", "progress": float64(10)}, body)
		_ = json.NewEncoder(w).Encode(Task{ID: "t-1", Status: StatusInProgress, Progress: 10})
	})

	task, err := c.UpdateTask(context.Background(), "t-1", TaskPatch{
		Status:   Ptr(StatusInProgress),
		Progress: Ptr(10),
	})
	require.NoError(t, err)
	assert.Equal(t, 10, task.Progress)
}
