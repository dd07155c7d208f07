package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callsight/callsight/pkg/client"
	"github.com/callsight/callsight/pkg/models"
)

// callServer serves GET /api/v1/calls/{id} with a status that flips to
// terminal after flipAfter polls.
func callServer(t *testing.T, id uuid.UUID, flipAfter int, finalStatus string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/calls/"+id.String() {
			http.NotFound(w, r)
			return
		}
		n := int(polls.Add(1))
		call := client.Call{ID: id, Status: models.CallStatusProcessing}
		if n > flipAfter {
			call.Status = finalStatus
			if finalStatus == models.CallStatusCompleted {
				call.Result = &models.AnalysisResult{CallID: id, Summary: "done"}
			}
		}
		writeData(w, http.StatusOK, call)
	}))
	t.Cleanup(srv.Close)
	return srv, &polls
}

func pollOnly(interval time.Duration) client.WatchOptions {
	return client.WatchOptions{PollInterval: interval, DisablePush: true}
}

func TestWatchCall_NotifiesOnceOnCompletion(t *testing.T) {
	id := uuid.New()
	srv, polls := callServer(t, id, 2, models.CallStatusCompleted)

	var notified atomic.Int32
	c := client.New(srv.URL, "cs_testkey")
	call, err := c.WatchCall(context.Background(), id, func(final *client.Call) {
		notified.Add(1)
		assert.Equal(t, models.CallStatusCompleted, final.Status)
	}, pollOnly(10*time.Millisecond))

	require.NoError(t, err)
	require.NotNil(t, call)
	assert.True(t, call.Terminal())
	require.NotNil(t, call.Result)
	assert.Equal(t, "done", call.Result.Summary)
	assert.Equal(t, int32(1), notified.Load())
	assert.GreaterOrEqual(t, polls.Load(), int32(3))
}

func TestWatchCall_AlreadyTerminalReturnsImmediately(t *testing.T) {
	id := uuid.New()
	srv, polls := callServer(t, id, 0, models.CallStatusError)

	var notified atomic.Int32
	c := client.New(srv.URL, "cs_testkey")

	// Long poll interval: only the immediate first check can finish this fast.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	call, err := c.WatchCall(ctx, id, func(*client.Call) { notified.Add(1) },
		pollOnly(time.Minute))

	require.NoError(t, err)
	assert.Equal(t, models.CallStatusError, call.Status)
	assert.Equal(t, int32(1), notified.Load())
	assert.Equal(t, int32(1), polls.Load())
}

func TestWatchCall_NotFoundIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	c := client.New(srv.URL, "cs_testkey")
	_, err := c.WatchCall(context.Background(), uuid.New(), nil, pollOnly(10*time.Millisecond))
	assert.ErrorIs(t, err, client.ErrNotFound)
}

func TestWatchCall_TransientErrorsKeepWatching(t *testing.T) {
	id := uuid.New()
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(polls.Add(1))
		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeData(w, http.StatusOK, client.Call{ID: id, Status: models.CallStatusCompleted})
	}))
	t.Cleanup(srv.Close)

	c := client.New(srv.URL, "cs_testkey")
	call, err := c.WatchCall(context.Background(), id, nil, pollOnly(10*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, call.Terminal())
}

func TestWatchCall_PushHintTriggersImmediatePoll(t *testing.T) {
	id := uuid.New()
	var polls atomic.Int32
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/calls/"+id.String()+"/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.WriteJSON(map[string]any{
			"call_id": id, "old_status": "processing", "new_status": "completed",
		}))
		// Hold the connection open until the watcher goes away.
		conn.ReadMessage()
	})
	mux.HandleFunc("/api/v1/calls/"+id.String(), func(w http.ResponseWriter, r *http.Request) {
		status := models.CallStatusProcessing
		if polls.Add(1) > 1 {
			status = models.CallStatusCompleted
		}
		writeData(w, http.StatusOK, client.Call{ID: id, Status: status})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	// With an hour-long poll interval only a push hint can finish the watch.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := client.New(srv.URL, "cs_testkey")
	call, err := c.WatchCall(ctx, id, nil, client.WatchOptions{PollInterval: time.Hour})
	require.NoError(t, err)
	assert.True(t, call.Terminal())
}

func TestWatchCall_DuplicatePushEventsNotifyOnce(t *testing.T) {
	id := uuid.New()
	var polls atomic.Int32
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/calls/"+id.String()+"/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		// The same terminal transition delivered twice, as a reconnecting
		// listener or a replayed notification would.
		for i := 0; i < 2; i++ {
			require.NoError(t, conn.WriteJSON(map[string]any{
				"call_id": id, "old_status": "processing", "new_status": "completed",
			}))
		}
		conn.ReadMessage()
	})
	mux.HandleFunc("/api/v1/calls/"+id.String(), func(w http.ResponseWriter, r *http.Request) {
		status := models.CallStatusProcessing
		if polls.Add(1) > 1 {
			status = models.CallStatusCompleted
		}
		writeData(w, http.StatusOK, client.Call{ID: id, Status: status})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var notified atomic.Int32
	c := client.New(srv.URL, "cs_testkey")
	call, err := c.WatchCall(ctx, id, func(*client.Call) { notified.Add(1) },
		client.WatchOptions{PollInterval: time.Hour})

	require.NoError(t, err)
	assert.True(t, call.Terminal())
	assert.Equal(t, int32(1), notified.Load(), "duplicate terminal events must notify exactly once")
}

func TestWatchCall_ContextCancel(t *testing.T) {
	id := uuid.New()
	srv, _ := callServer(t, id, 1_000_000, models.CallStatusCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	c := client.New(srv.URL, "cs_testkey")
	_, err := c.WatchCall(ctx, id, nil, pollOnly(10*time.Millisecond))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
