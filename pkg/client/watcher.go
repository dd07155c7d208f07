package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultPollInterval is the poll fallback cadence while watching a call.
const DefaultPollInterval = 2 * time.Second

// Watcher states. A watcher notifies exactly once: the first authoritative
// terminal read flips it from watching to notified, and every later signal
// (duplicate push event, next poll tick) is ignored.
const (
	stateWatching = iota
	stateNotified
)

// WatchOptions tunes WatchCall.
type WatchOptions struct {
	// PollInterval for the fallback poll loop. Defaults to DefaultPollInterval.
	PollInterval time.Duration
	// DisablePush skips the websocket and relies on polling only.
	DisablePush bool
}

// WatchCall blocks until the call reaches a terminal status, then invokes
// onTerminal exactly once with the final state and returns it. Push events
// are treated as hints to poll immediately; the HTTP read is always the
// authority, so a missed, duplicated, or malformed push costs at most one
// poll interval of latency.
func (c *Client) WatchCall(ctx context.Context, id uuid.UUID, onTerminal func(*Call), opts WatchOptions) (*Call, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	hints := make(chan struct{}, 1)
	if !opts.DisablePush {
		pushCtx, cancelPush := context.WithCancel(ctx)
		defer cancelPush()
		go c.pushWatch(pushCtx, id, hints)
	}

	state := stateWatching

	check := func() (*Call, error) {
		call, err := c.GetCall(ctx, id)
		if err != nil {
			// Transient server or network trouble; keep watching unless
			// the call is gone or we are not allowed to see it.
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrUnauthorized) {
				return nil, err
			}
			return nil, nil
		}
		if !call.Terminal() {
			return nil, nil
		}
		if state == stateWatching {
			state = stateNotified
			if onTerminal != nil {
				onTerminal(call)
			}
		}
		return call, nil
	}

	// Immediate first check covers calls that finished before the watch
	// started.
	if call, err := check(); call != nil || err != nil {
		return call, err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-hints:
			if call, err := check(); call != nil || err != nil {
				return call, err
			}
		case <-ticker.C:
			if call, err := check(); call != nil || err != nil {
				return call, err
			}
		}
	}
}

// event mirrors the server's websocket payload; only the status matters here.
type event struct {
	CallID    uuid.UUID `json:"call_id"`
	NewStatus string    `json:"new_status"`
}

// pushWatch keeps a websocket open and signals the hint channel whenever an
// event suggests the call may be terminal. Reconnects quietly; the poll loop
// carries the watch while push is down.
func (c *Client) pushWatch(ctx context.Context, id uuid.UUID, hints chan<- struct{}) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/api/v1/calls/" + id.String() + "/events"
	header := http.Header{"Authorization": {"Bearer " + c.apiKey}}

	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
		if err != nil {
			slog.Debug("call event stream unavailable, polling only", "call_id", id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(DefaultPollInterval):
			}
			continue
		}

		for {
			var ev event
			if err := conn.ReadJSON(&ev); err != nil {
				conn.Close()
				break
			}
			if ev.NewStatus == "completed" || ev.NewStatus == "error" {
				select {
				case hints <- struct{}{}:
				default:
				}
			}
		}
	}
}
