package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/callsight/callsight/internal/cache"
	"github.com/callsight/callsight/pkg/models"
)

const reconnectDelay = 5 * time.Second
const statusCacheTTL = 30 * time.Minute

// Listener holds a dedicated Postgres connection on LISTEN and feeds decoded
// events into the hub. Notifications are delivery hints, not state: a missed
// one is recovered by the client's poll fallback, so the listener prefers
// dropping a bad payload over stalling.
type Listener struct {
	connString string
	hub        *Hub
	cache      cache.Cache
}

func NewListener(connString string, hub *Hub, c cache.Cache) *Listener {
	return &Listener{connString: connString, hub: hub, cache: c}
}

// Run blocks, listening for call events until ctx is cancelled. Connection
// loss is retried forever with a fixed delay.
func (l *Listener) Run(ctx context.Context) {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		slog.Error("call event listener disconnected, reconnecting", "error", err, "delay", reconnectDelay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return err
	}
	slog.Info("listening for call events", "channel", Channel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}

		var ev Event
		if err := json.Unmarshal([]byte(notification.Payload), &ev); err != nil {
			slog.Warn("dropping malformed call event", "error", err)
			continue
		}
		l.handle(ctx, ev)
	}
}

func (l *Listener) handle(ctx context.Context, ev Event) {
	// Keep the cache coherent before any subscriber can react to the event
	// and re-read state.
	if ev.Transition() {
		if ev.Terminal() {
			if err := l.cache.InvalidateCall(ctx, ev.CallID); err != nil {
				slog.Warn("failed to invalidate call cache", "call_id", ev.CallID, "error", err)
			}
		}
		if err := l.cache.SetCallStatus(ctx, ev.CallID, ev.NewStatus, statusCacheTTL); err != nil {
			slog.Warn("failed to cache call status", "call_id", ev.CallID, "error", err)
		}
	}

	l.hub.Publish(ev)

	if ev.Transition() && ev.NewStatus == models.CallStatusError {
		slog.Info("call analysis errored", "call_id", ev.CallID, "owner_id", ev.OwnerID)
	}
}
