package fabric

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Symbia-Labs/symbia-stack-sub002/internal/event"
	"github.com/Symbia-Labs/symbia-stack-sub002/internal/router"
)

const (
	mirrorChannel = "network:sdn:traces"
	mirrorTimeout = 2 * time.Second
)

// RedisMirror publishes finalized traces to a Redis channel so external
// observers can tail the SoftSDN without holding a fabric session. The
// in-memory history stays authoritative; publish failures are logged and
// dropped.
type RedisMirror struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisMirror connects to Redis at addr. Returns nil (no mirror) if the
// initial ping fails; the fabric runs fine without it.
func NewRedisMirror(addr string, logger *slog.Logger) *RedisMirror {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis mirror unavailable, continuing without it", "addr", addr, "error", err)
		client.Close()
		return nil
	}

	logger.Info("redis trace mirror enabled", "addr", addr, "channel", mirrorChannel)
	return &RedisMirror{client: client, logger: logger.With("component", "mirror")}
}

// MirrorTrace implements router.TraceMirror.
func (m *RedisMirror) MirrorTrace(ctx context.Context, ev *event.Event, trace *router.Trace) {
	payload := struct {
		Event *event.Event  `json:"event"`
		Trace *router.Trace `json:"trace"`
	}{ev, trace}

	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	if err := m.client.Publish(ctx, mirrorChannel, body).Err(); err != nil {
		m.logger.Warn("trace mirror publish failed", "event", ev.Wrapper.ID, "error", err)
	}
}

// Close releases the Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
