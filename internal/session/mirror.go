package session

import (
	"context"
	"errors"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"previewd/internal/models"
	"previewd/internal/redis"
)

const (
	// EventsChannel carries every committed snapshot, msgpack encoded.
	EventsChannel   = "preview:events"
	stateKeyPrefix  = "preview:session:"
	defaultStateTTL = 30 * time.Minute
	mirrorTimeout   = 2 * time.Second
)

// Mirror receives every committed session transition.
type Mirror interface {
	Publish(ctx context.Context, viewer string, snap models.Snapshot)
}

// NopMirror drops snapshots.
type NopMirror struct{}

func (NopMirror) Publish(context.Context, string, models.Snapshot) {}

// MirrorFunc adapts a function to Mirror.
type MirrorFunc func(ctx context.Context, viewer string, snap models.Snapshot)

func (f MirrorFunc) Publish(ctx context.Context, viewer string, snap models.Snapshot) { f(ctx, viewer, snap) }

// Event is the payload published on EventsChannel.
type Event struct {
	Viewer   string          `msgpack:"viewer"`
	Snapshot models.Snapshot `msgpack:"snapshot"`
}

// RedisMirror stores the latest snapshot per viewer under a TTL key, so other
// replicas can answer state queries, and broadcasts it on EventsChannel.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisMirror(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisMirror {
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMirror{client: client, ttl: ttl, logger: logger}
}

func stateKey(viewer string) string { return stateKeyPrefix + viewer }

// Publish writes snap and broadcasts it. A closed snapshot removes the key.
// Failures are logged; the controller never depends on the mirror.
func (m *RedisMirror) Publish(ctx context.Context, viewer string, snap models.Snapshot) {
	if m == nil || m.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	payload, err := msgpack.Marshal(&Event{Viewer: viewer, Snapshot: snap})
	if err != nil {
		m.logger.Warn("encode preview snapshot", zap.String("viewer", viewer), zap.Error(err))
		return
	}
	if snap.IsOpen() {
		err = m.client.Set(ctx, stateKey(viewer), payload, m.ttl)
	} else {
		err = m.client.Del(ctx, stateKey(viewer))
	}
	if err != nil {
		m.logger.Warn("mirror preview state", zap.String("viewer", viewer), zap.Error(err))
	}
	if err := m.client.Publish(ctx, EventsChannel, payload); err != nil {
		m.logger.Warn("publish preview event", zap.String("viewer", viewer), zap.Error(err))
	}
}

// Load returns the mirrored snapshot of viewer; ok is false when none is stored.
func (m *RedisMirror) Load(ctx context.Context, viewer string) (models.Snapshot, bool, error) {
	if m == nil || m.client == nil {
		return models.Snapshot{}, false, nil
	}
	raw, err := m.client.GetBytes(ctx, stateKey(viewer))
	if errors.Is(err, redis.ErrCacheMiss) {
		return models.Snapshot{}, false, nil
	}
	if err != nil {
		return models.Snapshot{}, false, err
	}
	var ev Event
	if err := msgpack.Unmarshal(raw, &ev); err != nil {
		return models.Snapshot{}, false, err
	}
	return ev.Snapshot, true, nil
}
