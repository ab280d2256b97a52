package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/labtasker/internal/domain"
	"github.com/fairyhunter13/labtasker/pkg/docval"
)

// relayChannel is the Redis pub/sub channel shared by all replicas.
const relayChannel = "labtasker:events"

// RedisRelay bridges the in-process bus across server replicas: local
// events are published to a Redis channel, remote events are fed back
// into the local bus so every replica's subscribers see the full
// stream. The relay tags events with its origin id to drop echoes.
type RedisRelay struct {
	rdb    *redis.Client
	bus    *Bus
	origin string
	cancel context.CancelFunc
	done   chan struct{}
}

type relayEnvelope struct {
	Origin string    `json:"origin"`
	Event  wireEvent `json:"event"`
}

// NewRedisRelay connects to Redis and verifies the connection.
func NewRedisRelay(ctx context.Context, redisURL string, bus *Bus) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=events.relay: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("op=events.relay: ping: %w", err)
	}
	return &RedisRelay{
		rdb:    rdb,
		bus:    bus,
		origin: uuid.New().String(),
		done:   make(chan struct{}),
	}, nil
}

// Start taps the local bus and begins consuming remote events.
func (r *RedisRelay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.bus.Tap(r.forward)
	sub := r.rdb.Subscribe(ctx, relayChannel)
	go r.consume(ctx, sub)
}

// forward publishes a local event to the shared channel. Best-effort;
// a tap must never block, so failures are only logged.
func (r *RedisRelay) forward(ev domain.Event) {
	payload, err := json.Marshal(relayEnvelope{Origin: r.origin, Event: toWireEvent(ev)})
	if err != nil {
		slog.Error("redis relay marshal failed", slog.Any("error", err))
		return
	}
	go func() {
		if err := r.rdb.Publish(context.Background(), relayChannel, payload).Err(); err != nil {
			slog.Warn("redis relay publish failed", slog.Any("error", err))
		}
	}()
}

func (r *RedisRelay) consume(ctx context.Context, sub *redis.PubSub) {
	defer close(r.done)
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				slog.Warn("redis relay bad payload", slog.Any("error", err))
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			r.bus.Inject(domain.Event{
				QueueID:   env.Event.QueueID,
				Entity:    domain.EventEntity(env.Event.Entity),
				EntityID:  env.Event.EntityID,
				OldStatus: env.Event.OldStatus,
				NewStatus: env.Event.NewStatus,
				Metadata:  docval.FromAny(env.Event.Metadata),
			})
		}
	}
}

// Close stops the consumer and releases the Redis client.
func (r *RedisRelay) Close() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	return r.rdb.Close()
}
