package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Handler consumes a delivered event. Handlers must be idempotent: the bus
// guarantees at-least-once, not exactly-once, delivery.
type Handler func(ctx context.Context, ev Event)

// Bus fans session and security state changes out to every process that
// subscribes to a user or device channel. Publication never blocks the
// request path that triggered it.
type Bus struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewBus(client *redis.Client, log zerolog.Logger) *Bus {
	return &Bus{client: client, log: log}
}

// Publish sends the event on its way and returns immediately. Failures are
// logged, never propagated: losing a notification must not fail the
// state change it describes.
func (b *Bus) Publish(ctx context.Context, channel string, ev Event) {
	go func() {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		raw, err := json.Marshal(ev)
		if err != nil {
			b.log.Error().Err(err).Str("channel", channel).Msg("event marshal failed")
			return
		}
		if err := b.client.Publish(pubCtx, channel, raw).Err(); err != nil {
			b.log.Error().
				Err(err).
				Str("channel", channel).
				Str("event_id", ev.ID).
				Msg("event publish failed")
		}
	}()
}

// Subscribe delivers events from the channel to the handler until ctx is
// cancelled. Redelivery after reconnects is possible; the handler is
// wrapped in a dedupe guard keyed on event id.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler Handler) {
	sub := b.client.Subscribe(ctx, channel)
	deduped := b.dedupe(handler)

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Warn().Err(err).Str("channel", channel).Msg("malformed event dropped")
					continue
				}
				deduped(ctx, ev)
			}
		}
	}()
}

// dedupe suppresses redelivered events for one subscription. Every
// subscriber still sees every event once; only repeats to the same
// consumer are dropped. Seen ids are pruned after seenTTL.
func (b *Bus) dedupe(handler Handler) Handler {
	const seenTTL = 10 * time.Minute
	seen := make(map[string]time.Time)

	return func(ctx context.Context, ev Event) {
		now := time.Now()
		for id, at := range seen {
			if now.Sub(at) > seenTTL {
				delete(seen, id)
			}
		}
		if _, dup := seen[ev.ID]; dup {
			return
		}
		seen[ev.ID] = now
		handler(ctx, ev)
	}
}
