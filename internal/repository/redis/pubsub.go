package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// EventsPubSub fans out "inventory of event X changed" signals to every
// instance so each can drop its cached availability.
type EventsPubSub struct {
	rdb     *redis.Client
	channel string
}

func NewEventsPubSub(rdb *redis.Client) *EventsPubSub {
	return &EventsPubSub{
		rdb:     rdb,
		channel: ChannelEventsChanged(),
	}
}

type eventChangedMsg struct {
	Type    string    `json:"type"`
	EventID uuid.UUID `json:"event_id"`
	TsUnix  int64     `json:"ts_unix"`
}

func (p *EventsPubSub) PublishEventChanged(ctx context.Context, eventID uuid.UUID) error {
	msg := eventChangedMsg{
		Type:    "event_changed",
		EventID: eventID,
		TsUnix:  time.Now().Unix(),
	}

	b, _ := json.Marshal(msg)

	return p.rdb.Publish(ctx, p.channel, b).Err()
}

func (p *EventsPubSub) Subscribe(ctx context.Context, handler func(ctx context.Context, eventID uuid.UUID)) error {
	sub := p.rdb.Subscribe(ctx, p.channel)
	defer sub.Close()

	ch := sub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var ev eventChangedMsg
			if err := json.Unmarshal([]byte(m.Payload), &ev); err == nil &&
				ev.EventID != uuid.Nil {
				handler(ctx, ev.EventID)
			}
		}
	}
}

// Broadcaster invalidates the local cache entry for an event and tells the
// other instances to do the same. Failures are logged, never returned.
type Broadcaster struct {
	cache  *Cache
	pubsub *EventsPubSub
	log    *slog.Logger
}

func NewBroadcaster(cache *Cache, pubsub *EventsPubSub, log *slog.Logger) *Broadcaster {
	return &Broadcaster{cache: cache, pubsub: pubsub, log: log}
}

func (b *Broadcaster) EventChanged(ctx context.Context, eventID uuid.UUID) {
	if err := b.cache.InvalidateEvent(ctx, eventID); err != nil {
		b.log.Warn("cache invalidation failed", slog.String("event_id", eventID.String()), slog.Any("err", err))
	}
	if err := b.pubsub.PublishEventChanged(ctx, eventID); err != nil {
		b.log.Warn("event changed publish failed", slog.String("event_id", eventID.String()), slog.Any("err", err))
	}
}
