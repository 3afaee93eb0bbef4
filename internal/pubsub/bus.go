package pubsub

import (
	"context"
	"encoding/json"

	"flagwatch/internal/model"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Bus publishes lookup and cache events to Redis channels and mirrors them
// to connected websocket clients
type Bus struct {
	rdb   *redis.Client
	log   *zap.Logger
	ctx   context.Context
	wsHub WSHub
}

type WSHub interface {
	Publish(channel string, message map[string]interface{})
}

func New(rdb *redis.Client, log *zap.Logger) *Bus {
	return &Bus{
		rdb: rdb,
		log: log,
		ctx: context.Background(),
	}
}

// SetWSHub sets the WebSocket hub for event broadcasting
func (b *Bus) SetWSHub(hub WSHub) {
	b.wsHub = hub
}

// EntityChannel names the channel carrying one entity's events
func EntityChannel(kind model.EntityKind, id model.EntityID) string {
	return string(kind) + ":" + string(id)
}

// PublishEntity publishes an event to an entity's channel
func (b *Bus) PublishEntity(kind model.EntityKind, id model.EntityID, event map[string]interface{}) error {
	return b.Publish(EntityChannel(kind, id), event)
}

// PublishCache publishes a cache-change event for one cache kind
func (b *Bus) PublishCache(kind string, event map[string]interface{}) error {
	return b.Publish("cache:"+kind, event)
}

// Publish publishes an event to a channel
func (b *Bus) Publish(channel string, event map[string]interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if b.rdb != nil {
		if err := b.rdb.Publish(b.ctx, channel, data).Err(); err != nil {
			b.log.Warn("failed to publish event", zap.String("channel", channel), zap.Error(err))
		}
	}

	if b.wsHub != nil {
		b.wsHub.Publish(channel, event)
	}
	return nil
}
