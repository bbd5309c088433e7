package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis Pub/Sub channel worker lifecycle events are
// published to when a RedisPublisher listener is registered.
const DefaultChannel = "chronos:events"

// wireEvent is the JSON shape published to Redis; Listener's Payload
// trimmed to fields that survive marshaling usefully for an external
// subscriber (a dashboard, a webhook relay).
type wireEvent struct {
	Event   string  `json:"event"`
	Payload Payload `json:"payload"`
}

// NewRedisPublisher returns a Listener that republishes every event onto
// a Redis Pub/Sub channel, so dashboards or webhook relays outside the
// worker process can observe job lifecycle transitions without polling
// the job store. Publish errors are swallowed: event fan-out is
// best-effort and must never block or fail a job's own outcome.
func NewRedisPublisher(client *redis.Client, channel string) Listener {
	if channel == "" {
		channel = DefaultChannel
	}
	return func(event string, payload Payload) {
		data, err := json.Marshal(wireEvent{Event: event, Payload: payload})
		if err != nil {
			return
		}
		client.Publish(context.Background(), channel, data).Err()
	}
}
