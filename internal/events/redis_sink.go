package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisSink mirrors bus events onto a Redis pub/sub channel so external
// dashboards can follow a rollout without touching the controller
// process. Publish failures are logged and dropped: the sink is a
// transport, never a participant in controller state.
type RedisSink struct {
	client  *redis.Client
	channel string
	done    chan struct{}
}

// NewRedisSink connects a sink to the given bus subscription channel.
func NewRedisSink(client *redis.Client, channel string, sub <-chan Event) *RedisSink {
	s := &RedisSink{
		client:  client,
		channel: channel,
		done:    make(chan struct{}),
	}
	go s.run(sub)
	return s
}

func (s *RedisSink) run(sub <-chan Event) {
	defer close(s.done)
	for ev := range sub {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.Error().Err(err).Str("event", string(ev.Type)).Msg("failed to marshal event for redis sink")
			continue
		}
		if err := s.client.Publish(context.Background(), s.channel, payload).Err(); err != nil {
			log.Warn().Err(err).Str("event", string(ev.Type)).Msg("redis sink publish failed")
		}
	}
}

// Wait blocks until the subscription channel is drained and closed.
func (s *RedisSink) Wait() {
	<-s.done
}
