package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"numbers-betting-backend/internal/config"
	"numbers-betting-backend/internal/models"
)

// RedisBus is a Notifier that fans messages out through Redis pub/sub so
// every API process can deliver them to its own websocket clients.
// Publishing only enqueues; a single goroutine drains the queue in order.
type RedisBus struct {
	client  *redis.Client
	channel string
	log     zerolog.Logger

	queue    chan []byte
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

type busEnvelope struct {
	Audience string          `json:"audience"`
	UserID   int64           `json:"userId,omitempty"`
	Message  json.RawMessage `json:"message"`
}

func NewRedisBus(cfg *config.Config, log zerolog.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:                  cfg.RedisURL,
		Password:              cfg.RedisPass,
		DB:                    cfg.RedisDB,
		ContextTimeoutEnabled: true,
	})

	ctx, cancel := context.WithTimeout(context.Background(), RedisPublishTimeout)
	defer cancel()

	_, err := client.Ping(ctx).Result()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newRedisBus(client, RedisQueueSize, log), nil
}

func newRedisBus(client *redis.Client, queueSize int, log zerolog.Logger) *RedisBus {
	bus := &RedisBus{
		client:  client,
		channel: ChannelNotifications,
		log:     log,
		queue:   make(chan []byte, queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go bus.run()
	return bus
}

func (b *RedisBus) run() {
	defer close(b.done)

	for {
		// stop wins over a non-empty queue
		select {
		case <-b.stop:
			b.dropQueued()
			return
		default:
		}

		select {
		case <-b.stop:
			b.dropQueued()
			return
		case data := <-b.queue:
			b.send(data)
		}
	}
}

func (b *RedisBus) send(data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), RedisPublishTimeout)
	defer cancel()

	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		b.log.Error().Err(err).Str("channel", b.channel).Msg("failed to publish notification")
	}
}

func (b *RedisBus) dropQueued() {
	if n := len(b.queue); n > 0 {
		b.log.Warn().Int("dropped", n).Msg("redis bus stopped with queued notifications")
	}
}

func (b *RedisBus) Broadcast(msg *models.Notification) error {
	return b.publish(AudienceAll, 0, msg)
}

func (b *RedisBus) PublishToAdmins(msg *models.Notification) error {
	return b.publish(AudienceAdmins, 0, msg)
}

func (b *RedisBus) PublishToUser(userID int64, msg *models.Notification) error {
	return b.publish(AudienceUser, userID, msg)
}

func (b *RedisBus) publish(audience string, userID int64, msg *models.Notification) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	data, err := json.Marshal(busEnvelope{Audience: audience, UserID: userID, Message: body})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	select {
	case b.queue <- data:
		return nil
	default:
		return ErrNotifyQueueFull
	}
}

// Relay subscribes to the notification channel and hands every envelope to
// local until ctx is cancelled. It returns once the subscription is live
// and relays in the background.
func (b *RedisBus) Relay(ctx context.Context, local Notifier) error {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	go func() {
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				if err := dispatchEnvelope([]byte(m.Payload), local); err != nil {
					b.log.Warn().Err(err).Msg("failed to relay notification")
				}
			}
		}
	}()

	return nil
}

func dispatchEnvelope(data []byte, local Notifier) error {
	var env busEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	var payload json.RawMessage
	msg := &models.Notification{Payload: &payload}
	if err := json.Unmarshal(env.Message, msg); err != nil {
		return fmt.Errorf("failed to unmarshal notification: %w", err)
	}
	msg.Payload = payload

	switch env.Audience {
	case AudienceAll:
		return local.Broadcast(msg)
	case AudienceAdmins:
		return local.PublishToAdmins(msg)
	case AudienceUser:
		return local.PublishToUser(env.UserID, msg)
	default:
		return fmt.Errorf("unknown audience %q", env.Audience)
	}
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close stops the publish loop and closes the client. Notifications still
// queued are dropped.
func (b *RedisBus) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
	return b.client.Close()
}
