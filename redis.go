package bullroom

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisChannelPrefix namespaces every pub/sub channel.
const RedisChannelPrefix = "bullroom:"

// RedisTransport is a Transport and Publisher over Redis pub/sub. Gateways
// publish change events after each write; every gateway instance subscribes
// and forwards them to its WebSocket clients.
type RedisTransport struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisClient connects to addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// NewRedisTransport wraps an existing client.
func NewRedisTransport(client *redis.Client, opts ...Option) *RedisTransport {
	o := buildOptions(opts)
	return &RedisTransport{client: client, logger: o.logger}
}

// Publish encodes ev and publishes it on channel.
func (t *RedisTransport) Publish(ctx context.Context, channel string, ev Event) error {
	data, err := EncodeEvent(channel, ev)
	if err != nil {
		return err
	}
	if err := t.client.Publish(ctx, RedisChannelPrefix+channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Broadcast publishes a typing signal.
func (t *RedisTransport) Broadcast(ctx context.Context, channel string, sig TypingSignal) error {
	if sig.RoomID == "" {
		sig.RoomID = channel
	}
	return t.Publish(ctx, channel, TypingChanged{Signal: sig})
}

// Subscribe listens on channel until Close or until ctx is cancelled.
func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := t.client.Subscribe(ctx, RedisChannelPrefix+channel)
	// Wait for the subscription to be confirmed so no publish is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	s := &redisSub{
		pubsub: pubsub,
		events: make(chan Event, memoryBufferSize),
		done:   make(chan struct{}),
		logger: t.logger.With().Str("channel", channel).Logger(),
	}
	s.wg.Add(1)
	go s.pump(ctx)
	return s, nil
}

type redisSub struct {
	pubsub *redis.PubSub
	events chan Event
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func (s *redisSub) pump(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)
	msgs := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			go s.Close()
			return
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			ev, _, err := DecodeEvent([]byte(msg.Payload))
			if err != nil {
				s.logger.Debug().Err(err).Msg("event_dropped")
				continue
			}
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSub) Events() <-chan Event { return s.events }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
		s.wg.Wait()
	})
	return err
}
