package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/Desarso/chatstream/transport"
	"github.com/redis/go-redis/v9"
)

// Broadcaster fans room frames out to every subscribed websocket session,
// possibly across server instances.
type Broadcaster interface {
	Publish(ctx context.Context, chatID string, f transport.Frame) error
	// Subscribe calls fn for every frame published to chatID until the
	// returned function is called.
	Subscribe(ctx context.Context, chatID string, fn func(transport.Frame)) (func(), error)
	Close() error
}

// LocalBroadcaster delivers frames within this process.
type LocalBroadcaster struct {
	mu     sync.RWMutex
	rooms  map[string]map[uint64]func(transport.Frame)
	nextID uint64
}

func NewLocalBroadcaster() *LocalBroadcaster {
	return &LocalBroadcaster{rooms: make(map[string]map[uint64]func(transport.Frame))}
}

func (b *LocalBroadcaster) Publish(_ context.Context, chatID string, f transport.Frame) error {
	b.mu.RLock()
	subs := make([]func(transport.Frame), 0, len(b.rooms[chatID]))
	for _, fn := range b.rooms[chatID] {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(f)
	}
	return nil
}

func (b *LocalBroadcaster) Subscribe(_ context.Context, chatID string, fn func(transport.Frame)) (func(), error) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.rooms[chatID] == nil {
		b.rooms[chatID] = make(map[uint64]func(transport.Frame))
	}
	b.rooms[chatID][id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.rooms[chatID], id)
			if len(b.rooms[chatID]) == 0 {
				delete(b.rooms, chatID)
			}
		})
	}, nil
}

func (b *LocalBroadcaster) Close() error { return nil }

// RedisBroadcaster publishes frames on the pub/sub channel chat:<chatID> so
// every server instance sharing the Redis delivers them.
type RedisBroadcaster struct {
	rdb    *redis.Client
	logger *log.Logger
}

// NewRedisBroadcaster connects to redisURL and checks it with PING.
func NewRedisBroadcaster(ctx context.Context, redisURL string, logger *log.Logger) (*RedisBroadcaster, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisBroadcaster{rdb: rdb, logger: logger}, nil
}

func roomChannel(chatID string) string { return "chat:" + chatID }

func (b *RedisBroadcaster) Publish(ctx context.Context, chatID string, f transport.Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, roomChannel(chatID), payload).Err()
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context, chatID string, fn func(transport.Frame)) (func(), error) {
	pubsub := b.rdb.Subscribe(ctx, roomChannel(chatID))
	// wait for the subscription confirmation so no publish is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", roomChannel(chatID), err)
	}

	done := make(chan struct{})
	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var f transport.Frame
				if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
					b.logger.Printf("Failed to unmarshal room frame: %v", err)
					continue
				}
				fn(f)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			pubsub.Close()
		})
	}, nil
}

func (b *RedisBroadcaster) Close() error { return b.rdb.Close() }
