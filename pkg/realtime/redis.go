package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisTransportConfig tunes a RedisTransport.
type RedisTransportConfig struct {
	Prefix string
	// Lease bounds how long the room counts of an instance outlive its last
	// heartbeat.
	Lease  time.Duration
	Logger *zap.Logger
}

// RedisTransport shares rooms across API instances. Each instance keeps its
// listener counts in its own Redis hash under a lease that Run renews, so a
// crashed instance stops advertising its rooms once the lease runs out. Emit
// publishes on a per-room channel that every instance relays into its local
// Hub.
type RedisTransport struct {
	client   *redis.Client
	hub      *Hub
	prefix   string
	instance string
	lease    time.Duration
	logger   *zap.Logger
}

var (
	_ Transport  = (*RedisTransport)(nil)
	_ Subscriber = (*RedisTransport)(nil)
)

func NewRedisTransport(client *redis.Client, hub *Hub, cfg RedisTransportConfig) *RedisTransport {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "nb:rt"
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	return &RedisTransport{
		client:   client,
		hub:      hub,
		prefix:   cfg.Prefix,
		instance: uuid.NewString(),
		lease:    cfg.Lease,
		logger:   cfg.Logger,
	}
}

func (t *RedisTransport) membersKey() string { return t.prefix + ":rooms:" + t.instance }

func (t *RedisTransport) channel(room string) string { return t.prefix + ":room:" + room }

// Subscribe joins the local hub and records the membership in Redis.
func (t *RedisTransport) Subscribe(ctx context.Context, room string) (*Subscription, error) {
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, t.membersKey(), room, 1)
		pipe.Expire(ctx, t.membersKey(), t.lease)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("register room %s: %w", room, err)
	}
	sub, err := t.hub.Subscribe(ctx, room)
	if err != nil {
		return nil, err
	}
	local := sub.release
	sub.release = func() {
		local()
		t.leave(room)
	}
	return sub, nil
}

func (t *RedisTransport) leave(room string) {
	ctx := context.Background()
	left, err := t.client.HIncrBy(ctx, t.membersKey(), room, -1).Result()
	if err != nil {
		t.logger.Warn("unregister realtime room", zap.String("room", room), zap.Error(err))
		return
	}
	if left <= 0 {
		t.client.HDel(ctx, t.membersKey(), room)
	}
}

// refresh rewrites this instance's counts from the local hub and renews the
// lease.
func (t *RedisTransport) refresh(ctx context.Context) error {
	rooms, _ := t.hub.Rooms(ctx, "")
	counts := make(map[string]interface{}, len(rooms))
	for _, room := range rooms {
		if n := t.hub.Listeners(room); n > 0 {
			counts[room] = n
		}
	}
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, t.membersKey())
		if len(counts) > 0 {
			pipe.HSet(ctx, t.membersKey(), counts)
			pipe.Expire(ctx, t.membersKey(), t.lease)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("renew room lease: %w", err)
	}
	return nil
}

func (t *RedisTransport) Emit(ctx context.Context, room, event string, payload interface{}) error {
	msg, err := encode(room, event, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := t.client.Publish(ctx, t.channel(room), raw).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event, room, err)
	}
	return nil
}

// Rooms lists rooms with a positive listener count on any live instance.
func (t *RedisTransport) Rooms(ctx context.Context, prefix string) ([]string, error) {
	open := make(map[string]struct{})
	iter := t.client.Scan(ctx, 0, t.prefix+":rooms:*", 100).Iterator()
	for iter.Next(ctx) {
		counts, err := t.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("list rooms: %w", err)
		}
		for room, raw := range counts {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || !strings.HasPrefix(room, prefix) {
				continue
			}
			open[room] = struct{}{}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	out := make([]string, 0, len(open))
	for room := range open {
		out = append(out, room)
	}
	sort.Strings(out)
	return out, nil
}

// Run relays published events into the local hub and renews the room lease
// until ctx is cancelled. ready, when non-nil, is closed once the pattern
// subscription is active.
func (t *RedisTransport) Run(ctx context.Context, ready chan<- struct{}) error {
	pubsub := t.client.PSubscribe(ctx, t.prefix+":room:*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe realtime relay: %w", err)
	}
	if ready != nil {
		close(ready)
	}
	t.logger.Info("realtime relay started", zap.String("prefix", t.prefix), zap.String("instance", t.instance))

	heartbeat := time.NewTicker(t.lease / 3)
	defer heartbeat.Stop()
	defer func() {
		if err := t.client.Del(context.Background(), t.membersKey()).Err(); err != nil {
			t.logger.Warn("release room lease", zap.Error(err))
		}
	}()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if err := t.refresh(ctx); err != nil {
				t.logger.Warn("realtime heartbeat failed", zap.Error(err))
			}
		case m, ok := <-ch:
			if !ok {
				return errors.New("realtime relay channel closed")
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				t.logger.Warn("discard malformed realtime message", zap.String("channel", m.Channel), zap.Error(err))
				continue
			}
			t.hub.deliver(msg)
		}
	}
}
