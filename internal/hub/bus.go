package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/starford/pagelink/internal/transport"
)

// Bus connects relay instances: it tells which instance holds a notebook's
// session and carries messages to it.
type Bus interface {
	Publish(ctx context.Context, target string, msg transport.Message) error
	Subscribe(ctx context.Context, fn func(target string, msg transport.Message)) error
	Online(ctx context.Context, target string) (bool, error)
	Announce(ctx context.Context, target string) error
	Withdraw(ctx context.Context, target string) error
	TTL() time.Duration
}

const (
	DefaultChannel     = "pagelink:messages"
	DefaultPresenceTTL = 30 * time.Second
)

type envelope struct {
	Origin  string            `json:"origin"`
	Target  string            `json:"target"`
	Message transport.Message `json:"message"`
}

// RedisBus is a Bus on redis pub/sub with presence keys that expire unless
// refreshed.
type RedisBus struct {
	rdb      redis.UniversalClient
	channel  string
	ttl      time.Duration
	instance string
	log      *slog.Logger
}

var _ Bus = (*RedisBus)(nil)

// DialRedis connects to addr and checks the server answers.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("hub: redis %s: %w", addr, err)
	}
	return rdb, nil
}

func NewRedisBus(rdb redis.UniversalClient, channel string, ttl time.Duration, log *slog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{rdb: rdb, channel: channel, ttl: ttl, instance: uuid.NewString(), log: log}
}

func (b *RedisBus) TTL() time.Duration { return b.ttl }

func (b *RedisBus) key(target string) string {
	return b.channel + ":online:" + target
}

func (b *RedisBus) Publish(ctx context.Context, target string, msg transport.Message) error {
	payload, err := json.Marshal(envelope{Origin: b.instance, Target: target, Message: msg})
	if err != nil {
		return fmt.Errorf("hub: publish: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("hub: publish: %w", err)
	}
	return nil
}

// Subscribe calls fn for every message published by other instances until
// ctx ends.
func (b *RedisBus) Subscribe(ctx context.Context, fn func(target string, msg transport.Message)) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("hub: subscribe %s: %w", b.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return errors.New("hub: subscription closed")
			}
			var env envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				b.log.Warn("bad bus payload", slog.String("error", err.Error()))
				continue
			}
			if env.Origin == b.instance {
				continue
			}
			fn(env.Target, env.Message)
		}
	}
}

func (b *RedisBus) Online(ctx context.Context, target string) (bool, error) {
	owner, err := b.rdb.Get(ctx, b.key(target)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("hub: presence %s: %w", target, err)
	}
	// Our own stale key means the session is gone.
	return owner != b.instance, nil
}

func (b *RedisBus) Announce(ctx context.Context, target string) error {
	if err := b.rdb.Set(ctx, b.key(target), b.instance, b.ttl).Err(); err != nil {
		return fmt.Errorf("hub: announce %s: %w", target, err)
	}
	return nil
}

// Withdraw drops the presence key if this instance still owns it.
func (b *RedisBus) Withdraw(ctx context.Context, target string) error {
	owner, err := b.rdb.Get(ctx, b.key(target)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("hub: withdraw %s: %w", target, err)
	}
	if owner != b.instance {
		return nil
	}
	if err := b.rdb.Del(ctx, b.key(target)).Err(); err != nil {
		return fmt.Errorf("hub: withdraw %s: %w", target, err)
	}
	return nil
}
