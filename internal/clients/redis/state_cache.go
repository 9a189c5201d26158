package redis

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/replyflow/replyflow-backend/internal/logger"
)

// StateCache holds the ephemeral provider-side state that has no place in the
// relational store: instance connection state, contact presence, and short-TTL
// webhook dedup hints. The DB unique index on external_message_id remains the
// authoritative dedup mechanism; the hint just saves a round trip on the
// provider's immediate redeliveries.
type StateCache interface {
	SetConnectionState(ctx context.Context, instanceKey string, state string) error
	GetConnectionState(ctx context.Context, instanceKey string) (string, error)
	SetPresence(ctx context.Context, instanceKey string, remoteJid string, presence string) error
	MarkEventSeen(ctx context.Context, eventKey string) (alreadySeen bool, err error)
	// ForgetEvent releases a dedup slot claimed by MarkEventSeen, so a
	// delivery whose store attempt failed can be retried within the TTL.
	ForgetEvent(ctx context.Context, eventKey string) error
	Close() error
}

type stateCache struct {
	log      *logger.Logger
	rdb      *goredis.Client
	dedupTTL time.Duration
}

func NewStateCache(log *logger.Logger) (StateCache, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &stateCache{
		log:      log.With("service", "RedisStateCache"),
		rdb:      rdb,
		dedupTTL: time.Hour,
	}, nil
}

func (s *stateCache) SetConnectionState(ctx context.Context, instanceKey string, state string) error {
	key := "instance:state:" + instanceKey
	return s.rdb.Set(ctx, key, state, 0).Err()
}

func (s *stateCache) GetConnectionState(ctx context.Context, instanceKey string) (string, error) {
	key := "instance:state:" + instanceKey
	val, err := s.rdb.Get(ctx, key).Result()
	if err == goredis.Nil {
		return "", nil
	}
	return val, err
}

func (s *stateCache) SetPresence(ctx context.Context, instanceKey string, remoteJid string, presence string) error {
	key := fmt.Sprintf("presence:%s:%s", instanceKey, remoteJid)
	return s.rdb.Set(ctx, key, presence, 10*time.Minute).Err()
}

func (s *stateCache) MarkEventSeen(ctx context.Context, eventKey string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, "webhook:seen:"+eventKey, 1, s.dedupTTL).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

func (s *stateCache) ForgetEvent(ctx context.Context, eventKey string) error {
	return s.rdb.Del(ctx, "webhook:seen:"+eventKey).Err()
}

func (s *stateCache) Close() error {
	return s.rdb.Close()
}
