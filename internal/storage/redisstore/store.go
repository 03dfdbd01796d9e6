// Package redisstore checkpoints session snapshots in Redis so a restarted
// process can re-admit live matches.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"tokenduel/internal/match"
)

type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// TTL bounds how long an abandoned snapshot survives. Zero keeps it
	// until deleted.
	TTL time.Duration
}

// Store implements match.Checkpointer.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// Open connects and pings the server.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return New(client, cfg.KeyPrefix, cfg.TTL), nil
}

func New(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *Store {
	if keyPrefix == "" {
		keyPrefix = "tokenduel:session:"
	}
	return &Store{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *Store) key(id string) string {
	return s.keyPrefix + id
}

func (s *Store) Save(ctx context.Context, sess match.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

// Load returns every checkpointed session. Snapshots that fail to decode
// are logged and skipped.
func (s *Store) Load(ctx context.Context) ([]match.Session, error) {
	var (
		out    []match.Session
		cursor uint64
	)
	pattern := s.keyPrefix + "*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan keys: %w", err)
		}
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if err != nil {
				// deleted between SCAN and GET
				continue
			}
			var sess match.Session
			if err := json.Unmarshal(data, &sess); err != nil {
				log.Printf("[RedisStore] WARN: skipping corrupt snapshot %s: %v", key, err)
				continue
			}
			out = append(out, sess)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// Check pings the server. It is registered as a health check.
func (s *Store) Check(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
