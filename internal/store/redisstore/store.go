// Package redisstore keeps short-lived state in Redis: anonymous session tokens and a
// read-through cache of artifact personas.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/artifact-chat/internal/chat"
)

const (
	anonKeyPrefix    = "anon:session:"
	personaKeyPrefix = "persona:"
)

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewStore keeps anonymous tokens alive for ttl after their last use.
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

func anonKey(token string) string { return anonKeyPrefix + token }

// TouchAnonymous registers token on first sight and extends its expiry. It implements
// identity.SessionRegistry.
func (s *Store) TouchAnonymous(ctx context.Context, token string) error {
	key := anonKey(token)
	pipe := s.rdb.TxPipeline()
	pipe.SetNX(ctx, key, time.Now().Unix(), s.ttl)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: touch anonymous: %w", err)
	}
	return nil
}

// PersonaCache is a chat.PersonaSource that reads through Redis. Redis failures are logged
// and served from the underlying source.
type PersonaCache struct {
	rdb    *redis.Client
	source chat.PersonaSource
	ttl    time.Duration
	log    *slog.Logger
}

func NewPersonaCache(rdb *redis.Client, source chat.PersonaSource, ttl time.Duration, log *slog.Logger) *PersonaCache {
	return &PersonaCache{rdb: rdb, source: source, ttl: ttl, log: log}
}

func personaKey(artifactID string) string { return personaKeyPrefix + artifactID }

// cachedPersona carries the fields the json tags on chat.Persona leave out.
type cachedPersona struct {
	ArtifactID string `json:"artifactId"`
	chat.Persona
}

func (c *PersonaCache) Persona(ctx context.Context, artifactID string) (*chat.Persona, error) {
	raw, err := c.rdb.Get(ctx, personaKey(artifactID)).Bytes()
	switch {
	case err == nil:
		var cp cachedPersona
		if jerr := json.Unmarshal(raw, &cp); jerr == nil {
			p := cp.Persona
			p.ArtifactID = cp.ArtifactID
			return &p, nil
		}
		c.log.Warn("corrupt persona cache entry", "artifact_id", artifactID)
	case !errors.Is(err, redis.Nil):
		c.log.Warn("persona cache read failed", "artifact_id", artifactID, "err", err)
	}

	p, err := c.source.Persona(ctx, artifactID)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(cachedPersona{ArtifactID: p.ArtifactID, Persona: *p})
	if err == nil {
		if err := c.rdb.Set(ctx, personaKey(artifactID), body, c.ttl).Err(); err != nil {
			c.log.Warn("persona cache write failed", "artifact_id", artifactID, "err", err)
		}
	}
	return p, nil
}

// Invalidate drops the cached persona of artifactID. It implements chat.PersonaInvalidator.
func (c *PersonaCache) Invalidate(ctx context.Context, artifactID string) error {
	if err := c.rdb.Del(ctx, personaKey(artifactID)).Err(); err != nil {
		return fmt.Errorf("redisstore: invalidate persona: %w", err)
	}
	return nil
}
