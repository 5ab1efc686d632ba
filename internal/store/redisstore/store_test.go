package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/artifact-chat/internal/chat"
	"github.com/suPer8Hu/artifact-chat/internal/logger"
)

type countingSource struct {
	calls int
	err   error
}

func (s *countingSource) Persona(ctx context.Context, artifactID string) (*chat.Persona, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &chat.Persona{ArtifactID: artifactID, Name: "Keris Majapahit", Category: "Senjata"}, nil
}

// unreachable points at a port nothing listens on.
func unreachable(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestPersonaCache_FallsBackToSourceWhenRedisIsDown(t *testing.T) {
	src := &countingSource{}
	cache := NewPersonaCache(unreachable(t), src, time.Minute, logger.Discard())

	p, err := cache.Persona(context.Background(), "01J0000000000000000000000A")
	require.NoError(t, err)
	assert.Equal(t, "Keris Majapahit", p.Name)
	assert.Equal(t, "01J0000000000000000000000A", p.ArtifactID)
	assert.Equal(t, 1, src.calls)
}

func TestPersonaCache_PassesSourceErrorsThrough(t *testing.T) {
	want := errors.New("record not found")
	cache := NewPersonaCache(unreachable(t), &countingSource{err: want}, time.Minute, logger.Discard())

	_, err := cache.Persona(context.Background(), "missing")
	assert.ErrorIs(t, err, want)
}

func TestTouchAnonymous_ReportsRedisErrors(t *testing.T) {
	s := NewStore(unreachable(t), time.Hour)
	err := s.TouchAnonymous(context.Background(), "anon-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redisstore: touch anonymous")
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "anon:session:abc", anonKey("abc"))
	assert.Equal(t, "persona:01J", personaKey("01J"))
}

func TestPersonaCache_InvalidateReportsRedisErrors(t *testing.T) {
	var cache chat.PersonaInvalidator = NewPersonaCache(unreachable(t), &countingSource{}, time.Minute, logger.Discard())
	err := cache.Invalidate(context.Background(), "01J")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redisstore: invalidate persona")
}
