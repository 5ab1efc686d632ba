package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/artifact-chat/internal/room"
)

// flakyStore fails the first failures appends.
type flakyStore struct {
	*Repo
	failures int32
	attempts int32
}

func (s *flakyStore) AppendMessages(ctx context.Context, sessionID string, msgs []ChatMessage) ([]ChatMessage, int, error) {
	atomic.AddInt32(&s.attempts, 1)
	if atomic.AddInt32(&s.failures, -1) >= 0 {
		return nil, 0, errors.New("connection reset by peer")
	}
	return s.Repo.AppendMessages(ctx, sessionID, msgs)
}

func TestFinalize_RetriesOnce(t *testing.T) {
	var store *flakyStore
	h := newHarnessWithStore(t, &scriptedProvider{chunks: []string{"ok"}}, Options{}, func(r *Repo) Store {
		store = &flakyStore{Repo: r, failures: 1}
		return store
	})
	sid := h.createKeris(t).Session.ID

	turn, err := h.svc.Submit(context.Background(), SubmitRequest{SessionID: sid, Text: "Halo"})
	require.NoError(t, err)
	res, err := waitTurn(t, turn)
	require.NoError(t, err)

	assert.Equal(t, 3, res.MessageCount)
	assert.Equal(t, int32(2), atomic.LoadInt32(&store.attempts))
	assert.Len(t, h.transcript(t, sid), 3)
}

func TestFinalize_DoubleFailureSurfacesErrorAndKeepsTranscript(t *testing.T) {
	var store *flakyStore
	h := newHarnessWithStore(t, &scriptedProvider{chunks: []string{"ok"}}, Options{}, func(r *Repo) Store {
		store = &flakyStore{Repo: r, failures: 2}
		return store
	})
	sid := h.createKeris(t).Session.ID
	c := h.join(t, sid, "c1")
	drain(c)

	turn, err := h.svc.Submit(context.Background(), SubmitRequest{SessionID: sid, Text: "Halo"})
	require.NoError(t, err)
	_, err = waitTurn(t, turn)
	require.Error(t, err)
	assert.True(t, IsPersistence(err))
	assert.Equal(t, "Failed to save message", UserMessage(err))

	evs := drain(c)
	var errEvents []room.ErrorPayload
	for _, ev := range evs {
		if ev.Type == room.EventError {
			errEvents = append(errEvents, ev.Data.(room.ErrorPayload))
		}
	}
	require.Len(t, errEvents, 1)
	assert.Equal(t, "Failed to save message", errEvents[0].Message)
	assert.Len(t, h.transcript(t, sid), 1, "a failed turn must leave neither message behind")

	// the client may re-send once the store recovers
	turn, err = h.svc.Submit(context.Background(), SubmitRequest{SessionID: sid, Text: "Halo"})
	require.NoError(t, err)
	_, err = waitTurn(t, turn)
	require.NoError(t, err)
	assert.Len(t, h.transcript(t, sid), 3)
}

func TestKeyedMutex_SerializesPerKeyAndCleansUp(t *testing.T) {
	k := newKeyedMutex()

	var (
		wg      sync.WaitGroup
		inside  int32
		overlap int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("s1")
			if atomic.AddInt32(&inside, 1) > 1 {
				atomic.StoreInt32(&overlap, 1)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&overlap))
	assert.Zero(t, k.size())
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}

func TestRepoRecord_SkipsRedeliveredInteraction(t *testing.T) {
	h := newHarness(t, &scriptedProvider{}, Options{})
	created := h.createKeris(t)
	sid := created.Session.ID

	before, err := h.repo.ListInteractions(context.Background(), sid)
	require.NoError(t, err)

	in := &Interaction{
		ID:            "01J0000000000000000000REDL",
		ArtifactID:    created.Artifact.ID,
		ChatSessionID: sid,
		Type:          InteractionChat,
	}
	require.NoError(t, h.repo.Record(context.Background(), in))
	dup := *in
	require.NoError(t, h.repo.Record(context.Background(), &dup))

	after, err := h.repo.ListInteractions(context.Background(), sid)
	require.NoError(t, err)
	assert.Len(t, after, len(before)+1)
}

func TestAppendNote_RetriesOnceThenFails(t *testing.T) {
	var store *flakyStore
	h := newHarnessWithStore(t, &scriptedProvider{}, Options{}, func(r *Repo) Store {
		store = &flakyStore{Repo: r, failures: 1}
		return store
	})
	sid := h.createKeris(t).Session.ID

	note, err := h.svc.coord.AppendNote(context.Background(), sid, "catatan")
	require.NoError(t, err)
	assert.Equal(t, 2, note.Seq)
	assert.Equal(t, int32(2), atomic.LoadInt32(&store.attempts))

	atomic.StoreInt32(&store.failures, 2)
	_, err = h.svc.coord.AppendNote(context.Background(), sid, "lagi")
	assert.True(t, IsPersistence(err))
	assert.Len(t, h.transcript(t, sid), 2)
}
