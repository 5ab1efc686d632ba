package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/suPer8Hu/artifact-chat/internal/identity"
	"github.com/suPer8Hu/artifact-chat/internal/room"
)

func voiceInteraction(t *testing.T, h *harness, sessionID, id string) Interaction {
	t.Helper()
	ins, err := h.repo.ListInteractions(context.Background(), sessionID)
	require.NoError(t, err)
	for _, in := range ins {
		if in.ID == id {
			return in
		}
	}
	t.Fatalf("interaction %s not stored", id)
	return Interaction{}
}

func TestVoiceCall_EndMergesMetadataAndAppendsSummary(t *testing.T) {
	h := newHarness(t, &scriptedProvider{}, Options{})
	sid := h.createKeris(t).Session.ID
	member := h.join(t, sid, "listener")
	drain(member)

	call, err := h.svc.StartVoiceCall(context.Background(), VoiceStartRequest{SessionID: sid, Identity: anon})
	require.NoError(t, err)
	assert.Equal(t, sid, call.SessionID)
	assert.Equal(t, "Keris Majapahit", call.Artifact.Name)
	assert.True(t, strings.HasPrefix(call.Instructions, "You are Keris Majapahit, a Senjata"))

	started := voiceInteraction(t, h, sid, call.InteractionID)
	assert.Equal(t, InteractionVoiceCall, started.Type)
	require.NotNil(t, started.SessionToken)
	assert.Equal(t, "anon-device-1", *started.SessionToken)
	assert.Contains(t, started.Metadata, "voiceSessionStarted")

	ended, err := h.svc.EndVoiceCall(context.Background(), VoiceEndRequest{
		InteractionID: call.InteractionID,
		Transcript:    "  Aku ditempa di Trowulan.  ",
		Duration:      42.5,
	})
	require.NoError(t, err)
	assert.Equal(t, 42.5, ended.Duration)
	assert.Equal(t, len([]rune("Aku ditempa di Trowulan.")), ended.TranscriptLength)
	require.NotNil(t, ended.Summary)
	assert.Equal(t, RoleAssistant, ended.Summary.Role)
	assert.Equal(t, 2, ended.Summary.Seq)

	merged := voiceInteraction(t, h, sid, call.InteractionID)
	assert.Equal(t, started.Metadata["voiceSessionStarted"], merged.Metadata["voiceSessionStarted"])
	assert.Contains(t, merged.Metadata, "voiceSessionEnded")
	assert.Equal(t, 42.5, merged.Metadata["timeSpent"])
	assert.Equal(t, "Aku ditempa di Trowulan.", merged.Metadata["transcript"])

	msgs := h.transcript(t, sid)
	require.Len(t, msgs, 2)
	assert.Equal(t, "📞 Voice Call Summary:\nAku ditempa di Trowulan.", msgs[1].Content)

	// The summary is stored only; room members pick it up on their next snapshot.
	assert.Empty(t, drain(member))
}

func TestEndVoiceCall_LongTranscriptIsCut(t *testing.T) {
	h := newHarness(t, &scriptedProvider{}, Options{})
	sid := h.createKeris(t).Session.ID

	call, err := h.svc.StartVoiceCall(context.Background(), VoiceStartRequest{SessionID: sid})
	require.NoError(t, err)

	long := strings.Repeat("é", 600)
	ended, err := h.svc.EndVoiceCall(context.Background(), VoiceEndRequest{InteractionID: call.InteractionID, Transcript: long, Duration: 90})
	require.NoError(t, err)
	assert.Equal(t, 600, ended.TranscriptLength)
	assert.Equal(t, "📞 Voice Call Summary:\n"+strings.Repeat("é", 500)+"...", ended.Summary.Content)
}

func TestEndVoiceCall_WithoutTranscriptLeavesChatAlone(t *testing.T) {
	h := newHarness(t, &scriptedProvider{}, Options{})
	sid := h.createKeris(t).Session.ID

	call, err := h.svc.StartVoiceCall(context.Background(), VoiceStartRequest{SessionID: sid})
	require.NoError(t, err)
	ended, err := h.svc.EndVoiceCall(context.Background(), VoiceEndRequest{InteractionID: call.InteractionID, Transcript: "   ", Duration: 3})
	require.NoError(t, err)
	assert.Nil(t, ended.Summary)
	assert.Len(t, h.transcript(t, sid), 1)
}

func TestVoiceCall_RejectsBadInput(t *testing.T) {
	h := newHarness(t, &scriptedProvider{}, Options{})
	sid := h.createKeris(t).Session.ID
	ctx := context.Background()

	_, err := h.svc.StartVoiceCall(ctx, VoiceStartRequest{SessionID: " "})
	assert.True(t, IsValidation(err), "blank session: %v", err)
	_, err = h.svc.StartVoiceCall(ctx, VoiceStartRequest{SessionID: "01HZZZZZZZZZZZZZZZZZZZZZZZ"})
	assert.True(t, IsNotFound(err), "unknown session: %v", err)

	call, err := h.svc.StartVoiceCall(ctx, VoiceStartRequest{SessionID: sid})
	require.NoError(t, err)

	_, err = h.svc.EndVoiceCall(ctx, VoiceEndRequest{InteractionID: call.InteractionID, Duration: -1})
	assert.True(t, IsValidation(err), "negative duration: %v", err)
	_, err = h.svc.EndVoiceCall(ctx, VoiceEndRequest{InteractionID: ""})
	assert.True(t, IsValidation(err), "blank interaction: %v", err)
	_, err = h.svc.EndVoiceCall(ctx, VoiceEndRequest{InteractionID: "01HZZZZZZZZZZZZZZZZZZZZZZZ"})
	assert.True(t, IsNotFound(err), "unknown interaction: %v", err)
	assert.Equal(t, "Interaction not found", UserMessage(err))

	// An identification interaction is not a voice call.
	ins, err := h.repo.ListInteractions(ctx, sid)
	require.NoError(t, err)
	var identification string
	for _, in := range ins {
		if in.Type == InteractionIdentification {
			identification = in.ID
		}
	}
	require.NotEmpty(t, identification)
	_, err = h.svc.EndVoiceCall(ctx, VoiceEndRequest{InteractionID: identification, Transcript: "x"})
	assert.True(t, IsNotFound(err), "wrong type: %v", err)
	assert.Len(t, h.transcript(t, sid), 1)
}

func TestAppendNote_WaitsForSessionLock(t *testing.T) {
	h := newHarness(t, &scriptedProvider{}, Options{})
	sid := h.createKeris(t).Session.ID

	unlock := h.svc.coord.locks.Lock(sid)
	done := make(chan error, 1)
	go func() {
		_, err := h.svc.coord.AppendNote(context.Background(), sid, "catatan")
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("note written while the session lock was held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	unlock()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("note never written")
	}
	msgs := h.transcript(t, sid)
	require.Len(t, msgs, 2)
	assert.Equal(t, "catatan", msgs[1].Content)

	_, err := h.svc.coord.AppendNote(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ", "x")
	assert.True(t, IsNotFound(err), "unknown session: %v", err)
}

func TestVoiceHistory_ListsOwnerCalls(t *testing.T) {
	h := newHarness(t, &scriptedProvider{}, Options{})
	sid := h.createKeris(t).Session.ID
	ctx := context.Background()

	first, err := h.svc.StartVoiceCall(ctx, VoiceStartRequest{SessionID: sid, Identity: anon})
	require.NoError(t, err)
	second, err := h.svc.StartVoiceCall(ctx, VoiceStartRequest{SessionID: sid, Identity: anon})
	require.NoError(t, err)
	_, err = h.svc.EndVoiceCall(ctx, VoiceEndRequest{InteractionID: first.InteractionID, Transcript: strings.Repeat("a", 150), Duration: 12})
	require.NoError(t, err)

	items, page, err := h.svc.VoiceHistory(ctx, anon, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	assert.False(t, page.HasMore)
	require.Len(t, items, 2)

	byID := map[string]VoiceCallSummary{}
	for _, it := range items {
		byID[it.ID] = it
	}
	ended := byID[first.InteractionID]
	assert.True(t, ended.HasTranscript)
	assert.Equal(t, 12.0, ended.Duration)
	assert.Equal(t, strings.Repeat("a", 100)+"...", ended.TranscriptPreview)
	open := byID[second.InteractionID]
	assert.False(t, open.HasTranscript)
	assert.Zero(t, open.Duration)

	others, page, err := h.svc.VoiceHistory(ctx, identity.User("u-1"), 1, 10)
	require.NoError(t, err)
	assert.Empty(t, others)
	assert.Zero(t, page.Total)

	_, _, err = h.svc.VoiceHistory(ctx, identity.Identity{}, 1, 10)
	assert.True(t, IsValidation(err))
}

func TestArtifactSession_ReturnsSessionOfArtifact(t *testing.T) {
	h := newHarness(t, &scriptedProvider{}, Options{})
	created := h.createKeris(t)

	page, err := h.svc.ArtifactSession(context.Background(), created.Artifact.ID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, created.Session.ID, page.Session.ID)
	assert.Equal(t, "Keris Majapahit", page.Artifact.Name)
	assert.Len(t, page.Session.Messages, 1)

	_, err = h.svc.ArtifactSession(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ", 1, 10)
	assert.True(t, IsNotFound(err))
	_, err = h.svc.ArtifactSession(context.Background(), "", 1, 10)
	assert.True(t, IsValidation(err))
}

func TestCreateSession_UnknownProviderNamesAlternatives(t *testing.T) {
	h := newHarness(t, &scriptedProvider{}, Options{})
	_, err := h.svc.CreateSession(context.Background(), CreateRequest{
		Identity: anon,
		Provider: "nope",
		Artifact: NewArtifact{Name: "Gerabah", Category: "Keramik", Description: "Gerabah tua."},
	})
	require.True(t, IsValidation(err))
	assert.Equal(t, "Unknown provider nope, available: fake", UserMessage(err))
	assert.Equal(t, []string{"fake"}, h.svc.Providers())
}

// invalidatingPersonas records persona invalidations.
type invalidatingPersonas struct {
	PersonaSource

	mu          sync.Mutex
	invalidated []string
}

func (p *invalidatingPersonas) Invalidate(ctx context.Context, artifactID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidated = append(p.invalidated, artifactID)
	return nil
}

func TestDelete_RemovesOrphanedArtifactAndCachedPersona(t *testing.T) {
	h := newHarness(t, &scriptedProvider{}, Options{})
	personas := &invalidatingPersonas{PersonaSource: h.repo}
	h.svc.personas = personas
	created := h.createKeris(t)

	require.NoError(t, h.svc.Delete(context.Background(), anon, created.Session.ID))

	_, err := h.repo.GetArtifact(context.Background(), created.Artifact.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	assert.Equal(t, []string{created.Artifact.ID}, personas.invalidated)

	// Joining a deleted session fails instead of serving a stale persona.
	_, err = h.svc.Join(context.Background(), room.NewConn("late", anon, 4), created.Session.ID)
	assert.True(t, IsNotFound(err))
}
