package main

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/artifact-chat/internal/chat"
	"github.com/suPer8Hu/artifact-chat/internal/common"
	"github.com/suPer8Hu/artifact-chat/internal/db"
	"github.com/suPer8Hu/artifact-chat/internal/logger"
)

func TestStore_IsIdempotentPerInteractionID(t *testing.T) {
	gdb, err := db.Connect("sqlite:file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })
	require.NoError(t, chat.Migrate(context.Background(), gdb))
	repo := chat.NewRepo(gdb)

	a := &chat.Artifact{ID: common.MustULID(), Name: "Arca Ganesha", Category: "Arca", Description: "Arca batu andesit."}
	s := &chat.ChatSession{ID: common.MustULID(), Title: "Chat dengan Arca Ganesha", Provider: "ollama", Model: "llama3:latest"}
	require.NoError(t, repo.CreateArtifactSession(context.Background(), a, s))

	h := store(repo, logger.Discard())
	in := &chat.Interaction{ID: common.MustULID(), ArtifactID: a.ID, ChatSessionID: s.ID, Type: chat.InteractionRating}
	require.NoError(t, h(context.Background(), in))
	redelivered := *in
	require.NoError(t, h(context.Background(), &redelivered))

	got, err := repo.ListInteractions(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
