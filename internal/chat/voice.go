package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/suPer8Hu/artifact-chat/internal/identity"
)

const transcriptPreviewLimit = 100

type VoiceStartRequest struct {
	SessionID string
	Identity  identity.Identity
}

// VoiceCall is what a client needs to open a realtime voice session. The ephemeral
// provider key is minted by the voice gateway, not here.
type VoiceCall struct {
	InteractionID string  `json:"interactionId"`
	SessionID     string  `json:"chatSessionId"`
	Artifact      Summary `json:"artifactInfo"`
	Instructions  string  `json:"instructions"`
}

// StartVoiceCall records a voice_call interaction for the session and returns the
// persona instructions for the realtime model.
func (s *Service) StartVoiceCall(ctx context.Context, req VoiceStartRequest) (*VoiceCall, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, NewValidationError("Chat session id is required")
	}
	sess, err := s.store.GetSessionMeta(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError("Chat session")
		}
		return nil, fmt.Errorf("chat: load session: %w", err)
	}
	persona, err := s.personas.Persona(ctx, sess.ArtifactID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError("Artifact")
		}
		return nil, fmt.Errorf("chat: load persona: %w", err)
	}

	in, err := newInteraction(attributed(req.Identity, sess), InteractionVoiceCall, datatypes.JSONMap{
		"voiceSessionStarted": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}
	// Written inline rather than through the sink: EndVoiceCall reads this row back.
	if err := s.store.Record(ctx, in); err != nil {
		return nil, fmt.Errorf("chat: record voice call: %w", err)
	}
	s.log.Info("voice call started", "session_id", sess.ID, "interaction_id", in.ID)

	return &VoiceCall{
		InteractionID: in.ID,
		SessionID:     sess.ID,
		Artifact:      persona.Summary(),
		Instructions:  persona.VoiceInstructions(),
	}, nil
}

type VoiceEndRequest struct {
	InteractionID string
	Transcript    string
	// Duration is the call length in seconds.
	Duration float64
}

type VoiceCallEnded struct {
	Duration         float64      `json:"duration"`
	TranscriptLength int          `json:"transcriptLength"`
	Summary          *ChatMessage `json:"summaryMessage,omitempty"`
}

// EndVoiceCall closes a voice call. A non-empty transcript is summarised into the chat
// transcript as an assistant message.
func (s *Service) EndVoiceCall(ctx context.Context, req VoiceEndRequest) (*VoiceCallEnded, error) {
	if strings.TrimSpace(req.InteractionID) == "" {
		return nil, NewValidationError("Interaction id is required")
	}
	if req.Duration < 0 {
		return nil, NewValidationError("Duration cannot be negative")
	}
	transcript := strings.TrimSpace(req.Transcript)

	in, err := s.store.MergeInteractionMetadata(ctx, req.InteractionID, InteractionVoiceCall, map[string]any{
		"voiceSessionEnded": time.Now().UTC().Format(time.RFC3339),
		"timeSpent":         req.Duration,
		"transcript":        transcript,
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError("Interaction")
		}
		return nil, fmt.Errorf("chat: end voice call: %w", err)
	}

	out := &VoiceCallEnded{Duration: req.Duration, TranscriptLength: len([]rune(transcript))}
	if transcript != "" {
		msg, err := s.coord.AppendNote(ctx, in.ChatSessionID, VoiceSummary(transcript))
		switch {
		case IsNotFound(err):
			s.log.Warn("voice summary skipped, session gone", "session_id", in.ChatSessionID, "interaction_id", in.ID)
		case err != nil:
			return nil, err
		default:
			out.Summary = msg
		}
	}
	s.log.Info("voice call ended", "session_id", in.ChatSessionID, "interaction_id", in.ID, "duration", req.Duration)
	return out, nil
}

// VoiceCallSummary is one row of the voice call history.
type VoiceCallSummary struct {
	Interaction
	Duration          float64 `json:"duration"`
	HasTranscript     bool    `json:"hasTranscript"`
	TranscriptPreview string  `json:"transcriptPreview,omitempty"`
}

// VoiceHistory lists owner's voice calls, most recent first.
func (s *Service) VoiceHistory(ctx context.Context, owner identity.Identity, page, limit int) ([]VoiceCallSummary, Pagination, error) {
	if owner.IsZero() {
		return nil, Pagination{}, NewValidationError("An identity is required")
	}
	page, limit = normalizePage(page, limit)
	items, total, err := s.store.ListInteractionsByType(ctx, owner, InteractionVoiceCall, page, limit)
	if err != nil {
		return nil, Pagination{}, fmt.Errorf("chat: list voice calls: %w", err)
	}

	out := make([]VoiceCallSummary, 0, len(items))
	for _, in := range items {
		row := VoiceCallSummary{Interaction: in}
		if d, ok := in.Metadata["timeSpent"].(float64); ok {
			row.Duration = d
		}
		if t, ok := in.Metadata["transcript"].(string); ok && t != "" {
			row.HasTranscript = true
			row.TranscriptPreview = preview(t, transcriptPreviewLimit)
		}
		out = append(out, row)
	}
	return out, Pagination{
		Page:    page,
		Limit:   limit,
		Total:   total,
		HasMore: total-int64(page*limit) > 0,
	}, nil
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// ArtifactSession returns the most recent session opened for an artifact.
func (s *Service) ArtifactSession(ctx context.Context, artifactID string, page, limit int) (*SessionPage, error) {
	if strings.TrimSpace(artifactID) == "" {
		return nil, NewValidationError("Artifact id is required")
	}
	sess, err := s.store.LatestSessionForArtifact(ctx, artifactID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError("Chat session")
		}
		return nil, fmt.Errorf("chat: find artifact session: %w", err)
	}
	return s.GetSession(ctx, sess.ID, page, limit)
}
