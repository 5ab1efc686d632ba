package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/suPer8Hu/artifact-chat/internal/identity"
)

// Store is the durable store behind the chat service. *Repo is the gorm implementation.
type Store interface {
	CreateArtifactSession(ctx context.Context, a *Artifact, s *ChatSession) error
	GetSession(ctx context.Context, id string) (*ChatSession, error)
	GetSessionMeta(ctx context.Context, id string) (*ChatSession, error)
	GetArtifact(ctx context.Context, id string) (*Artifact, error)
	AppendMessages(ctx context.Context, sessionID string, msgs []ChatMessage) ([]ChatMessage, int, error)
	UpdateRating(ctx context.Context, id string, rating Rating, comment string) (*ChatSession, error)
	ListMessagesPage(ctx context.Context, sessionID string, page, limit int) ([]ChatMessage, int, error)
	ListSessions(ctx context.Context, owner identity.Identity, page, limit int) ([]SessionSummary, int64, error)
	LatestSessionForArtifact(ctx context.Context, artifactID string) (*ChatSession, error)
	DeleteSession(ctx context.Context, id string) error
	MergeInteractionMetadata(ctx context.Context, id string, typ InteractionType, meta map[string]any) (*Interaction, error)
	ListInteractionsByType(ctx context.Context, owner identity.Identity, typ InteractionType, page, limit int) ([]Interaction, int64, error)
	Record(ctx context.Context, in *Interaction) error
}

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Migrate creates or updates every chat table.
func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(Models()...)
}

// CreateArtifactSession stores an identified artifact together with its first chat session
// and the session's seeded messages.
func (r *Repo) CreateArtifactSession(ctx context.Context, a *Artifact, s *ChatSession) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(a).Error; err != nil {
			return err
		}
		s.ArtifactID = a.ID
		for i := range s.Messages {
			s.Messages[i].SessionID = s.ID
			s.Messages[i].Seq = i + 1
		}
		return tx.Create(s).Error
	})
}

func (r *Repo) GetSession(ctx context.Context, id string) (*ChatSession, error) {
	var s ChatSession
	if err := r.db.WithContext(ctx).
		Preload("Messages", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSessionMeta loads a session without its transcript.
func (r *Repo) GetSessionMeta(ctx context.Context, id string) (*ChatSession, error) {
	var s ChatSession
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repo) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	var a Artifact
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// Persona implements PersonaSource.
func (r *Repo) Persona(ctx context.Context, artifactID string) (*Persona, error) {
	a, err := r.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	return PersonaFromArtifact(a), nil
}

// AppendMessages appends msgs after the current last message in one transaction and bumps
// the session's updated_at. It returns the stored messages and the new transcript length.
// The (session_id, seq) unique index rejects a racing append from another process.
func (r *Repo) AppendMessages(ctx context.Context, sessionID string, msgs []ChatMessage) ([]ChatMessage, int, error) {
	stored := make([]ChatMessage, len(msgs))
	copy(stored, msgs)
	var total int

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var exists int64
		if err := tx.Model(&ChatSession{}).Where("id = ?", sessionID).Count(&exists).Error; err != nil {
			return err
		}
		if exists == 0 {
			return gorm.ErrRecordNotFound
		}

		var maxSeq int
		if err := tx.Model(&ChatMessage{}).
			Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}

		for i := range stored {
			stored[i].ID = 0
			stored[i].SessionID = sessionID
			stored[i].Seq = maxSeq + i + 1
		}
		if len(stored) > 0 {
			if err := tx.Create(&stored).Error; err != nil {
				return err
			}
		}

		total = maxSeq + len(stored)
		return tx.Model(&ChatSession{}).
			Where("id = ?", sessionID).
			Update("updated_at", time.Now()).Error
	})
	if err != nil {
		return nil, 0, err
	}
	return stored, total, nil
}

func (r *Repo) UpdateRating(ctx context.Context, id string, rating Rating, comment string) (*ChatSession, error) {
	res := r.db.WithContext(ctx).Model(&ChatSession{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"rating":         rating,
			"rating_comment": comment,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return r.GetSessionMeta(ctx, id)
}

// ListMessagesPage pages backwards from the newest message. Page 1 holds the latest
// limit messages; messages inside a page are in transcript order.
func (r *Repo) ListMessagesPage(ctx context.Context, sessionID string, page, limit int) ([]ChatMessage, int, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&ChatMessage{}).
		Where("session_id = ?", sessionID).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	end := int(total) - (page-1)*limit
	if end <= 0 {
		return []ChatMessage{}, int(total), nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	var msgs []ChatMessage
	if err := r.db.WithContext(ctx).
		Where("session_id = ? AND seq > ? AND seq <= ?", sessionID, start, end).
		Order("seq ASC").
		Find(&msgs).Error; err != nil {
		return nil, 0, err
	}
	return msgs, int(total), nil
}

// SessionSummary is a history row: the session without its transcript plus a digest of it.
type SessionSummary struct {
	ChatSession
	Artifact     *Artifact    `json:"artifact,omitempty"`
	MessageCount int64        `json:"messageCount"`
	LastMessage  *ChatMessage `json:"lastMessage"`
	HasRating    bool         `json:"hasRating"`
}

// ownerScope matches rows attributed to owner through user_id / session_token.
func ownerScope(owner identity.Identity) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if owner.UserID != "" {
			return db.Where("user_id = ?", owner.UserID)
		}
		return db.Where("user_id IS NULL AND session_token = ?", owner.SessionToken)
	}
}

// ListSessions returns the owner's sessions, most recently updated first.
func (r *Repo) ListSessions(ctx context.Context, owner identity.Identity, page, limit int) ([]SessionSummary, int64, error) {
	ownedBy := ownerScope(owner)

	var total int64
	if err := r.db.WithContext(ctx).Model(&ChatSession{}).Scopes(ownedBy).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var sessions []ChatSession
	if err := r.db.WithContext(ctx).Scopes(ownedBy).
		Order("updated_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&sessions).Error; err != nil {
		return nil, 0, err
	}

	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		sum := SessionSummary{ChatSession: s, HasRating: s.Rating != nil}
		if err := r.db.WithContext(ctx).Model(&ChatMessage{}).
			Where("session_id = ?", s.ID).
			Count(&sum.MessageCount).Error; err != nil {
			return nil, 0, err
		}
		var last ChatMessage
		err := r.db.WithContext(ctx).Where("session_id = ?", s.ID).Order("seq DESC").First(&last).Error
		switch {
		case err == nil:
			sum.LastMessage = &last
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, 0, err
		}
		if a, err := r.GetArtifact(ctx, s.ArtifactID); err == nil {
			sum.Artifact = a
		}
		out = append(out, sum)
	}
	return out, total, nil
}

// LatestSessionForArtifact returns the newest session opened for artifactID, without
// its transcript.
func (r *Repo) LatestSessionForArtifact(ctx context.Context, artifactID string) (*ChatSession, error) {
	var sess ChatSession
	if err := r.db.WithContext(ctx).
		Where("artifact_id = ?", artifactID).
		Order("created_at DESC").
		First(&sess).Error; err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteSession removes a session with its transcript and interactions. The artifact goes
// too once no other session refers to it.
func (r *Repo) DeleteSession(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess ChatSession
		if err := tx.First(&sess, "id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&Interaction{}, "chat_session_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&ChatMessage{}, "session_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&ChatSession{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		var others int64
		if err := tx.Model(&ChatSession{}).Where("artifact_id = ?", sess.ArtifactID).Count(&others).Error; err != nil {
			return err
		}
		if others == 0 {
			return tx.Delete(&Artifact{}, "id = ?", sess.ArtifactID).Error
		}
		return nil
	})
}

// MergeInteractionMetadata adds meta to the metadata of interaction id, which must be of
// type typ. Existing keys not named in meta are kept.
func (r *Repo) MergeInteractionMetadata(ctx context.Context, id string, typ InteractionType, meta map[string]any) (*Interaction, error) {
	var in Interaction
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&in, "id = ? AND interaction_type = ?", id, typ).Error; err != nil {
			return err
		}
		merged := make(datatypes.JSONMap, len(in.Metadata)+len(meta))
		for k, v := range in.Metadata {
			merged[k] = v
		}
		for k, v := range meta {
			merged[k] = v
		}
		if err := tx.Model(&Interaction{}).Where("id = ?", id).Update("metadata", merged).Error; err != nil {
			return err
		}
		in.Metadata = merged
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// ListInteractionsByType returns owner's interactions of one type, newest first.
func (r *Repo) ListInteractionsByType(ctx context.Context, owner identity.Identity, typ InteractionType, page, limit int) ([]Interaction, int64, error) {
	q := func() *gorm.DB {
		return r.db.WithContext(ctx).Model(&Interaction{}).
			Scopes(ownerScope(owner)).
			Where("interaction_type = ?", typ)
	}

	var total int64
	if err := q().Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []Interaction
	if err := q().
		Order("created_at DESC, id DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Record implements InteractionSink by inserting the row directly. A row whose id is
// already stored is skipped, so redelivered queue messages are harmless.
func (r *Repo) Record(ctx context.Context, in *Interaction) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(in).Error
}

// ListInteractions returns a session's interactions, oldest first.
func (r *Repo) ListInteractions(ctx context.Context, chatSessionID string) ([]Interaction, error) {
	var out []Interaction
	if err := r.db.WithContext(ctx).
		Where("chat_session_id = ?", chatSessionID).
		Order("created_at ASC, id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
