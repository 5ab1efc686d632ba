package chat

import (
	"time"

	"gorm.io/datatypes"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Rating string

const (
	RatingUp   Rating = "up"
	RatingDown Rating = "down"
)

func (r Rating) Valid() bool { return r == RatingUp || r == RatingDown }

type InteractionType string

const (
	InteractionIdentification InteractionType = "identification"
	InteractionChat           InteractionType = "chat"
	InteractionRating         InteractionType = "rating"
	InteractionVoiceCall      InteractionType = "voice_call"
)

// Artifact is the identification result produced by the vision service.
type Artifact struct {
	ID               string    `gorm:"primaryKey;size:26" json:"id"`
	ImageURL         string    `gorm:"type:varchar(512)" json:"imageUrl"`
	OriginalFilename string    `gorm:"type:varchar(255)" json:"originalFilename,omitempty"`
	Name             string    `gorm:"type:varchar(255);not null" json:"name"`
	Category         string    `gorm:"type:varchar(64);index;not null" json:"category"`
	Description      string    `gorm:"type:text;not null" json:"description"`
	History          string    `gorm:"type:text" json:"history,omitempty"`
	EstimatedAge     string    `gorm:"type:varchar(128)" json:"estimatedAge,omitempty"`
	Materials        string    `gorm:"type:varchar(255)" json:"materials,omitempty"`
	Confidence       float64   `json:"confidence"`
	IsRecognized     bool      `json:"isRecognized"`
	UserID           *string   `gorm:"type:varchar(64);index" json:"userId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func (Artifact) TableName() string { return "artifacts" }

// ChatSession is one conversation with an artifact. Owner is UserID or SessionToken, never both.
type ChatSession struct {
	ID            string        `gorm:"primaryKey;size:26" json:"id"`
	ArtifactID    string        `gorm:"size:26;index;not null" json:"artifactId"`
	UserID        *string       `gorm:"type:varchar(64);index" json:"userId,omitempty"`
	SessionToken  *string       `gorm:"type:varchar(128);index" json:"sessionId,omitempty"`
	Title         string        `gorm:"type:varchar(255);not null" json:"title"`
	Provider      string        `gorm:"type:varchar(32);not null" json:"provider"`
	Model         string        `gorm:"type:varchar(64);not null" json:"model"`
	Rating        *Rating       `gorm:"type:varchar(8);index" json:"rating,omitempty"`
	RatingComment string        `gorm:"type:text" json:"ratingComment"`
	Messages      []ChatMessage `gorm:"foreignKey:SessionID;references:ID" json:"messages"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

func (ChatSession) TableName() string { return "chat_sessions" }

// ChatMessage is append-only; Seq is its 1-based position in the transcript.
type ChatMessage struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID string    `gorm:"size:26;not null;uniqueIndex:uniq_chat_msg_seq,priority:1" json:"-"`
	Seq       int       `gorm:"not null;uniqueIndex:uniq_chat_msg_seq,priority:2" json:"seq"`
	Role      Role      `gorm:"type:varchar(16);not null" json:"role"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	Timestamp time.Time `gorm:"not null" json:"timestamp"`
}

func (ChatMessage) TableName() string { return "chat_messages" }

// Interaction is an append-only analytics record.
type Interaction struct {
	ID            string            `gorm:"primaryKey;size:26" json:"id"`
	UserID        *string           `gorm:"type:varchar(64);index:idx_interaction_user,priority:1" json:"userId,omitempty"`
	SessionToken  *string           `gorm:"type:varchar(128);index:idx_interaction_anon,priority:1" json:"sessionId,omitempty"`
	ArtifactID    string            `gorm:"size:26;index;not null" json:"artifactId"`
	ChatSessionID string            `gorm:"size:26;index;not null" json:"chatSessionId"`
	Type          InteractionType   `gorm:"type:varchar(16);index;not null" json:"interactionType"`
	Metadata      datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt     time.Time         `gorm:"index:idx_interaction_user,priority:2;index:idx_interaction_anon,priority:2" json:"createdAt"`
}

func (Interaction) TableName() string { return "user_interactions" }

// Models lists every table owned by this package, for AutoMigrate.
func Models() []any {
	return []any{&Artifact{}, &ChatSession{}, &ChatMessage{}, &Interaction{}}
}
