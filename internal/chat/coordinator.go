package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/suPer8Hu/artifact-chat/internal/common"
	"github.com/suPer8Hu/artifact-chat/internal/identity"
	"github.com/suPer8Hu/artifact-chat/internal/room"
)

// InteractionSink receives analytics records. *Repo writes them inline; the rabbitmq
// publisher hands them to the worker.
type InteractionSink interface {
	Record(ctx context.Context, in *Interaction) error
}

// Coordinator is the only writer of chat transcripts.
type Coordinator struct {
	store   Store
	sink    InteractionSink
	rooms   *room.Registry
	locks   *keyedMutex
	timeout time.Duration
	log     *slog.Logger
}

func NewCoordinator(store Store, sink InteractionSink, rooms *room.Registry, timeout time.Duration, log *slog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Coordinator{
		store:   store,
		sink:    sink,
		rooms:   rooms,
		locks:   newKeyedMutex(),
		timeout: timeout,
		log:     log,
	}
}

// Finalize appends the job's staged user message and the assistant reply, then records a
// chat interaction. It returns the transcript length after the append.
func (c *Coordinator) Finalize(ctx context.Context, job *GenerationJob, reply string) (int, error) {
	job.setState(TurnFinalizing)

	unlock := c.locks.Lock(job.SessionID)
	defer unlock()

	assistant := ChatMessage{Role: RoleAssistant, Content: reply, Timestamp: time.Now()}
	msgs := []ChatMessage{job.UserMessage, assistant}

	_, total, err := c.appendRetry(ctx, job.SessionID, msgs)
	if err != nil {
		perr := newPersistenceError(err)
		c.rooms.Broadcast(job.SessionID, room.ErrorEvent(UserMessage(perr)), nil)
		return 0, perr
	}
	job.setState(TurnPersisted)

	meta := datatypes.JSONMap{"chatMessageCount": total}
	if job.QuickQuestion != "" {
		meta["quickQuestions"] = []string{job.QuickQuestion}
	}
	c.record(ctx, job.Session, InteractionChat, meta)
	return total, nil
}

// AppendNote appends a standalone assistant message, such as a voice call summary. It
// shares the per-session lock and the retry with turn writes, so it never interleaves
// with a finalizing turn.
func (c *Coordinator) AppendNote(ctx context.Context, sessionID, content string) (*ChatMessage, error) {
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	note := ChatMessage{Role: RoleAssistant, Content: content, Timestamp: time.Now()}
	stored, _, err := c.appendRetry(ctx, sessionID, []ChatMessage{note})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError("Chat session")
		}
		return nil, newPersistenceError(err)
	}
	return &stored[0], nil
}

// appendRetry appends msgs, trying once more on failure. A missing session is not retried.
// Callers hold the session lock.
func (c *Coordinator) appendRetry(ctx context.Context, sessionID string, msgs []ChatMessage) ([]ChatMessage, int, error) {
	var (
		stored []ChatMessage
		total  int
		err    error
	)
	for attempt := 1; attempt <= 2; attempt++ {
		stored, total, err = c.append(ctx, sessionID, msgs)
		if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
			break
		}
		c.log.Warn("append failed", "session_id", sessionID, "attempt", attempt, "err", err)
	}
	return stored, total, err
}

func (c *Coordinator) append(ctx context.Context, sessionID string, msgs []ChatMessage) ([]ChatMessage, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.store.AppendMessages(ctx, sessionID, msgs)
}

func newInteraction(sess *ChatSession, typ InteractionType, meta datatypes.JSONMap) (*Interaction, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	return &Interaction{
		ID:            id,
		UserID:        sess.UserID,
		SessionToken:  sess.SessionToken,
		ArtifactID:    sess.ArtifactID,
		ChatSessionID: sess.ID,
		Type:          typ,
		Metadata:      meta,
		CreatedAt:     time.Now(),
	}, nil
}

// record writes an interaction for sess. Failures are logged only.
func (c *Coordinator) record(ctx context.Context, sess *ChatSession, typ InteractionType, meta datatypes.JSONMap) {
	if c.sink == nil || sess == nil {
		return
	}
	in, err := newInteraction(sess, typ, meta)
	if err != nil {
		c.log.Error("interaction id", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.sink.Record(ctx, in); err != nil {
		c.log.Warn("record interaction failed", "session_id", sess.ID, "type", typ, "err", err)
	}
}

// attributed returns sess with its owner replaced by who, unless who is zero.
func attributed(who identity.Identity, sess *ChatSession) *ChatSession {
	if who.IsZero() {
		return sess
	}
	cp := *sess
	cp.UserID = who.UserIDPtr()
	cp.SessionToken = who.SessionTokenPtr()
	return &cp
}

// recordFor writes an interaction attributed to who rather than the session owner.
func (c *Coordinator) recordFor(ctx context.Context, who identity.Identity, sess *ChatSession, typ InteractionType, meta datatypes.JSONMap) {
	c.record(ctx, attributed(who, sess), typ, meta)
}
