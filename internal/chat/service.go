package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/suPer8Hu/artifact-chat/internal/ai"
	"github.com/suPer8Hu/artifact-chat/internal/common"
	"github.com/suPer8Hu/artifact-chat/internal/identity"
	"github.com/suPer8Hu/artifact-chat/internal/room"
)

const (
	defaultProvider = "ollama"
	defaultModel    = "llama3:latest"

	defaultPageLimit = 50
	maxPageLimit     = 100
)

var ErrClosed = errors.New("chat: service is shutting down")

type Options struct {
	ContextWindowSize int
	GenerationTimeout time.Duration
	PersistTimeout    time.Duration
	DefaultProvider   string
	DefaultModel      string
}

func (o *Options) withDefaults() {
	if o.ContextWindowSize < 2 || o.ContextWindowSize > 100 {
		o.ContextWindowSize = 10
	}
	if o.GenerationTimeout <= 0 {
		o.GenerationTimeout = 60 * time.Second
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 10 * time.Second
	}
	if o.DefaultProvider == "" {
		o.DefaultProvider = defaultProvider
	}
	if o.DefaultModel == "" {
		o.DefaultModel = defaultModel
	}
}

// Deps are the collaborators of a Service. Personas defaults to Store when it can serve them;
// Sink defaults to no analytics.
type Deps struct {
	Store    Store
	Personas PersonaSource
	Sink     InteractionSink
	Registry *ai.Registry
	Rooms    *room.Registry
	Log      *slog.Logger
}

// Service is the message ingress shared by every transport. Build one per process and
// call Shutdown before exit.
type Service struct {
	store    Store
	personas PersonaSource
	registry *ai.Registry
	rooms    *room.Registry
	presence *room.Presence
	guard    *FlightGuard
	coord    *Coordinator
	orch     *Orchestrator
	opts     Options
	log      *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewService(d Deps, opts Options) *Service {
	opts.withDefaults()
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "chat")

	rooms := d.Rooms
	if rooms == nil {
		rooms = room.NewRegistry(log)
	}
	personas := d.Personas
	if personas == nil {
		if ps, ok := d.Store.(PersonaSource); ok {
			personas = ps
		}
	}

	presence := room.NewPresence(rooms)
	coord := NewCoordinator(d.Store, d.Sink, rooms, opts.PersistTimeout, log)
	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		store:    d.Store,
		personas: personas,
		registry: d.Registry,
		rooms:    rooms,
		presence: presence,
		guard:    NewFlightGuard(),
		coord:    coord,
		orch: &Orchestrator{
			registry: d.Registry,
			rooms:    rooms,
			presence: presence,
			coord:    coord,
			window:   opts.ContextWindowSize,
			timeout:  opts.GenerationTimeout,
			log:      log,
		},
		opts:    opts,
		log:     log,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

func (s *Service) Rooms() *room.Registry    { return s.rooms }
func (s *Service) Presence() *room.Presence { return s.presence }
func (s *Service) Guard() *FlightGuard      { return s.guard }

// Providers lists the registered provider names.
func (s *Service) Providers() []string {
	if s.registry == nil {
		return nil
	}
	return s.registry.Names()
}

func (s *Service) loadSession(ctx context.Context, sessionID string) (*ChatSession, *Persona, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, NewNotFoundError("Chat session")
		}
		return nil, nil, fmt.Errorf("chat: load session: %w", err)
	}
	persona, err := s.personas.Persona(ctx, sess.ArtifactID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, NewNotFoundError("Artifact")
		}
		return nil, nil, fmt.Errorf("chat: load persona: %w", err)
	}
	return sess, persona, nil
}

// JoinResult is the snapshot handed to a connection that joins a room.
type JoinResult struct {
	JoinedChatPayload
	First bool `json:"-"`
}

// Join binds c to the room of sessionID. joined_chat is sent to c on its first join only.
func (s *Service) Join(ctx context.Context, c *room.Conn, sessionID string) (*JoinResult, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, NewValidationError("Chat session id is required")
	}
	sess, persona, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	res := &JoinResult{JoinedChatPayload: JoinedChatPayload{
		Session:        sess,
		Artifact:       persona.Summary(),
		QuickQuestions: persona.QuickQuestions(),
	}}
	res.First = s.rooms.Join(c, sessionID)
	if res.First {
		c.Send(room.Event{Type: room.EventJoinedChat, Data: res.JoinedChatPayload})
		s.log.Info("joined chat", "session_id", sessionID, "conn_id", c.ID(), "identity", c.Identity().String())
	}
	return res, nil
}

func (s *Service) Leave(c *room.Conn) {
	s.rooms.Leave(c)
}

type SubmitRequest struct {
	SessionID     string
	Text          string
	QuickQuestion bool
	Identity      identity.Identity
	// Origin is excluded from the message_received broadcast. Nil for transports without a room.
	Origin *room.Conn
}

// Turn is the handle of a running turn.
type Turn struct {
	UserMessage ChatMessage

	done   chan struct{}
	result TurnResult
	err    error
}

func (t *Turn) Done() <-chan struct{} { return t.done }

// Result is valid once Done is closed.
func (t *Turn) Result() (TurnResult, error) { return t.result, t.err }

// Wait blocks until the turn finishes or ctx ends. The turn keeps running in the latter case.
func (t *Turn) Wait(ctx context.Context) (TurnResult, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return TurnResult{}, ctx.Err()
	}
}

// Submit validates a user message, broadcasts it and starts the reply in the background.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Turn, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, NewValidationError("Not connected to a chat session")
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, NewValidationError("Message cannot be empty")
	}

	job, ok := s.guard.Acquire(req.SessionID)
	if !ok {
		return nil, NewBusyError()
	}
	started := false
	defer func() {
		if !started {
			s.guard.Release(job)
		}
	}()

	sess, persona, err := s.loadSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	user := ChatMessage{Role: RoleUser, Content: text, Timestamp: time.Now()}
	job.log = s.log
	job.UserMessage = user
	job.Session = sess
	job.Persona = persona
	if req.QuickQuestion {
		job.QuickQuestion = text
	}
	job.setState(TurnUserMessageAppended)

	turn := &Turn{UserMessage: user, done: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	job.setState(TurnBroadcasting)
	s.rooms.Broadcast(req.SessionID, room.Event{
		Type: room.EventMessageReceived,
		Data: MessageReceivedPayload{Message: user, IsQuickQuestion: req.QuickQuestion},
	}, req.Origin)

	started = true
	go s.run(turn, job)
	return turn, nil
}

func (s *Service) run(turn *Turn, job *GenerationJob) {
	defer s.wg.Done()
	defer close(turn.done)
	defer s.guard.Release(job)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("turn panicked", "session_id", job.SessionID, "panic", r)
			turn.err = fmt.Errorf("chat: turn panicked: %v", r)
			s.rooms.Broadcast(job.SessionID, room.ErrorEvent("Failed to process message"), nil)
		}
	}()

	turn.result, turn.err = s.orch.Run(s.baseCtx, job)
}

type RateRequest struct {
	SessionID string
	Rating    string
	Comment   string
	Identity  identity.Identity
	Origin    *room.Conn
}

// Rate stores the session rating, last write wins.
func (s *Service) Rate(ctx context.Context, req RateRequest) (*ChatSession, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, NewValidationError("Not connected to a chat session")
	}
	rating := Rating(strings.ToLower(strings.TrimSpace(req.Rating)))
	if !rating.Valid() {
		return nil, NewValidationError("Rating must be 'up' or 'down'")
	}
	comment := strings.TrimSpace(req.Comment)

	sess, err := s.store.UpdateRating(ctx, req.SessionID, rating, comment)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError("Chat session")
		}
		return nil, fmt.Errorf("chat: update rating: %w", err)
	}

	s.coord.recordFor(ctx, req.Identity, sess, InteractionRating, datatypes.JSONMap{
		"rating":  string(rating),
		"comment": comment,
	})
	if req.Origin != nil {
		req.Origin.Send(room.Event{Type: room.EventRatingSaved, Data: RatingSavedPayload{Rating: rating, Comment: comment}})
	}
	return sess, nil
}

// NewArtifact is an identification result handed over by the vision service.
type NewArtifact struct {
	ImageURL         string  `json:"imageUrl"`
	OriginalFilename string  `json:"originalFilename"`
	Name             string  `json:"name"`
	Category         string  `json:"category"`
	Description      string  `json:"description"`
	History          string  `json:"history"`
	EstimatedAge     string  `json:"estimatedAge"`
	Materials        string  `json:"materials"`
	Confidence       float64 `json:"confidence"`
	IsRecognized     bool    `json:"isRecognized"`
}

type CreateRequest struct {
	Identity identity.Identity
	Artifact NewArtifact
	Provider string
	Model    string
}

type Created struct {
	Artifact       *Artifact    `json:"artifact"`
	Session        *ChatSession `json:"chatSession"`
	QuickQuestions []string     `json:"quickQuestions"`
}

// CreateSession stores an identified artifact and opens a chat session greeted by it.
func (s *Service) CreateSession(ctx context.Context, req CreateRequest) (*Created, error) {
	in := req.Artifact
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Category) == "" || strings.TrimSpace(in.Description) == "" {
		return nil, NewValidationError("name, category and description are required")
	}
	if req.Identity.IsZero() {
		return nil, NewValidationError("An identity is required")
	}
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		provider = s.opts.DefaultProvider
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = s.opts.DefaultModel
	}
	if s.registry != nil && !s.registry.Has(provider) {
		return nil, NewValidationError(fmt.Sprintf("Unknown provider %s, available: %s", provider, strings.Join(s.registry.Names(), ", ")))
	}

	artifactID, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	sessionID, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	a := &Artifact{
		ID:               artifactID,
		ImageURL:         in.ImageURL,
		OriginalFilename: in.OriginalFilename,
		Name:             strings.TrimSpace(in.Name),
		Category:         strings.TrimSpace(in.Category),
		Description:      strings.TrimSpace(in.Description),
		History:          in.History,
		EstimatedAge:     in.EstimatedAge,
		Materials:        in.Materials,
		Confidence:       in.Confidence,
		IsRecognized:     in.IsRecognized,
		UserID:           req.Identity.UserIDPtr(),
	}
	persona := PersonaFromArtifact(a)
	sess := &ChatSession{
		ID:           sessionID,
		UserID:       req.Identity.UserIDPtr(),
		SessionToken: req.Identity.SessionTokenPtr(),
		Title:        persona.Title(),
		Provider:     provider,
		Model:        model,
		Messages: []ChatMessage{
			{Role: RoleAssistant, Content: persona.Greeting(), Timestamp: time.Now()},
		},
	}
	if err := s.store.CreateArtifactSession(ctx, a, sess); err != nil {
		return nil, fmt.Errorf("chat: create session: %w", err)
	}

	s.coord.record(ctx, sess, InteractionIdentification, datatypes.JSONMap{
		"category":     a.Category,
		"confidence":   a.Confidence,
		"isRecognized": a.IsRecognized,
	})
	return &Created{Artifact: a, Session: sess, QuickQuestions: persona.QuickQuestions()}, nil
}

type Pagination struct {
	Page    int   `json:"page"`
	Limit   int   `json:"limit"`
	Total   int64 `json:"total"`
	HasMore bool  `json:"hasMore"`
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return page, limit
}

type SessionPage struct {
	Session        *ChatSession `json:"session"`
	Artifact       Summary      `json:"artifact"`
	QuickQuestions []string     `json:"quickQuestions"`
	Pagination     Pagination   `json:"pagination"`
}

// GetSession returns a session with one page of its transcript.
func (s *Service) GetSession(ctx context.Context, sessionID string, page, limit int) (*SessionPage, error) {
	page, limit = normalizePage(page, limit)

	sess, err := s.store.GetSessionMeta(ctx, sessionID)
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

	msgs, total, err := s.store.ListMessagesPage(ctx, sessionID, page, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}
	sess.Messages = msgs

	return &SessionPage{
		Session:        sess,
		Artifact:       persona.Summary(),
		QuickQuestions: persona.QuickQuestions(),
		Pagination: Pagination{
			Page:    page,
			Limit:   limit,
			Total:   int64(total),
			HasMore: total-page*limit > 0,
		},
	}, nil
}

// History lists the sessions owned by owner, most recent first.
func (s *Service) History(ctx context.Context, owner identity.Identity, page, limit int) ([]SessionSummary, Pagination, error) {
	if owner.IsZero() {
		return nil, Pagination{}, NewValidationError("An identity is required")
	}
	page, limit = normalizePage(page, limit)
	items, total, err := s.store.ListSessions(ctx, owner, page, limit)
	if err != nil {
		return nil, Pagination{}, fmt.Errorf("chat: list sessions: %w", err)
	}
	return items, Pagination{
		Page:    page,
		Limit:   limit,
		Total:   total,
		HasMore: total-int64(page*limit) > 0,
	}, nil
}

func ownedBy(sess *ChatSession, who identity.Identity) bool {
	if who.UserID != "" {
		return sess.UserID != nil && *sess.UserID == who.UserID
	}
	return sess.UserID == nil && sess.SessionToken != nil && *sess.SessionToken == who.SessionToken
}

// Delete removes a session owned by owner. A session with a reply in flight is Busy.
func (s *Service) Delete(ctx context.Context, owner identity.Identity, sessionID string) error {
	sess, err := s.store.GetSessionMeta(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NewNotFoundError("Chat session")
		}
		return fmt.Errorf("chat: load session: %w", err)
	}
	if !ownedBy(sess, owner) {
		return NewNotFoundError("Chat session")
	}
	// Holding the guard keeps a turn from starting between this check and the delete.
	job, ok := s.guard.Acquire(sessionID)
	if !ok {
		return NewBusyError()
	}
	defer s.guard.Release(job)

	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NewNotFoundError("Chat session")
		}
		return fmt.Errorf("chat: delete session: %w", err)
	}
	if inv, ok := s.personas.(PersonaInvalidator); ok {
		if err := inv.Invalidate(ctx, sess.ArtifactID); err != nil {
			s.log.Warn("invalidate persona failed", "artifact_id", sess.ArtifactID, "err", err)
		}
	}
	return nil
}

// Shutdown stops accepting turns and waits for running ones. When ctx ends first the
// remaining generations are cancelled; they still persist their fallback reply.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}
