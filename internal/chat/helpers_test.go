package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/suPer8Hu/artifact-chat/internal/ai"
	"github.com/suPer8Hu/artifact-chat/internal/db"
	"github.com/suPer8Hu/artifact-chat/internal/identity"
	"github.com/suPer8Hu/artifact-chat/internal/logger"
	"github.com/suPer8Hu/artifact-chat/internal/room"
)

// scriptedProvider streams chunks, optionally waiting on gate before the first one and on
// resume before chunk pauseAfter.
type scriptedProvider struct {
	chunks     []string
	err        error
	hang       bool
	gate       chan struct{}
	pauseAfter int
	resume     chan struct{}

	mu    sync.Mutex
	calls int
	last  []ai.Message
}

func (p *scriptedProvider) record(messages []ai.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.last = append([]ai.Message(nil), messages...)
}

func (p *scriptedProvider) lastMessages() []ai.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	p.record(messages)
	if p.err != nil {
		return "", p.err
	}
	return strings.Join(p.chunks, ""), nil
}

func (p *scriptedProvider) StreamChat(ctx context.Context, messages []ai.Message) (<-chan string, <-chan error) {
	p.record(messages)
	chunks := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		wait := func(ch chan struct{}) bool {
			if ch == nil {
				return true
			}
			select {
			case <-ch:
				return true
			case <-ctx.Done():
				errs <- ctx.Err()
				return false
			}
		}

		if !wait(p.gate) {
			return
		}
		for i, c := range p.chunks {
			if p.resume != nil && i == p.pauseAfter && !wait(p.resume) {
				return
			}
			select {
			case chunks <- c:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if p.hang {
			<-ctx.Done()
			errs <- ctx.Err()
			return
		}
		if p.err != nil {
			errs <- p.err
		}
	}()
	return chunks, errs
}

// oneShotProvider has no streaming support.
type oneShotProvider struct {
	reply string
}

func (p *oneShotProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	return p.reply, nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect("sqlite:file:" + uuid.NewString() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(context.Background(), gdb); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(gdb) })
	return gdb
}

type harness struct {
	db    *gorm.DB
	repo  *Repo
	rooms *room.Registry
	svc   *Service
}

func newHarness(t *testing.T, prov ai.Provider, opts Options) *harness {
	t.Helper()
	return newHarnessWithStore(t, prov, opts, nil)
}

// newHarnessWithStore lets a test wrap the repo; wrap may be nil.
func newHarnessWithStore(t *testing.T, prov ai.Provider, opts Options, wrap func(*Repo) Store) *harness {
	t.Helper()
	gdb := openTestDB(t)
	repo := NewRepo(gdb)

	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		return prov, nil
	})

	var store Store = repo
	if wrap != nil {
		store = wrap(repo)
	}

	opts.DefaultProvider = "fake"
	opts.DefaultModel = "default"
	rooms := room.NewRegistry(logger.Discard())
	svc := NewService(Deps{
		Store:    store,
		Personas: repo,
		Sink:     repo,
		Registry: reg,
		Rooms:    rooms,
		Log:      logger.Discard(),
	}, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	return &harness{db: gdb, repo: repo, rooms: rooms, svc: svc}
}

var anon = identity.Anonymous("anon-device-1")

func (h *harness) createKeris(t *testing.T) *Created {
	t.Helper()
	created, err := h.svc.CreateSession(context.Background(), CreateRequest{
		Identity: anon,
		Artifact: NewArtifact{
			ImageURL:     "/uploads/keris.jpg",
			Name:         "Keris Majapahit",
			Category:     "Senjata",
			Description:  "Keris pusaka dengan pamor berlapis.",
			History:      "Ditempa pada masa kejayaan Majapahit.",
			EstimatedAge: "abad ke-14",
			Materials:    "besi, nikel",
			Confidence:   0.92,
			IsRecognized: true,
		},
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return created
}

func (h *harness) transcript(t *testing.T, sessionID string) []ChatMessage {
	t.Helper()
	sess, err := h.repo.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return sess.Messages
}

func (h *harness) join(t *testing.T, sessionID, connID string) *room.Conn {
	t.Helper()
	c := room.NewConn(connID, identity.Anonymous("anon-"+connID), 256)
	if _, err := h.svc.Join(context.Background(), c, sessionID); err != nil {
		t.Fatalf("join %s: %v", connID, err)
	}
	return c
}

func waitTurn(t *testing.T, turn *Turn) (TurnResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := turn.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatalf("turn did not finish: %v", ctx.Err())
	}
	return res, err
}

func drain(c *room.Conn) []room.Event {
	var out []room.Event
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func waitEvent(t *testing.T, c *room.Conn, typ string) room.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
			return room.Event{}
		}
	}
}

func eventTypes(evs []room.Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}
