package chat

import (
	"log/slog"
	"sync"
	"time"
)

// FlightGuard admits at most one generation per chat session.
type FlightGuard struct {
	mu   sync.Mutex
	jobs map[string]*GenerationJob
}

func NewFlightGuard() *FlightGuard {
	return &FlightGuard{jobs: make(map[string]*GenerationJob)}
}

// Acquire registers a job for sessionID. It reports false when one is already active.
func (g *FlightGuard) Acquire(sessionID string) (*GenerationJob, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.jobs[sessionID]; busy {
		return nil, false
	}
	job := &GenerationJob{SessionID: sessionID, StartedAt: time.Now(), state: TurnIdle}
	g.jobs[sessionID] = job
	return job, true
}

// Release removes job if it is still the active one for its session.
func (g *FlightGuard) Release(job *GenerationJob) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.jobs[job.SessionID]; ok && cur == job {
		delete(g.jobs, job.SessionID)
	}
}

func (g *FlightGuard) Active(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.jobs[sessionID]
	return ok
}

func (g *FlightGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.jobs)
}

// TurnState tracks one turn from the user message to the persisted reply.
type TurnState string

const (
	TurnIdle                TurnState = "idle"
	TurnUserMessageAppended TurnState = "user_message_appended"
	TurnBroadcasting        TurnState = "broadcasting"
	TurnGenerating          TurnState = "generating"
	TurnStreaming           TurnState = "streaming"
	TurnFallback            TurnState = "fallback_synthesized"
	TurnFinalizing          TurnState = "finalizing"
	TurnPersisted           TurnState = "persisted"
)

// GenerationJob is the in-flight turn of one session. It lives only in memory.
type GenerationJob struct {
	SessionID string
	StartedAt time.Time

	UserMessage   ChatMessage
	QuickQuestion string
	Persona       *Persona
	Session       *ChatSession

	log *slog.Logger

	mu        sync.Mutex
	state     TurnState
	messageID string
	reply     []byte
}

func (j *GenerationJob) State() TurnState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *GenerationJob) setState(s TurnState) {
	j.mu.Lock()
	prev := j.state
	j.state = s
	j.mu.Unlock()
	if j.log != nil && prev != s {
		j.log.Debug("turn state", "session_id", j.SessionID, "from", prev, "to", s)
	}
}

func (j *GenerationJob) MessageID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.messageID
}

func (j *GenerationJob) setMessageID(id string) {
	j.mu.Lock()
	j.messageID = id
	j.mu.Unlock()
}

// appendChunk adds delta to the partial reply and returns the reply so far.
func (j *GenerationJob) appendChunk(delta string) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.reply = append(j.reply, delta...)
	return string(j.reply)
}

// Partial is the reply accumulated so far.
func (j *GenerationJob) Partial() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return string(j.reply)
}

func (j *GenerationJob) resetReply() {
	j.mu.Lock()
	j.reply = j.reply[:0]
	j.mu.Unlock()
}

// keyedMutex serializes work per key and drops idle keys.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
