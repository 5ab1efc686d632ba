package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/suPer8Hu/artifact-chat/internal/ai"
	"github.com/suPer8Hu/artifact-chat/internal/common"
	"github.com/suPer8Hu/artifact-chat/internal/room"
)

var errEmptyReply = errors.New("provider returned an empty reply")

// Orchestrator drives one generation turn: prompt, stream, fallback, hand-off to the Coordinator.
type Orchestrator struct {
	registry *ai.Registry
	rooms    *room.Registry
	presence *room.Presence
	coord    *Coordinator
	window   int
	timeout  time.Duration
	log      *slog.Logger
}

// TurnResult is what a finished turn produced.
type TurnResult struct {
	MessageID    string `json:"messageId"`
	Reply        string `json:"reply"`
	Fallback     bool   `json:"fallback"`
	MessageCount int    `json:"messageCount"`
}

// Run executes job to completion. Generation failures are absorbed by the fallback reply;
// the only error returned is a persistence failure.
func (o *Orchestrator) Run(ctx context.Context, job *GenerationJob) (TurnResult, error) {
	log := o.log.With("session_id", job.SessionID)

	o.presence.AITyping(job.SessionID, job.Persona.Name)
	stopped := false
	stopTyping := func() {
		if !stopped {
			stopped = true
			o.presence.AIStoppedTyping(job.SessionID)
		}
	}
	defer stopTyping()

	job.setState(TurnGenerating)
	job.setMessageID(common.MustULID())
	o.rooms.Broadcast(job.SessionID, responseStart(job.MessageID()), nil)

	started := time.Now()
	reply, err := o.generate(ctx, job, o.prompt(job))
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errEmptyReply
	}

	res := TurnResult{}
	if err != nil {
		log.Warn("generation failed, using fallback reply", "err", newGenerationError(err), "partial_len", len(job.Partial()))
		job.setState(TurnFallback)
		if job.Partial() != "" {
			job.resetReply()
			job.setMessageID(common.MustULID())
			o.rooms.Broadcast(job.SessionID, responseStart(job.MessageID()), nil)
		}
		reply = o.emitChunk(job, FallbackReply)
		res.Fallback = true
	}
	res.MessageID = job.MessageID()
	res.Reply = reply

	o.rooms.Broadcast(job.SessionID, responseEnd(res.MessageID, reply), nil)
	stopTyping()

	total, err := o.coord.Finalize(context.WithoutCancel(ctx), job, reply)
	if err != nil {
		log.Error("turn not persisted", "err", err)
		return res, err
	}
	res.MessageCount = total
	log.Info("turn persisted",
		"message_id", res.MessageID,
		"fallback", res.Fallback,
		"message_count", total,
		"elapsed", time.Since(started))
	return res, nil
}

// prompt builds the provider input: system prompt, the prior messages of the window, the
// current user message.
func (o *Orchestrator) prompt(job *GenerationJob) []ai.Message {
	prior := job.Session.Messages
	if keep := o.window - 1; len(prior) > keep {
		prior = prior[len(prior)-keep:]
	}

	msgs := make([]ai.Message, 0, len(prior)+2)
	msgs = append(msgs, ai.Message{Role: ai.RoleSystem, Content: job.Persona.SystemPrompt()})
	for _, m := range prior {
		msgs = append(msgs, ai.Message{Role: string(m.Role), Content: m.Content})
	}
	msgs = append(msgs, ai.Message{Role: ai.RoleUser, Content: job.UserMessage.Content})
	return msgs
}

type chatResult struct {
	reply string
	err   error
}

// generate streams the reply into the room and returns the accumulated text. On error the
// text streamed so far is returned with it.
func (o *Orchestrator) generate(ctx context.Context, job *GenerationJob, msgs []ai.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	provider, err := o.registry.Get(ctx, job.Session.Provider, job.Session.Model)
	if err != nil {
		return "", err
	}

	sp, ok := provider.(ai.StreamProvider)
	if !ok {
		done := make(chan chatResult, 1)
		go func() {
			reply, err := provider.Chat(ctx, msgs)
			done <- chatResult{reply: reply, err: err}
		}()
		select {
		case r := <-done:
			if r.err != nil {
				return "", r.err
			}
			if r.reply == "" {
				return "", nil
			}
			job.setState(TurnStreaming)
			return o.emitChunk(job, r.reply), nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	chunks, errs := sp.StreamChat(ctx, msgs)
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				if err := <-errs; err != nil {
					return job.Partial(), err
				}
				return job.Partial(), nil
			}
			if c == "" {
				continue
			}
			job.setState(TurnStreaming)
			o.emitChunk(job, c)
		case <-ctx.Done():
			return job.Partial(), ctx.Err()
		}
	}
}

func (o *Orchestrator) emitChunk(job *GenerationJob, delta string) string {
	full := job.appendChunk(delta)
	o.rooms.Broadcast(job.SessionID, responseChunk(job.MessageID(), delta, full), nil)
	return full
}
