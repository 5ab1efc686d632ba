package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/suPer8Hu/artifact-chat/internal/chat"
	"github.com/suPer8Hu/artifact-chat/internal/logger"
	"github.com/suPer8Hu/artifact-chat/internal/room"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 << 10
	genericFailure = "Failed to process message"
)

// inboundFrame is one client frame: {"event": name, "data": {...}}.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type joinChatData struct {
	ChatSessionID string `json:"chatSessionId"`
}

type sendMessageData struct {
	Message string `json:"message"`
}

type quickQuestionData struct {
	Question string `json:"question"`
}

type rateChatData struct {
	Rating  string `json:"rating"`
	Comment string `json:"comment"`
}

// Socket upgrades to the room protocol. One goroutine reads and dispatches frames, another
// writes queued events and pings.
func (h *Handler) Socket(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.FromContext(c.Request.Context()).Warn("websocket upgrade failed", "err", err)
		return
	}

	conn := room.NewConn(uuid.NewString(), identityFrom(c), h.Cfg.ConnBuffer)
	s := &socketSession{
		h:    h,
		ws:   ws,
		conn: conn,
		log:  logger.FromContext(c.Request.Context()).With("conn_id", conn.ID(), "identity", conn.Identity().String()),
	}
	if !h.sockets.add(s) {
		s.goAway()
		return
	}
	defer h.sockets.remove(s)
	s.log.Info("socket connected")

	go s.writePump()
	s.readLoop(c.Request.Context())
}

// socketSet tracks hijacked connections, which http.Server.Shutdown does not wait for.
type socketSet struct {
	mu       sync.Mutex
	live     map[*socketSession]struct{}
	draining bool
	wg       sync.WaitGroup
}

func (ss *socketSet) add(s *socketSession) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.draining {
		return false
	}
	ss.live[s] = struct{}{}
	ss.wg.Add(1)
	return true
}

func (ss *socketSet) remove(s *socketSession) {
	ss.mu.Lock()
	delete(ss.live, s)
	ss.mu.Unlock()
	ss.wg.Done()
}

func (ss *socketSet) count() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.live)
}

// drain refuses further sockets and returns the live ones.
func (ss *socketSet) drain() []*socketSession {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.draining = true
	out := make([]*socketSession, 0, len(ss.live))
	for s := range ss.live {
		out = append(out, s)
	}
	return out
}

// CloseSockets closes every live socket with 1001 and waits until their read loops have
// returned, so no frame is dispatched afterwards. New upgrades are refused from then on.
func (h *Handler) CloseSockets(ctx context.Context) error {
	live := h.sockets.drain()
	for _, s := range live {
		s.goAway()
	}
	if len(live) > 0 {
		h.Log.Info("closing sockets", "count", len(live))
	}

	done := make(chan struct{})
	go func() {
		h.sockets.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type socketSession struct {
	h    *Handler
	ws   *websocket.Conn
	conn *room.Conn
	log  *slog.Logger
}

// goAway tells the client the server is going away and drops the connection, which ends
// the read loop.
func (s *socketSession) goAway() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = s.ws.Close()
}

func (s *socketSession) readLoop(ctx context.Context) {
	defer func() {
		s.h.Chat.Leave(s.conn)
		s.conn.Close()
		s.log.Info("socket disconnected")
	}()

	s.ws.SetReadLimit(maxFrameSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var in inboundFrame
		if err := s.ws.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("socket read failed", "err", err)
			}
			return
		}
		s.dispatch(ctx, in)
	}
}

func (s *socketSession) dispatch(ctx context.Context, in inboundFrame) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("socket handler panicked", "event", in.Event, "panic", r)
			s.conn.Send(room.ErrorEvent(genericFailure))
		}
	}()

	svc := s.h.Chat
	switch in.Event {
	case room.EventJoinChat:
		var d joinChatData
		if !s.decode(in, &d) {
			return
		}
		if _, err := svc.Join(ctx, s.conn, d.ChatSessionID); err != nil {
			s.fail(err, "Failed to join chat")
		}

	case room.EventSendMessage:
		var d sendMessageData
		if !s.decode(in, &d) {
			return
		}
		s.submit(ctx, d.Message, false)

	case room.EventSendQuickQuestion:
		var d quickQuestionData
		if !s.decode(in, &d) {
			return
		}
		s.submit(ctx, d.Question, true)

	case room.EventTypingStart:
		svc.Presence().TypingStart(s.conn)

	case room.EventTypingStop:
		svc.Presence().TypingStop(s.conn)

	case room.EventRateChat:
		var d rateChatData
		if !s.decode(in, &d) {
			return
		}
		if _, err := svc.Rate(ctx, chat.RateRequest{
			SessionID: s.conn.SessionID(),
			Rating:    d.Rating,
			Comment:   d.Comment,
			Identity:  s.conn.Identity(),
			Origin:    s.conn,
		}); err != nil {
			s.fail(err, "Failed to save rating")
		}

	default:
		s.conn.Send(room.ErrorEvent("Unknown event " + in.Event))
	}
}

// submit does not wait for the turn; its events reach this socket through the room.
func (s *socketSession) submit(ctx context.Context, text string, quick bool) {
	_, err := s.h.Chat.Submit(ctx, chat.SubmitRequest{
		SessionID:     s.conn.SessionID(),
		Text:          text,
		QuickQuestion: quick,
		Identity:      s.conn.Identity(),
		Origin:        s.conn,
	})
	if err != nil {
		s.fail(err, genericFailure)
	}
}

func (s *socketSession) decode(in inboundFrame, v any) bool {
	if len(in.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(in.Data, v); err != nil {
		s.conn.Send(room.ErrorEvent("Invalid payload for " + in.Event))
		return false
	}
	return true
}

// fail reports err to this socket only. Unexpected errors get the generic text.
func (s *socketSession) fail(err error, fallback string) {
	msg := fallback
	if chat.IsValidation(err) || chat.IsNotFound(err) || chat.IsBusy(err) {
		msg = chat.UserMessage(err)
	} else {
		s.log.Error("socket request failed", "err", err)
	}
	s.conn.Send(room.ErrorEvent(msg))
}

func (s *socketSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
	}()

	for {
		select {
		case ev, ok := <-s.conn.Events():
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				code, reason := websocket.CloseNormalClosure, ""
				if s.conn.Evicted() {
					// the client fell behind; it rejoins to get the persisted transcript
					code, reason = websocket.CloseTryAgainLater, "too slow, rejoin"
					s.log.Warn("socket evicted")
				}
				_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				return
			}
			if err := s.ws.WriteJSON(ev); err != nil {
				s.log.Debug("socket write failed", "err", err)
				return
			}

		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
