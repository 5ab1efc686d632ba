package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/suPer8Hu/artifact-chat/internal/chat"
	"github.com/suPer8Hu/artifact-chat/internal/common"
	"github.com/suPer8Hu/artifact-chat/internal/room"
)

type createArtifactReq struct {
	chat.NewArtifact
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// CreateArtifact stores an identification result and opens its chat session.
func (h *Handler) CreateArtifact(c *gin.Context) {
	var req createArtifactReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	created, err := h.Chat.CreateSession(c.Request.Context(), chat.CreateRequest{
		Identity: identityFrom(c),
		Artifact: req.NewArtifact,
		Provider: req.Provider,
		Model:    req.Model,
	})
	if err != nil {
		h.failChat(c, err)
		return
	}
	common.Created(c, created)
}

func (h *Handler) GetChatSession(c *gin.Context) {
	page, err := h.Chat.GetSession(c.Request.Context(), c.Param("id"), queryInt(c, "page", 1), queryInt(c, "limit", 50))
	if err != nil {
		h.failChat(c, err)
		return
	}
	common.OK(c, page)
}

// GetArtifactSession resolves an artifact to its most recent chat session.
func (h *Handler) GetArtifactSession(c *gin.Context) {
	page, err := h.Chat.ArtifactSession(c.Request.Context(), c.Param("artifactId"), queryInt(c, "page", 1), queryInt(c, "limit", 50))
	if err != nil {
		h.failChat(c, err)
		return
	}
	common.OK(c, page)
}

type sendMessageReq struct {
	Message string `json:"message"`
}

type quickQuestionReq struct {
	Question string `json:"question"`
}

func (h *Handler) SendChatMessage(c *gin.Context) {
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	h.submitAndWait(c, req.Message, false)
}

func (h *Handler) SendQuickQuestion(c *gin.Context) {
	var req quickQuestionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	h.submitAndWait(c, req.Question, true)
}

// submitAndWait runs a turn and replies once it is persisted. Room members still see the
// streamed events.
func (h *Handler) submitAndWait(c *gin.Context, text string, quick bool) {
	turn, err := h.Chat.Submit(c.Request.Context(), chat.SubmitRequest{
		SessionID:     c.Param("id"),
		Text:          text,
		QuickQuestion: quick,
		Identity:      identityFrom(c),
	})
	if err != nil {
		h.failChat(c, err)
		return
	}

	res, err := turn.Wait(c.Request.Context())
	if err != nil {
		if c.Request.Context().Err() != nil {
			return
		}
		h.failChat(c, err)
		return
	}

	common.OK(c, gin.H{
		"userMessage": turn.UserMessage,
		"aiResponse": gin.H{
			"role":      chat.RoleAssistant,
			"content":   res.Reply,
			"timestamp": time.Now(),
		},
		"messageId":       res.MessageID,
		"fallback":        res.Fallback,
		"totalMessages":   res.MessageCount,
		"isQuickQuestion": quick,
	})
}

// SendChatMessageStream runs a turn and streams the room events of that turn as SSE.
func (h *Handler) SendChatMessageStream(c *gin.Context) {
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	ctx := c.Request.Context()
	sessionID := c.Param("id")
	conn := room.NewConn("sse-"+uuid.NewString(), identityFrom(c), h.Cfg.ConnBuffer)
	defer conn.Close()
	defer h.Chat.Leave(conn)

	if _, err := h.Chat.Join(ctx, conn, sessionID); err != nil {
		h.failChat(c, err)
		return
	}
	turn, err := h.Chat.Submit(ctx, chat.SubmitRequest{
		SessionID: sessionID,
		Text:      req.Message,
		Identity:  conn.Identity(),
		Origin:    conn,
	})
	if err != nil {
		h.failChat(c, err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		common.Fail(c, http.StatusInternalServerError, 50003, "streaming not supported")
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, b)
		flusher.Flush()
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-conn.Events():
			if !ok {
				writeJSON(room.EventError, room.ErrorPayload{Message: "Stream interrupted, reload the chat"})
				return
			}
			writeJSON(ev.Type, ev.Data)

		case <-ticker.C:
			writeJSON("ping", gin.H{"ts": time.Now().Unix()})

		case <-turn.Done():
		drain:
			for {
				select {
				case ev, ok := <-conn.Events():
					if !ok {
						writeJSON(room.EventError, room.ErrorPayload{Message: "Stream interrupted, reload the chat"})
						return
					}
					writeJSON(ev.Type, ev.Data)
				default:
					break drain
				}
			}
			res, err := turn.Result()
			if err != nil {
				writeJSON(room.EventError, room.ErrorPayload{Message: chat.UserMessage(err)})
				return
			}
			writeJSON("done", res)
			return

		case <-ctx.Done():
			return
		}
	}
}

type rateReq struct {
	Rating  string `json:"rating"`
	Comment string `json:"comment"`
}

func (h *Handler) RateChatSession(c *gin.Context) {
	var req rateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	sess, err := h.Chat.Rate(c.Request.Context(), chat.RateRequest{
		SessionID: c.Param("id"),
		Rating:    req.Rating,
		Comment:   req.Comment,
		Identity:  identityFrom(c),
	})
	if err != nil {
		h.failChat(c, err)
		return
	}
	common.OK(c, gin.H{"rating": sess.Rating, "comment": sess.RatingComment})
}

func (h *Handler) GetChatHistory(c *gin.Context) {
	items, page, err := h.Chat.History(c.Request.Context(), identityFrom(c), queryInt(c, "page", 1), queryInt(c, "limit", 20))
	if err != nil {
		h.failChat(c, err)
		return
	}
	common.OK(c, gin.H{"chatSessions": items, "pagination": page})
}

func (h *Handler) DeleteChatSession(c *gin.Context) {
	if err := h.Chat.Delete(c.Request.Context(), identityFrom(c), c.Param("id")); err != nil {
		h.failChat(c, err)
		return
	}
	common.OK(c, gin.H{"deleted": c.Param("id")})
}
