package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/artifact-chat/internal/chat"
	"github.com/suPer8Hu/artifact-chat/internal/common"
)

// StartVoiceCall opens a voice call on a chat session. The realtime provider key is
// issued by the voice gateway; this only records the call and hands out the persona.
func (h *Handler) StartVoiceCall(c *gin.Context) {
	call, err := h.Chat.StartVoiceCall(c.Request.Context(), chat.VoiceStartRequest{
		SessionID: c.Param("id"),
		Identity:  identityFrom(c),
	})
	if err != nil {
		h.failChat(c, err)
		return
	}
	common.OK(c, call)
}

type endVoiceCallReq struct {
	Transcript string  `json:"transcript"`
	Duration   float64 `json:"duration"`
}

func (h *Handler) EndVoiceCall(c *gin.Context) {
	var req endVoiceCallReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	ended, err := h.Chat.EndVoiceCall(c.Request.Context(), chat.VoiceEndRequest{
		InteractionID: c.Param("interactionId"),
		Transcript:    req.Transcript,
		Duration:      req.Duration,
	})
	if err != nil {
		h.failChat(c, err)
		return
	}
	common.OK(c, ended)
}

func (h *Handler) GetVoiceHistory(c *gin.Context) {
	items, page, err := h.Chat.VoiceHistory(c.Request.Context(), identityFrom(c), queryInt(c, "page", 1), queryInt(c, "limit", 20))
	if err != nil {
		h.failChat(c, err)
		return
	}
	common.OK(c, gin.H{"voiceCalls": items, "pagination": page})
}
