package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/suPer8Hu/artifact-chat/internal/chat"
	"github.com/suPer8Hu/artifact-chat/internal/common"
	"github.com/suPer8Hu/artifact-chat/internal/config"
	"github.com/suPer8Hu/artifact-chat/internal/httpapi/middleware"
	"github.com/suPer8Hu/artifact-chat/internal/identity"
	"github.com/suPer8Hu/artifact-chat/internal/logger"
)

type Handler struct {
	Chat     *chat.Service
	Cfg      config.Config
	Log      *slog.Logger
	upgrader websocket.Upgrader
	sockets  socketSet
}

func NewHandler(svc *chat.Service, cfg config.Config, log *slog.Logger) *Handler {
	h := &Handler{Chat: svc, Cfg: cfg, Log: log}
	h.sockets.live = make(map[*socketSession]struct{})
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{
		"pong":       true,
		"rooms":      h.Chat.Rooms().Rooms(),
		"generating": h.Chat.Guard().Len(),
		"sockets":    h.sockets.count(),
		"providers":  h.Chat.Providers(),
	})
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.Cfg.CORSOrigins) == 0 {
		return true
	}
	for _, o := range h.Cfg.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func identityFrom(c *gin.Context) identity.Identity {
	id, _ := middleware.IdentityFrom(c)
	return id
}

func queryInt(c *gin.Context, key string, def int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return n
}

// failChat maps a chat error kind onto the response envelope.
func (h *Handler) failChat(c *gin.Context, err error) {
	switch {
	case chat.IsValidation(err):
		common.Fail(c, http.StatusBadRequest, 10002, chat.UserMessage(err))
	case chat.IsNotFound(err):
		common.Fail(c, http.StatusNotFound, 40401, chat.UserMessage(err))
	case chat.IsBusy(err):
		common.Fail(c, http.StatusConflict, 40901, chat.UserMessage(err))
	case chat.IsPersistence(err):
		common.Fail(c, http.StatusInternalServerError, 50002, chat.UserMessage(err))
	case errors.Is(err, chat.ErrClosed):
		common.Fail(c, http.StatusServiceUnavailable, 50300, "service is shutting down")
	default:
		logger.FromContext(c.Request.Context()).Error("chat request failed", "path", c.FullPath(), "err", err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
