package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/artifact-chat/internal/chat"
	"github.com/suPer8Hu/artifact-chat/internal/common"
	"github.com/suPer8Hu/artifact-chat/internal/config"
	"github.com/suPer8Hu/artifact-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/artifact-chat/internal/httpapi/middleware"
	"github.com/suPer8Hu/artifact-chat/internal/identity"
)

// Router serves the HTTP API and owns the websockets it upgraded.
type Router struct {
	*gin.Engine
	h *handlers.Handler
}

// CloseSockets closes the live websockets and waits for their handlers to return.
// Call it after http.Server.Shutdown, which leaves hijacked connections alone.
func (r *Router) CloseSockets(ctx context.Context) error {
	return r.h.CloseSockets(ctx)
}

func NewRouter(svc *chat.Service, resolver *identity.Resolver, cfg config.Config, log *slog.Logger) *Router {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID(log))
	r.Use(middleware.Recovery())
	r.Use(cors.New(corsConfig(cfg)))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(svc, cfg, log)

	r.GET("/ping", h.Ping)

	// Auth is optional everywhere: callers without a valid token are anonymous.
	withIdentity := middleware.Identity(resolver)
	r.GET("/ws", withIdentity, h.Socket)

	api := r.Group("/api", withIdentity)
	api.POST("/artifacts", h.CreateArtifact)

	chatGroup := api.Group("/chat")
	chatGroup.GET("/history", h.GetChatHistory)
	chatGroup.GET("/get-artifact-session/:artifactId", h.GetArtifactSession)
	chatGroup.GET("/:id", h.GetChatSession)
	chatGroup.DELETE("/:id", h.DeleteChatSession)
	chatGroup.POST("/:id/send", h.SendChatMessage)
	chatGroup.POST("/:id/send/stream", h.SendChatMessageStream)
	chatGroup.POST("/:id/quick-question", h.SendQuickQuestion)
	chatGroup.POST("/:id/rate", h.RateChatSession)

	voice := api.Group("/voice")
	voice.GET("/history", h.GetVoiceHistory)
	voice.POST("/end/:interactionId", h.EndVoiceCall)
	voice.POST("/:id/start", h.StartVoiceCall)
	return &Router{Engine: r, h: h}
}

func corsConfig(cfg config.Config) cors.Config {
	cc := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", identity.HeaderSessionID, middleware.HeaderRequestID},
		ExposeHeaders:    []string{identity.HeaderSessionID, middleware.HeaderRequestID},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	origins := cfg.CORSOrigins
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cc.AllowOriginFunc = func(string) bool { return true }
	} else {
		cc.AllowOrigins = origins
	}
	return cc
}
