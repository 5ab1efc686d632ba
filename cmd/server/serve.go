package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/artifact-chat/internal/ai"
	"github.com/suPer8Hu/artifact-chat/internal/chat"
	"github.com/suPer8Hu/artifact-chat/internal/config"
	"github.com/suPer8Hu/artifact-chat/internal/db"
	"github.com/suPer8Hu/artifact-chat/internal/httpapi"
	"github.com/suPer8Hu/artifact-chat/internal/identity"
	"github.com/suPer8Hu/artifact-chat/internal/store/rabbitmq"
	"github.com/suPer8Hu/artifact-chat/internal/store/redisstore"
)

const shutdownTimeout = 30 * time.Second

func serve(parent context.Context, cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		return err
	}
	defer db.Close(gdb)
	if err := chat.Migrate(ctx, gdb); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	repo := chat.NewRepo(gdb)

	// Redis is optional: without it anonymous tokens are not tracked and personas are
	// read straight from the database.
	var (
		sessions identity.SessionRegistry
		personas chat.PersonaSource = repo
	)
	if cfg.RedisAddr != "" {
		rdb := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer rdb.Close()
		sessions = redisstore.NewStore(rdb, cfg.AnonSessionTTL)
		personas = redisstore.NewPersonaCache(rdb, repo, cfg.PersonaCacheTTL, log)
		log.Info("redis enabled", "addr", cfg.RedisAddr)
	}

	var sink chat.InteractionSink = repo
	if cfg.InteractionSink == "rabbitmq" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			return err
		}
		defer pub.Close()
		sink = pub
		log.Info("interactions go through rabbitmq", "queue", cfg.RabbitQueue)
	}

	svc := chat.NewService(chat.Deps{
		Store:    repo,
		Personas: personas,
		Sink:     sink,
		Registry: newProviderRegistry(cfg),
		Log:      log,
	}, chat.Options{
		ContextWindowSize: cfg.ChatContextWindowSize,
		GenerationTimeout: cfg.GenerationTimeout,
		PersistTimeout:    cfg.PersistTimeout,
		DefaultProvider:   strings.ToLower(cfg.AIProvider),
		DefaultModel:      defaultModel(cfg),
	})

	resolver := identity.NewResolver(cfg.JWTSecret, sessions, log)
	router := httpapi.NewRouter(svc, resolver, cfg, log)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", "addr", cfg.HTTPAddr, "provider", cfg.AIProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Stop taking requests, then drop websockets so nothing dispatches into the
		// service, then let running turns persist. The database closes after this returns.
		err := srv.Shutdown(shutdownCtx)
		if serr := router.CloseSockets(shutdownCtx); serr != nil && err == nil {
			err = serr
		}
		if serr := svc.Shutdown(shutdownCtx); serr != nil && err == nil {
			err = serr
		}
		return err
	})
	return g.Wait()
}

func newProviderRegistry(cfg config.Config) *ai.Registry {
	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	if cfg.OpenRouterAPIKey != "" {
		reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
			m := strings.TrimSpace(model)
			if m == "" {
				m = cfg.OpenRouterModel
			}
			return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
		})
	}
	return reg
}

func defaultModel(cfg config.Config) string {
	if strings.EqualFold(cfg.AIProvider, "openrouter") {
		return cfg.OpenRouterModel
	}
	return cfg.OllamaModel
}
