// Command worker drains the interaction queue into the database. It pairs with a server
// running with INTERACTION_SINK=rabbitmq.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/suPer8Hu/artifact-chat/internal/chat"
	"github.com/suPer8Hu/artifact-chat/internal/config"
	"github.com/suPer8Hu/artifact-chat/internal/db"
	"github.com/suPer8Hu/artifact-chat/internal/logger"
	"github.com/suPer8Hu/artifact-chat/internal/store/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker stopped", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	log = log.With("component", "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, rabbitmq.ConsumerOptions{
		Concurrency: cfg.WorkerConcurrency,
	}, log)
	if err != nil {
		return err
	}
	defer consumer.Close()

	// ErrDeliveriesClosed means the broker went away; exiting lets the supervisor restart
	// the worker against a fresh connection.
	return consumer.Run(ctx, store(repo, log))
}

// store writes one interaction. Repo.Record skips ids it already has, so a redelivery
// after a lost ack is acknowledged without a second row.
func store(repo *chat.Repo, log *slog.Logger) rabbitmq.Handler {
	return func(ctx context.Context, in *chat.Interaction) error {
		if err := repo.Record(ctx, in); err != nil {
			return err
		}
		log.Debug("interaction stored", "id", in.ID, "type", in.Type, "chat_session_id", in.ChatSessionID)
		return nil
	}
}
