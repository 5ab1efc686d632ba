package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/suPer8Hu/artifact-chat/internal/config"
	"github.com/suPer8Hu/artifact-chat/internal/identity"
	"github.com/suPer8Hu/artifact-chat/internal/logger"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if out := buf.String(); !strings.Contains(out, "artifact-chat dev (commit: none") {
		t.Errorf("unexpected version output: %s", out)
	}
}

func TestRootCmdHasSubcommands(t *testing.T) {
	cmd := newRootCmd()
	want := map[string]bool{"serve": false, "migrate": false, "token": false, "version": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestTokenCmd_SignsVerifiableToken(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("JWT_SECRET", "cmd-test-secret")

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"token", "--user", "u-42", "--ttl", "1h"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("token command failed: %v", err)
	}

	tok := strings.TrimSpace(buf.String())
	uid, err := identity.NewResolver("cmd-test-secret", nil, logger.Discard()).ParseToken(tok)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if uid != "u-42" {
		t.Errorf("expected u-42, got %q", uid)
	}
}

func TestTokenCmd_RequiresUser(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"token"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error without --user")
	}
}

func TestProviderRegistry(t *testing.T) {
	cfg := config.Config{
		AIProvider:      "ollama",
		OllamaBaseURL:   "http://localhost:11434",
		OllamaModel:     "llama3:latest",
		OpenRouterModel: "openrouter/auto",
	}

	reg := newProviderRegistry(cfg)
	if !reg.Has("ollama") {
		t.Fatal("ollama should always be registered")
	}
	if reg.Has("openrouter") {
		t.Error("openrouter needs an api key")
	}
	if _, err := reg.Get(context.Background(), "ollama", ""); err != nil {
		t.Errorf("get ollama: %v", err)
	}
	if got := defaultModel(cfg); got != "llama3:latest" {
		t.Errorf("default model: got %q", got)
	}

	cfg.AIProvider = "OpenRouter"
	cfg.OpenRouterAPIKey = "sk-test"
	reg = newProviderRegistry(cfg)
	if !reg.Has("openrouter") {
		t.Error("openrouter should be registered with an api key")
	}
	if got := defaultModel(cfg); got != "openrouter/auto" {
		t.Errorf("default model: got %q", got)
	}
}

func TestServe_StopsOnCancelledContext(t *testing.T) {
	cfg := config.Config{
		HTTPAddr:              "127.0.0.1:0",
		ConnBuffer:            16,
		DBDSN:                 "sqlite:file:serve-test?mode=memory&cache=shared",
		JWTSecret:             "x",
		ChatContextWindowSize: 10,
		GenerationTimeout:     time.Second,
		PersistTimeout:        time.Second,
		AIProvider:            "ollama",
		OllamaModel:           "llama3:latest",
		InteractionSink:       "db",
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, logger.Discard()) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
