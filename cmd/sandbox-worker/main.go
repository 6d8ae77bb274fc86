package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/xaenox/sandbot/internal/sandbox"
	"github.com/xaenox/sandbot/internal/worker"
)

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// stdout carries the output protocol, zap writes to stderr
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	maxTokens := 0
	if v := os.Getenv("SANDBOT_MAX_TOKENS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			logger.Fatal("Invalid SANDBOT_MAX_TOKENS", zap.String("value", v), zap.Error(err))
		}
		maxTokens = n
	}

	w := worker.New(worker.Config{
		SessionDir:      envOrDefault("SANDBOT_SESSION_DIR", sandbox.SessionPath),
		ConversationDir: envOrDefault("SANDBOT_CONVERSATION_DIR", sandbox.ConversationPath),
		DefaultModel:    os.Getenv("SANDBOT_MODEL"),
		MaxTokens:       maxTokens,
	}, logger)

	if err := w.Run(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Error("Worker failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}
