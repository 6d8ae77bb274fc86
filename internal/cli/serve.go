package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xaenox/sandbot/internal/budget"
	"github.com/xaenox/sandbot/internal/channel"
	"github.com/xaenox/sandbot/internal/channel/telegram"
	"github.com/xaenox/sandbot/internal/credentials"
	"github.com/xaenox/sandbot/internal/mailbox"
	"github.com/xaenox/sandbot/internal/models"
	"github.com/xaenox/sandbot/internal/orchestrator"
	"github.com/xaenox/sandbot/internal/sandbox"
	"github.com/xaenox/sandbot/internal/scheduler"
)

// shutdownMargin is added to the sandbox stop grace when waiting for
// running sandboxes at shutdown.
const shutdownMargin = 5 * time.Second

// taskCreatorFunc adapts a function to mailbox.TaskCreator.
type taskCreatorFunc func(ctx context.Context, conv *models.Conversation, task *models.Task) error

func (f taskCreatorFunc) CreateTask(ctx context.Context, conv *models.Conversation, task *models.Task) error {
	return f(ctx, conv, task)
}

func newServeCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), app)
		},
	}
}

func runServe(parent context.Context, app *app) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, store, logger := app.cfg, app.store, app.logger

	runner, err := sandbox.NewRunner(cfg, credentials.NewFileSource(cfg.Credentials), store, logger.Named("sandbox"))
	if err != nil {
		return fmt.Errorf("create sandbox runner: %w", err)
	}
	breaker, err := budget.NewBreaker(store, cfg.Budget, logger.Named("budget"))
	if err != nil {
		return fmt.Errorf("create budget breaker: %w", err)
	}

	registry := channel.NewRegistry(logger.Named("channel"))
	if cfg.Telegram.Token != "" {
		registry.Add(telegram.New(telegram.Config{
			Token:         cfg.Telegram.Token,
			AssistantName: cfg.Assistant.Name,
			Trigger:       cfg.Assistant.Trigger,
		}, store, logger))
	} else {
		logger.Warn("No Telegram token configured, no channel will receive messages")
	}

	// the bridge and the scheduler need each other
	var sched *scheduler.Scheduler
	bridge := mailbox.New(cfg, store, runner.Layout(), registry,
		taskCreatorFunc(func(ctx context.Context, conv *models.Conversation, task *models.Task) error {
			return sched.CreateTask(ctx, conv, task)
		}),
		logger.Named("mailbox"))

	orch, err := orchestrator.New(orchestrator.Deps{
		Config:    cfg,
		Store:     store,
		Sandbox:   runner,
		Outbound:  registry,
		Gate:      breaker,
		Snapshots: bridge,
		Logger:    logger.Named("orchestrator"),
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	sched, err = scheduler.New(scheduler.Deps{
		Store:     store,
		Queue:     orch.Queue(),
		Sandbox:   runner,
		Gate:      breaker,
		Sender:    registry,
		Snapshots: bridge,
		Config:    cfg,
		Logger:    logger.Named("scheduler"),
	})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	if err := registry.ConnectAll(ctx); err != nil {
		return err
	}
	defer registry.DisconnectAll()

	if err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("recover pending messages: %w", err)
	}

	var wg sync.WaitGroup
	for _, run := range []func(context.Context){orch.Run, sched.Run, bridge.Run} {
		run := run
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}
	logger.Info("Sandbot started",
		zap.String("assistant", cfg.Assistant.Name),
		zap.String("runtime", cfg.Sandbox.Runtime),
		zap.Int("max_concurrent", cfg.Sandbox.MaxConcurrent))

	<-ctx.Done()
	logger.Info("Shutting down")
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Sandbox.StopGrace+shutdownMargin)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Sandboxes still running at shutdown deadline", zap.Error(err))
	}
	logger.Info("Sandbot stopped")
	return nil
}
