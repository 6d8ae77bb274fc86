// Package mailbox is the filesystem bridge between sandboxes and the host.
// A sandbox drops JSON requests into its requests directory; the host
// applies them and keeps a snapshots directory current for it to read.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/sandbot/internal/models"
	"github.com/xaenox/sandbot/internal/storage"
	"github.com/xaenox/sandbot/internal/workspace"
	"github.com/xaenox/sandbot/pkg/config"
)

var ErrUnauthorized = errors.New("not authorized")

// Sender delivers a message to a conversation's channel.
type Sender interface {
	Send(ctx context.Context, jid, text string) error
}

// TaskCreator validates and stores new tasks.
type TaskCreator interface {
	CreateTask(ctx context.Context, conv *models.Conversation, task *models.Task) error
}

type Bridge struct {
	store          storage.Storage
	layout         workspace.Layout
	sender         Sender
	tasks          TaskCreator
	pollInterval   time.Duration
	recentActivity int
	defaultTrigger string
	logger         *zap.Logger
}

func New(cfg *config.Config, store storage.Storage, layout workspace.Layout, sender Sender, tasks TaskCreator, logger *zap.Logger) *Bridge {
	return &Bridge{
		store:          store,
		layout:         layout,
		sender:         sender,
		tasks:          tasks,
		pollInterval:   cfg.Mailbox.PollInterval,
		recentActivity: cfg.Mailbox.RecentActivity,
		defaultTrigger: cfg.Assistant.Trigger,
		logger:         logger,
	}
}

// Run polls every conversation's requests directory until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		if err := b.Poll(ctx); err != nil {
			b.logger.Error("Failed to poll mailboxes", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll applies every pending request once.
func (b *Bridge) Poll(ctx context.Context) error {
	convs, err := b.store.ListConversations(ctx)
	if err != nil {
		return err
	}
	for _, conv := range convs {
		b.drain(ctx, conv)
	}
	return nil
}

func (b *Bridge) drain(ctx context.Context, conv *models.Conversation) {
	dir := b.layout.RequestsDir(conv.Folder)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			b.logger.Warn("Failed to read requests", zap.String("folder", conv.Folder), zap.Error(err))
		}
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		path := filepath.Join(dir, name)
		logger := b.logger.With(zap.String("folder", conv.Folder), zap.String("file", name))

		err := b.apply(ctx, conv, path)
		if err == nil {
			if err := os.Remove(path); err != nil {
				logger.Warn("Failed to remove applied request", zap.Error(err))
			}
			continue
		}
		logger.Warn("Rejected mailbox request", zap.Error(err))
		if err := b.quarantine(conv.Folder, path); err != nil {
			logger.Error("Failed to move request to errors", zap.Error(err))
		}
	}
}

func (b *Bridge) quarantine(folder, path string) error {
	dir := b.layout.ErrorsDir(folder)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.Rename(path, filepath.Join(dir, filepath.Base(path)))
}

func (b *Bridge) apply(ctx context.Context, from *models.Conversation, path string) error {
	req, err := readRequest(path)
	if err != nil {
		return err
	}
	logger := b.logger.With(
		zap.String("folder", from.Folder),
		zap.String("type", req.Type))

	switch req.Type {
	case TypeMessage:
		target, err := b.target(ctx, from, req.ChatJID)
		if err != nil {
			return err
		}
		if strings.TrimSpace(req.Text) == "" {
			return errors.New("message has no text")
		}
		if err := b.sender.Send(ctx, target.JID, req.Text); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
		logger.Info("Mailbox message sent", zap.String("chat_jid", target.JID))

	case TypeScheduleTask:
		target, err := b.target(ctx, from, req.ChatJID)
		if err != nil {
			return err
		}
		if strings.TrimSpace(req.Prompt) == "" {
			return errors.New("task has no prompt")
		}
		task := &models.Task{
			Prompt:        req.Prompt,
			ScheduleType:  models.ScheduleType(req.ScheduleType),
			ScheduleValue: req.ScheduleValue,
			ContextMode:   models.ContextMode(req.ContextMode),
			Model:         req.Model,
			MaxBudgetUSD:  req.MaxBudgetUSD,
		}
		if err := b.tasks.CreateTask(ctx, target, task); err != nil {
			return err
		}

	case TypePauseTask, TypeResumeTask, TypeCancelTask:
		task, err := b.store.GetTask(ctx, req.TaskID)
		if err != nil {
			return fmt.Errorf("task %q: %w", req.TaskID, err)
		}
		if !from.IsMain && task.ChatJID != from.JID {
			return fmt.Errorf("%w: task %s belongs to another conversation", ErrUnauthorized, task.ID)
		}
		switch req.Type {
		case TypePauseTask:
			err = b.store.UpdateTaskStatus(ctx, task.ID, models.TaskPaused)
		case TypeResumeTask:
			err = b.store.UpdateTaskStatus(ctx, task.ID, models.TaskActive)
		default:
			err = b.store.DeleteTask(ctx, task.ID)
		}
		if err != nil {
			return err
		}
		logger.Info("Task updated from mailbox", zap.String("task_id", task.ID))

	case TypeRefreshConversations:
		if !from.IsMain {
			return fmt.Errorf("%w: only the main conversation may refresh conversations", ErrUnauthorized)
		}

	case TypeRegisterConversation:
		if !from.IsMain {
			return fmt.Errorf("%w: only the main conversation may register conversations", ErrUnauthorized)
		}
		if err := b.register(ctx, req); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown request type %q", req.Type)
	}

	// the sender sees the effect of its request on its next read
	if err := b.WriteSnapshots(ctx, from); err != nil {
		logger.Warn("Failed to refresh snapshots", zap.Error(err))
	}
	return nil
}

// target resolves the conversation a request acts on and checks that from
// may act on it.
func (b *Bridge) target(ctx context.Context, from *models.Conversation, jid string) (*models.Conversation, error) {
	if jid == "" || jid == from.JID {
		return from, nil
	}
	if !from.IsMain {
		return nil, fmt.Errorf("%w: %s may not act on %s", ErrUnauthorized, from.Folder, jid)
	}
	conv, err := b.store.GetConversation(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", jid, err)
	}
	return conv, nil
}

func (b *Bridge) register(ctx context.Context, req *Request) error {
	if req.ChatJID == "" {
		return errors.New("register_conversation needs chat_jid")
	}
	if err := models.ValidateFolder(req.Folder); err != nil {
		return err
	}
	convs, err := b.store.ListConversations(ctx)
	if err != nil {
		return err
	}
	for _, c := range convs {
		if c.Folder == req.Folder && c.JID != req.ChatJID {
			return fmt.Errorf("folder %q is already used by %s", req.Folder, c.JID)
		}
	}

	conv := &models.Conversation{
		JID:             req.ChatJID,
		Name:            req.Name,
		Folder:          req.Folder,
		Trigger:         req.Trigger,
		RequiresTrigger: true,
	}
	if existing, err := b.store.GetConversation(ctx, req.ChatJID); err == nil {
		// re-registration keeps main status and per-conversation settings
		conv.IsMain = existing.IsMain
		conv.Settings = existing.Settings
	}
	if conv.Trigger == "" {
		conv.Trigger = b.defaultTrigger
	}
	if conv.Name == "" {
		conv.Name = req.Folder
	}
	if req.RequiresTrigger != nil {
		conv.RequiresTrigger = *req.RequiresTrigger
	}
	if err := b.layout.Ensure(conv.Folder); err != nil {
		return err
	}
	if err := b.store.RegisterConversation(ctx, conv); err != nil {
		return fmt.Errorf("failed to register conversation: %w", err)
	}
	b.logger.Info("Conversation registered from mailbox",
		zap.String("chat_jid", conv.JID),
		zap.String("folder", conv.Folder))
	return nil
}
