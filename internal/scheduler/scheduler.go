// Package scheduler runs recurring and one-shot tasks through the
// conversation queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/xaenox/sandbot/internal/models"
	"github.com/xaenox/sandbot/internal/queue"
	"github.com/xaenox/sandbot/internal/sandbox"
	"github.com/xaenox/sandbot/internal/storage"
	"github.com/xaenox/sandbot/pkg/config"
)

var errBudgetExhausted = errors.New("daily budget exhausted")

const lastResultMax = 200

// TaskQueue is the part of the conversation queue the scheduler drives.
type TaskQueue interface {
	EnqueueTask(jid, taskID string, fn queue.TaskFunc) error
	RegisterProcess(jid string, proc queue.Process, isTask bool)
	CloseInput(jid string)
}

// Sender delivers task output to the channel owning a conversation.
type Sender interface {
	Send(ctx context.Context, jid, text string) error
}

// Gate decides whether new sandbox work may start.
type Gate interface {
	Allow(ctx context.Context, jid string) bool
	ModelBudget(model string) float64
	DefaultModel() string
}

// Snapshotter refreshes the mailbox snapshots of a conversation before a run.
type Snapshotter interface {
	WriteSnapshots(ctx context.Context, conv *models.Conversation) error
}

type Deps struct {
	Store     storage.Storage
	Queue     TaskQueue
	Sandbox   sandbox.Sandbox
	Gate      Gate
	Sender    Sender
	Snapshots Snapshotter
	Config    *config.Config
	Logger    *zap.Logger
}

type Scheduler struct {
	store     storage.Storage
	queue     TaskQueue
	sandbox   sandbox.Sandbox
	gate      Gate
	sender    Sender
	snapshots Snapshotter
	cfg       config.SchedulerConfig
	loc       *time.Location
	now       func() time.Time
	logger    *zap.Logger
}

func New(deps Deps) (*Scheduler, error) {
	loc, err := time.LoadLocation(deps.Config.Assistant.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid assistant timezone: %w", err)
	}
	return &Scheduler{
		store:     deps.Store,
		queue:     deps.Queue,
		sandbox:   deps.Sandbox,
		gate:      deps.Gate,
		sender:    deps.Sender,
		snapshots: deps.Snapshots,
		cfg:       deps.Config.Scheduler,
		loc:       loc,
		now:       time.Now,
		logger:    deps.Logger,
	}, nil
}

// Run checks for due tasks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Scheduler started", zap.Duration("poll_interval", s.cfg.PollInterval))
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.CheckDue(ctx); err != nil {
			s.logger.Error("Failed to check due tasks", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// CheckDue hands every due task to the queue.
func (s *Scheduler) CheckDue(ctx context.Context) error {
	tasks, err := s.store.DueTasks(ctx, s.now())
	if err != nil {
		return err
	}
	for _, task := range tasks {
		taskID := task.ID
		err := s.queue.EnqueueTask(task.ChatJID, taskID, func(ctx context.Context) {
			s.runTask(ctx, taskID)
		})
		if err != nil {
			s.logger.Warn("Failed to enqueue task",
				zap.String("task_id", taskID),
				zap.String("chat_jid", task.ChatJID),
				zap.Error(err))
		}
	}
	return nil
}

// CreateTask validates and stores a new active task for conv.
func (s *Scheduler) CreateTask(ctx context.Context, conv *models.Conversation, task *models.Task) error {
	if task.ContextMode == "" {
		task.ContextMode = models.ContextIsolated
	}
	if task.ContextMode != models.ContextIsolated && task.ContextMode != models.ContextConversation {
		return fmt.Errorf("unknown context mode %q", task.ContextMode)
	}
	now := s.now()
	next, err := FirstRun(task.ScheduleType, task.ScheduleValue, now, Location(conv, s.loc))
	if err != nil {
		return err
	}
	if task.ID == "" {
		task.ID = ulid.Make().String()
	}
	task.ChatJID = conv.JID
	task.Folder = conv.Folder
	task.NextRun = next
	task.Status = models.TaskActive
	task.CreatedAt = now.UTC()
	if err := s.store.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("failed to store task: %w", err)
	}
	s.logger.Info("Task created",
		zap.String("task_id", task.ID),
		zap.String("chat_jid", conv.JID),
		zap.String("schedule_type", string(task.ScheduleType)),
		zap.String("schedule_value", task.ScheduleValue),
		zap.Timep("next_run", next))
	return nil
}

func (s *Scheduler) runTask(ctx context.Context, taskID string) {
	start := s.now()
	logger := s.logger.With(zap.String("task_id", taskID))

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		logger.Warn("Task vanished before it ran", zap.Error(err))
		return
	}
	if task.Status != models.TaskActive {
		logger.Debug("Task no longer active", zap.String("status", string(task.Status)))
		return
	}
	logger = logger.With(zap.String("chat_jid", task.ChatJID))

	conv, err := s.store.GetConversation(ctx, task.ChatJID)
	if err != nil {
		logger.Error("Task conversation is not registered", zap.Error(err))
		s.finish(ctx, task, nil, start, "", fmt.Errorf("conversation %s not registered: %w", task.ChatJID, err))
		return
	}
	if !s.gate.Allow(ctx, conv.JID) {
		s.finish(ctx, task, conv, start, "", errBudgetExhausted)
		return
	}

	if s.snapshots != nil {
		if err := s.snapshots.WriteSnapshots(ctx, conv); err != nil {
			logger.Warn("Failed to write mailbox snapshots", zap.Error(err))
		}
	}

	var sessionID string
	if task.ContextMode == models.ContextConversation {
		sessionID, err = s.store.GetSession(ctx, conv.Folder)
		if err != nil {
			logger.Warn("Failed to load session", zap.Error(err))
		}
	}

	model := task.Model
	if model == "" {
		model = conv.Settings.Model
	}
	if model == "" {
		model = s.gate.DefaultModel()
	}
	maxBudget := task.MaxBudgetUSD
	if maxBudget == 0 {
		maxBudget = s.gate.ModelBudget(model)
	}

	var closeOnce sync.Once
	var closeTimer *time.Timer
	var timerMu sync.Mutex
	defer func() {
		timerMu.Lock()
		if closeTimer != nil {
			closeTimer.Stop()
		}
		timerMu.Unlock()
	}()

	logger.Info("Running scheduled task", zap.String("context_mode", string(task.ContextMode)))
	req := &sandbox.Request{
		Conversation:    conv,
		Prompt:          task.Prompt,
		SessionID:       sessionID,
		IsScheduledTask: true,
		Model:           model,
		MaxBudgetUSD:    maxBudget,
		Ephemeral:       task.ContextMode == models.ContextIsolated,
		OnProcess: func(p *sandbox.Process) {
			s.queue.RegisterProcess(conv.JID, p, true)
		},
	}
	res, runErr := s.sandbox.Invoke(ctx, req, func(out *sandbox.Output) {
		if out.Result != "" {
			if err := s.sender.Send(ctx, conv.JID, out.Result); err != nil {
				logger.Error("Failed to deliver task output", zap.Error(err))
			}
		}
		if out.Status == sandbox.StatusSuccess {
			// tasks are single-turn: wind the sandbox down once it has answered
			closeOnce.Do(func() {
				timerMu.Lock()
				closeTimer = time.AfterFunc(s.cfg.CloseDelay, func() { s.queue.CloseInput(conv.JID) })
				timerMu.Unlock()
			})
		}
	})

	var result string
	if res != nil {
		result = res.Result
		if !res.Usage.IsZero() {
			entry := &models.UsageEntry{
				ID:        uuid.New().String(),
				ChatJID:   conv.JID,
				Model:     model,
				Usage:     res.Usage,
				StartedAt: start.UTC(),
			}
			if err := s.store.RecordUsage(ctx, entry); err != nil {
				logger.Error("Failed to record usage", zap.Error(err))
			}
		}
	}
	s.finish(ctx, task, conv, start, result, runErr)
}

// finish appends the run log and moves the task to its next run.
func (s *Scheduler) finish(ctx context.Context, task *models.Task, conv *models.Conversation, start time.Time, result string, runErr error) {
	ctx = context.WithoutCancel(ctx)
	now := s.now()
	run := &models.TaskRunLog{
		ID:       ulid.Make().String(),
		TaskID:   task.ID,
		RunAt:    start.UTC(),
		Duration: now.Sub(start),
		Status:   models.RunSuccess,
		Result:   result,
	}
	summary := truncate(result, lastResultMax)
	if runErr != nil {
		run.Status = models.RunError
		run.Error = runErr.Error()
		summary = "Error: " + runErr.Error()
	}
	if err := s.store.LogTaskRun(ctx, run); err != nil {
		s.logger.Error("Failed to log task run", zap.String("task_id", task.ID), zap.Error(err))
	}

	status := models.TaskActive
	next, err := NextRun(task, now, Location(conv, s.loc))
	switch {
	case err != nil:
		s.logger.Error("Pausing task with unusable schedule", zap.String("task_id", task.ID), zap.Error(err))
		status = models.TaskPaused
	case next == nil:
		status = models.TaskCompleted
	}

	// the task may have been paused or cancelled while it ran
	current, err := s.store.GetTask(ctx, task.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err == nil && current.Status == models.TaskPaused && status == models.TaskActive {
		status = models.TaskPaused
	}
	if err := s.store.UpdateTaskAfterRun(ctx, task.ID, next, start.UTC(), summary, status); err != nil {
		s.logger.Error("Failed to update task after run", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	s.logger.Info("Task run finished",
		zap.String("task_id", task.ID),
		zap.String("status", string(run.Status)),
		zap.String("task_status", string(status)),
		zap.Timep("next_run", next),
		zap.Duration("duration", run.Duration))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
