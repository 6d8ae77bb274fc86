// Package orchestrator turns stored chat traffic into sandbox invocations.
//
// Two watermarks drive it. The global watermark marks the newest message the
// dispatch loop has seen; each conversation's applied watermark marks the
// newest message a sandbox has handled. The global watermark is always
// advanced first, so applied never passes it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/sandbot/internal/channel"
	"github.com/xaenox/sandbot/internal/models"
	"github.com/xaenox/sandbot/internal/queue"
	"github.com/xaenox/sandbot/internal/sandbox"
	"github.com/xaenox/sandbot/internal/storage"
	"github.com/xaenox/sandbot/pkg/config"
)

// Outbound delivers agent output to chat channels.
type Outbound interface {
	Send(ctx context.Context, jid, text string) error
	SetTyping(ctx context.Context, jid string, typing bool)
}

// Gate decides whether new sandbox work may start and at what ceiling.
type Gate interface {
	Allow(ctx context.Context, jid string) bool
	ModelBudget(model string) float64
	DefaultModel() string
}

// Snapshotter refreshes the mailbox snapshots of a conversation.
type Snapshotter interface {
	WriteSnapshots(ctx context.Context, conv *models.Conversation) error
}

type Deps struct {
	Config    *config.Config
	Store     storage.Storage
	Sandbox   sandbox.Sandbox
	Outbound  Outbound
	Gate      Gate
	Snapshots Snapshotter
	Logger    *zap.Logger
}

type Orchestrator struct {
	cfg       config.DispatchConfig
	store     storage.Storage
	sandbox   sandbox.Sandbox
	out       Outbound
	gate      Gate
	snapshots Snapshotter
	queue     *queue.Queue
	loc       *time.Location
	now       func() time.Time
	logger    *zap.Logger

	// cursorMu serialises watermark updates
	cursorMu sync.Mutex

	healthMu sync.Mutex
	health   map[string]*health
}

func New(deps Deps) (*Orchestrator, error) {
	loc, err := time.LoadLocation(deps.Config.Assistant.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid assistant timezone: %w", err)
	}
	o := &Orchestrator{
		cfg:       deps.Config.Dispatch,
		store:     deps.Store,
		sandbox:   deps.Sandbox,
		out:       deps.Outbound,
		gate:      deps.Gate,
		snapshots: deps.Snapshots,
		loc:       loc,
		now:       time.Now,
		logger:    deps.Logger,
		health:    make(map[string]*health),
	}
	o.queue = queue.New(queue.Config{
		MaxConcurrent: deps.Config.Sandbox.MaxConcurrent,
		MaxRetries:    deps.Config.Dispatch.MaxRetries,
		RetryBase:     deps.Config.Dispatch.RetryBase,
	}, o.processConversation, deps.Logger.Named("queue"))
	return o, nil
}

// Queue is shared with the task scheduler so tasks and chat traffic of a
// conversation never overlap.
func (o *Orchestrator) Queue() *queue.Queue {
	return o.queue
}

// Run ticks the dispatch loop until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info("Dispatch loop started", zap.Duration("poll_interval", o.cfg.PollInterval))
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := o.Tick(ctx); err != nil {
			o.logger.Error("Dispatch tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			o.logger.Info("Dispatch loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick reads every message newer than the global watermark, advances the
// watermark and dispatches the conversations that have work.
func (o *Orchestrator) Tick(ctx context.Context) error {
	convs, err := o.store.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}
	if len(convs) == 0 {
		return nil
	}
	byJID := make(map[string]*models.Conversation, len(convs))
	jids := make([]string, 0, len(convs))
	for _, c := range convs {
		byJID[c.JID] = c
		jids = append(jids, c.JID)
	}

	o.cursorMu.Lock()
	global, err := o.store.GlobalCursor(ctx)
	if err != nil {
		o.cursorMu.Unlock()
		return fmt.Errorf("failed to read global watermark: %w", err)
	}
	msgs, err := o.store.NewMessages(ctx, jids, global)
	if err != nil {
		o.cursorMu.Unlock()
		return fmt.Errorf("failed to read new messages: %w", err)
	}
	if len(msgs) == 0 {
		o.cursorMu.Unlock()
		return nil
	}
	// seen, whether or not anything is dispatched for it
	newest := msgs[len(msgs)-1].Timestamp
	if newest.After(global) {
		if err := o.store.SetGlobalCursor(ctx, newest); err != nil {
			o.cursorMu.Unlock()
			return fmt.Errorf("failed to advance global watermark: %w", err)
		}
		global = newest
	}
	o.cursorMu.Unlock()

	o.logger.Debug("New messages", zap.Int("count", len(msgs)), zap.Time("global", global))

	var order []string
	batches := make(map[string][]*models.Message)
	for _, m := range msgs {
		if _, ok := batches[m.ChatJID]; !ok {
			order = append(order, m.ChatJID)
		}
		batches[m.ChatJID] = append(batches[m.ChatJID], m)
	}
	for _, jid := range order {
		conv, ok := byJID[jid]
		if !ok {
			continue
		}
		o.dispatch(ctx, conv, batches[jid], global)
	}
	return nil
}

// dispatch hands one conversation's new messages to its live sandbox or
// queues a message check. Failures stay with the conversation.
func (o *Orchestrator) dispatch(ctx context.Context, conv *models.Conversation, batch []*models.Message, global time.Time) {
	logger := o.logger.With(zap.String("chat_jid", conv.JID), zap.String("folder", conv.Folder))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered panic while dispatching", zap.Any("panic", r))
		}
	}()

	// untriggered messages stay pending and travel as context with the next trigger
	if conv.NeedsTrigger() && !anyTriggered(batch, conv.Trigger) {
		logger.Debug("No trigger in new messages", zap.Int("count", len(batch)))
		return
	}

	applied, err := o.store.AppliedCursor(ctx, conv.JID)
	if err != nil {
		logger.Error("Failed to read applied watermark", zap.Error(err))
		return
	}
	pending, err := o.store.MessagesSince(ctx, conv.JID, applied)
	if err != nil {
		logger.Error("Failed to read pending messages", zap.Error(err))
		return
	}
	pending = upTo(pending, global)
	if len(pending) == 0 {
		return
	}

	if o.queue.Pipe(conv.JID, FormatMessages(pending, o.locationFor(conv))) {
		last := pending[len(pending)-1].Timestamp
		if err := o.advanceApplied(ctx, conv.JID, last); err != nil {
			logger.Error("Failed to advance applied watermark", zap.Error(err))
		}
		o.out.SetTyping(ctx, conv.JID, true)
		logger.Info("Piped messages into live sandbox", zap.Int("count", len(pending)))
		return
	}
	if err := o.queue.EnqueueMessageCheck(conv.JID); err != nil {
		logger.Warn("Failed to queue message check", zap.Error(err))
	}
}

// advanceApplied moves the applied watermark of jid forward to ts. It never
// moves backwards and never passes the global watermark.
func (o *Orchestrator) advanceApplied(ctx context.Context, jid string, ts time.Time) error {
	o.cursorMu.Lock()
	defer o.cursorMu.Unlock()

	applied, err := o.store.AppliedCursor(ctx, jid)
	if err != nil {
		return err
	}
	if !ts.After(applied) {
		return nil
	}
	global, err := o.store.GlobalCursor(ctx)
	if err != nil {
		return err
	}
	if ts.After(global) {
		if err := o.store.SetGlobalCursor(ctx, ts); err != nil {
			return err
		}
	}
	return o.store.SetAppliedCursor(ctx, jid, ts)
}

func (o *Orchestrator) locationFor(conv *models.Conversation) *time.Location {
	if conv.Settings.Timezone != "" {
		if loc, err := time.LoadLocation(conv.Settings.Timezone); err == nil {
			return loc
		}
	}
	return o.loc
}

// processConversation runs the pending messages of jid through a sandbox.
// It reports false when the work should be retried.
func (o *Orchestrator) processConversation(ctx context.Context, jid string) bool {
	logger := o.logger.With(zap.String("chat_jid", jid))

	conv, err := o.store.GetConversation(ctx, jid)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Debug("Conversation no longer registered")
		return true
	}
	if err != nil {
		logger.Error("Failed to load conversation", zap.Error(err))
		return false
	}
	logger = logger.With(zap.String("folder", conv.Folder))

	if !o.gate.Allow(ctx, jid) {
		// messages stay pending until the budget day rolls over
		return true
	}

	applied, err := o.store.AppliedCursor(ctx, jid)
	if err != nil {
		logger.Error("Failed to read applied watermark", zap.Error(err))
		return false
	}
	global, err := o.store.GlobalCursor(ctx)
	if err != nil {
		logger.Error("Failed to read global watermark", zap.Error(err))
		return false
	}
	pending, err := o.store.MessagesSince(ctx, jid, applied)
	if err != nil {
		logger.Error("Failed to read pending messages", zap.Error(err))
		return false
	}
	pending = upTo(pending, global)
	if len(pending) == 0 {
		return true
	}
	if conv.NeedsTrigger() && !anyTriggered(pending, conv.Trigger) {
		return true
	}

	if o.snapshots != nil {
		if err := o.snapshots.WriteSnapshots(ctx, conv); err != nil {
			logger.Warn("Failed to write mailbox snapshots", zap.Error(err))
		}
	}
	sessionID, err := o.store.GetSession(ctx, conv.Folder)
	if err != nil {
		logger.Warn("Failed to load session, starting fresh", zap.Error(err))
	}

	model := conv.Settings.Model
	if model == "" {
		model = o.gate.DefaultModel()
	}
	maxBudget := conv.Settings.MaxBudgetUSD
	if maxBudget == 0 {
		maxBudget = o.gate.ModelBudget(model)
	}

	idle := time.AfterFunc(o.cfg.IdleTimeout, func() {
		logger.Debug("Idle timeout, closing sandbox input")
		o.queue.CloseInput(jid)
	})
	idle.Stop()
	defer idle.Stop()

	var delivered atomic.Bool
	start := o.now()
	o.out.SetTyping(ctx, jid, true)
	logger.Info("Processing messages", zap.Int("count", len(pending)))

	req := &sandbox.Request{
		Conversation: conv,
		Prompt:       FormatMessages(pending, o.locationFor(conv)),
		SessionID:    sessionID,
		Model:        model,
		MaxBudgetUSD: maxBudget,
		OnProcess: func(p *sandbox.Process) {
			o.queue.RegisterProcess(jid, p, false)
		},
	}
	res, runErr := o.sandbox.Invoke(ctx, req, func(out *sandbox.Output) {
		// output made only of internal spans never reaches the user
		if text := channel.StripInternal(out.Result); text != "" {
			if err := o.out.Send(ctx, jid, text); err != nil {
				logger.Error("Failed to deliver sandbox output", zap.Error(err))
			} else {
				delivered.Store(true)
			}
			o.out.SetTyping(ctx, jid, false)
		}
		if out.Status == sandbox.StatusSuccess {
			o.queue.NotifyIdle(jid)
			idle.Reset(o.cfg.IdleTimeout)
		}
	})
	o.out.SetTyping(ctx, jid, false)

	if res != nil {
		o.recordUsage(ctx, jid, model, start, res.Usage)
	}

	if runErr != nil && !delivered.Load() {
		logger.Error("Sandbox run failed", zap.Error(runErr))
		o.recordFailure(ctx, conv, runErr)
		return false
	}
	if runErr != nil {
		// the user already saw part of the answer; retrying would repeat it
		logger.Warn("Sandbox failed after delivering output", zap.Error(runErr))
	}

	last := pending[len(pending)-1].Timestamp
	if err := o.advanceApplied(ctx, jid, last); err != nil {
		logger.Error("Failed to advance applied watermark", zap.Error(err))
	}
	o.recordSuccess(ctx, conv)
	return true
}

func (o *Orchestrator) recordUsage(ctx context.Context, jid, model string, start time.Time, usage models.TokenUsage) {
	if usage.IsZero() {
		return
	}
	entry := &models.UsageEntry{
		ID:        uuid.New().String(),
		ChatJID:   jid,
		Model:     model,
		Usage:     usage,
		StartedAt: start.UTC(),
	}
	if err := o.store.RecordUsage(context.WithoutCancel(ctx), entry); err != nil {
		o.logger.Error("Failed to record usage", zap.String("chat_jid", jid), zap.Error(err))
	}
}

// Shutdown stops the queue, killing sandboxes still running at the deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.queue.Shutdown(ctx)
}
