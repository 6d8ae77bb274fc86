package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Recover runs once at startup. Conversations whose unprocessed messages
// are recent are dispatched again; those whose backlog is older than the
// staleness threshold are skipped past so the assistant does not answer
// hours-old messages after an outage.
func (o *Orchestrator) Recover(ctx context.Context) error {
	convs, err := o.store.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}
	now := o.now()
	threshold := o.cfg.StalenessThreshold

	var fresh []string
	var newest time.Time
	for _, conv := range convs {
		logger := o.logger.With(zap.String("chat_jid", conv.JID), zap.String("folder", conv.Folder))

		applied, err := o.store.AppliedCursor(ctx, conv.JID)
		if err != nil {
			logger.Error("Failed to read applied watermark", zap.Error(err))
			continue
		}
		pending, err := o.store.MessagesSince(ctx, conv.JID, applied)
		if err != nil {
			logger.Error("Failed to read pending messages", zap.Error(err))
			continue
		}
		if len(pending) == 0 {
			continue
		}
		last := pending[len(pending)-1].Timestamp
		if last.After(newest) {
			newest = last
		}
		age := now.Sub(last)

		if age < threshold {
			logger.Info("Recovery: redispatch",
				zap.Int("pending", len(pending)),
				zap.Duration("age", age),
				zap.Duration("threshold", threshold))
			fresh = append(fresh, conv.JID)
			continue
		}

		logger.Info("Recovery: skip",
			zap.Int("pending", len(pending)),
			zap.Duration("age", age),
			zap.Duration("threshold", threshold))
		if err := o.advanceApplied(ctx, conv.JID, last); err != nil {
			logger.Error("Failed to skip stale messages", zap.Error(err))
		}
	}

	// everything examined here has been seen
	if !newest.IsZero() {
		if err := o.advanceGlobal(ctx, newest); err != nil {
			return fmt.Errorf("failed to advance global watermark: %w", err)
		}
	}
	for _, jid := range fresh {
		if err := o.queue.EnqueueMessageCheck(jid); err != nil {
			o.logger.Warn("Failed to queue recovered conversation", zap.String("chat_jid", jid), zap.Error(err))
		}
	}
	o.logger.Info("Recovery finished", zap.Int("conversations", len(convs)), zap.Int("redispatched", len(fresh)))
	return nil
}

func (o *Orchestrator) advanceGlobal(ctx context.Context, ts time.Time) error {
	o.cursorMu.Lock()
	defer o.cursorMu.Unlock()
	global, err := o.store.GlobalCursor(ctx)
	if err != nil {
		return err
	}
	if !ts.After(global) {
		return nil
	}
	return o.store.SetGlobalCursor(ctx, ts)
}
