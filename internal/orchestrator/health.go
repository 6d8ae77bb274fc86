package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xaenox/sandbot/internal/models"
)

// health tracks consecutive sandbox failures of one conversation.
type health struct {
	failures int
	alerted  bool
}

func (o *Orchestrator) recordFailure(ctx context.Context, conv *models.Conversation, cause error) {
	o.healthMu.Lock()
	h, ok := o.health[conv.JID]
	if !ok {
		h = &health{}
		o.health[conv.JID] = h
	}
	h.failures++
	failures := h.failures
	alert := o.cfg.AlertAfterFailures > 0 && failures >= o.cfg.AlertAfterFailures && !h.alerted
	if alert {
		h.alerted = true
	}
	o.healthMu.Unlock()

	if !alert {
		return
	}
	o.logger.Warn("Conversation degraded, alerting main conversation",
		zap.String("chat_jid", conv.JID),
		zap.Int("failures", failures))
	o.alert(ctx, fmt.Sprintf("⚠️ %s (%s) failed %d times in a row. Last error: %v", conv.Name, conv.Folder, failures, cause))
}

func (o *Orchestrator) recordSuccess(ctx context.Context, conv *models.Conversation) {
	o.healthMu.Lock()
	h, ok := o.health[conv.JID]
	delete(o.health, conv.JID)
	o.healthMu.Unlock()

	if ok && h.alerted {
		o.logger.Info("Conversation recovered", zap.String("chat_jid", conv.JID))
		o.alert(ctx, fmt.Sprintf("✅ %s (%s) is working again.", conv.Name, conv.Folder))
	}
}

// Failures reports the current consecutive failure count of jid.
func (o *Orchestrator) Failures(jid string) int {
	o.healthMu.Lock()
	defer o.healthMu.Unlock()
	if h, ok := o.health[jid]; ok {
		return h.failures
	}
	return 0
}

// alert sends text to the main conversation, if one is registered.
func (o *Orchestrator) alert(ctx context.Context, text string) {
	convs, err := o.store.ListConversations(ctx)
	if err != nil {
		o.logger.Error("Failed to find main conversation for alert", zap.Error(err))
		return
	}
	for _, c := range convs {
		if !c.IsMain {
			continue
		}
		if err := o.out.Send(ctx, c.JID, text); err != nil {
			o.logger.Error("Failed to send health alert", zap.String("chat_jid", c.JID), zap.Error(err))
		}
		return
	}
	o.logger.Warn("No main conversation registered, alert dropped")
}
