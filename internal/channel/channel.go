// Package channel connects chat platforms to the orchestrator.
package channel

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var ErrNoChannel = errors.New("no channel owns chat")

// Channel is one chat platform. Inbound messages are written to storage by
// the adapter itself; the orchestrator only ever sends through it.
type Channel interface {
	Name() string
	Connect(ctx context.Context) error
	SendMessage(ctx context.Context, jid, text string) error
	IsConnected() bool
	OwnsJID(jid string) bool
	Disconnect() error
}

// Typer is implemented by channels that can show a typing indicator.
type Typer interface {
	SetTyping(ctx context.Context, jid string, typing bool) error
}

var internalSpan = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// StripInternal removes <internal>...</internal> spans, which carry the
// agent's private reasoning, and trims what is left.
func StripInternal(text string) string {
	return strings.TrimSpace(internalSpan.ReplaceAllString(text, ""))
}

type Registry struct {
	mu       sync.RWMutex
	channels []Channel
	logger   *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger}
}

func (r *Registry) Add(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, ch)
}

// Find returns the channel owning jid.
func (r *Registry) Find(jid string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.channels {
		if ch.OwnsJID(jid) {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoChannel, jid)
}

// Send delivers agent output to jid. Text that is empty once internal spans
// are stripped is not sent.
func (r *Registry) Send(ctx context.Context, jid, text string) error {
	text = StripInternal(text)
	if text == "" {
		return nil
	}
	ch, err := r.Find(jid)
	if err != nil {
		return err
	}
	if !ch.IsConnected() {
		return fmt.Errorf("channel %s is not connected", ch.Name())
	}
	return ch.SendMessage(ctx, jid, text)
}

// SetTyping toggles the typing indicator where the channel supports one.
func (r *Registry) SetTyping(ctx context.Context, jid string, typing bool) {
	ch, err := r.Find(jid)
	if err != nil {
		return
	}
	t, ok := ch.(Typer)
	if !ok {
		return
	}
	if err := t.SetTyping(ctx, jid, typing); err != nil {
		r.logger.Debug("Failed to set typing indicator", zap.String("chat_jid", jid), zap.Error(err))
	}
}

// ConnectAll connects every channel, stopping at the first failure.
func (r *Registry) ConnectAll(ctx context.Context) error {
	r.mu.RLock()
	channels := append([]Channel(nil), r.channels...)
	r.mu.RUnlock()
	for _, ch := range channels {
		if err := ch.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect %s: %w", ch.Name(), err)
		}
		r.logger.Info("Channel connected", zap.String("channel", ch.Name()))
	}
	return nil
}

func (r *Registry) DisconnectAll() {
	r.mu.RLock()
	channels := append([]Channel(nil), r.channels...)
	r.mu.RUnlock()
	for _, ch := range channels {
		if err := ch.Disconnect(); err != nil {
			r.logger.Warn("Failed to disconnect channel", zap.String("channel", ch.Name()), zap.Error(err))
		}
	}
}
