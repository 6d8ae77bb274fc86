// Package telegram is the Telegram channel adapter.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/sandbot/internal/models"
	"github.com/xaenox/sandbot/internal/storage"
)

const (
	jidPrefix = "tg:"
	// maxMessageLength is Telegram's limit for one text message.
	maxMessageLength = 4096
)

// Store is the storage the adapter writes inbound traffic to.
type Store interface {
	GetConversation(ctx context.Context, jid string) (*models.Conversation, error)
	SaveMessage(ctx context.Context, msg *models.Message) error
}

// botAPI is the subset of *tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Config struct {
	Token         string
	AssistantName string
	Trigger       string
}

type Channel struct {
	cfg    Config
	store  Store
	logger *zap.Logger

	mu          sync.Mutex
	api         botAPI
	botUsername string
	connected   bool
	cancel      context.CancelFunc
	done        chan struct{}
	lastTS      time.Time
}

func New(cfg Config, store Store, logger *zap.Logger) *Channel {
	return &Channel{
		cfg:    cfg,
		store:  store,
		logger: logger.With(zap.String("channel", "telegram")),
	}
}

func (c *Channel) Name() string { return "telegram" }

// JID returns the conversation id of a Telegram chat.
func JID(chatID int64) string {
	return jidPrefix + strconv.FormatInt(chatID, 10)
}

func chatID(jid string) (int64, error) {
	if !strings.HasPrefix(jid, jidPrefix) {
		return 0, fmt.Errorf("not a telegram chat: %s", jid)
	}
	return strconv.ParseInt(strings.TrimPrefix(jid, jidPrefix), 10, 64)
}

func (c *Channel) OwnsJID(jid string) bool {
	_, err := chatID(jid)
	return err == nil
}

func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect authenticates the bot and starts receiving updates.
func (c *Channel) Connect(ctx context.Context) error {
	api, err := tgbotapi.NewBotAPI(c.cfg.Token)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}
	c.logger.Info("Authorized on Telegram", zap.String("username", api.Self.UserName))
	return c.start(ctx, api, api.Self.UserName)
}

func (c *Channel) start(ctx context.Context, api botAPI, username string) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := api.GetUpdatesChan(u)

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.api = api
	c.botUsername = username
	c.connected = true
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil {
					continue
				}
				c.handleMessage(ctx, update.Message)
			}
		}
	}()
	return nil
}

func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	api, cancel, done := c.api, c.cancel, c.done
	c.mu.Unlock()

	api.StopReceivingUpdates()
	cancel()
	<-done
	return nil
}

func (c *Channel) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	jid := JID(message.Chat.ID)

	// Handle commands
	if message.IsCommand() {
		switch message.Command() {
		case "chatid":
			c.reply(message.Chat.ID, fmt.Sprintf("Chat ID: %s\nName: %s\nType: %s", jid, chatName(message.Chat), message.Chat.Type))
			return
		case "ping":
			c.reply(message.Chat.ID, c.cfg.AssistantName+" is online.")
			return
		}
	}

	if _, err := c.store.GetConversation(ctx, jid); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Error("Failed to look up conversation", zap.Error(err), zap.String("chat_jid", jid))
		} else {
			c.logger.Debug("Ignoring message from unregistered chat", zap.String("chat_jid", jid))
		}
		return
	}

	content := c.translateMention(messageContent(message))
	if content == "" {
		return
	}

	msg := &models.Message{
		ID:         strconv.Itoa(message.MessageID),
		ChatJID:    jid,
		Content:    content,
		Timestamp:  c.nextTimestamp(message.Time()),
		IsFromMe:   false,
		SenderName: "unknown",
	}
	if message.From != nil {
		msg.Sender = strconv.FormatInt(message.From.ID, 10)
		msg.SenderName = senderName(message.From)
		msg.IsBotMessage = message.From.IsBot
	}

	if err := c.store.SaveMessage(ctx, msg); err != nil {
		c.logger.Error("Failed to save message",
			zap.Error(err),
			zap.String("message_id", msg.ID),
			zap.String("chat_jid", jid))
	}
}

// nextTimestamp keeps stored timestamps strictly increasing. Telegram dates
// have one second resolution.
func (c *Channel) nextTimestamp(ts time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts = ts.UTC()
	if !ts.After(c.lastTS) {
		ts = c.lastTS.Add(time.Microsecond)
	}
	c.lastTS = ts
	return ts
}

// translateMention rewrites an @mention of the bot into the trigger phrase
// so trigger-gated conversations dispatch on it.
func (c *Channel) translateMention(content string) string {
	c.mu.Lock()
	username := c.botUsername
	c.mu.Unlock()
	if username == "" || c.cfg.Trigger == "" {
		return content
	}
	lower := strings.ToLower(content)
	if !strings.Contains(lower, "@"+strings.ToLower(username)) {
		return content
	}
	if strings.HasPrefix(lower, strings.ToLower(c.cfg.Trigger)) {
		return content
	}
	return c.cfg.Trigger + " " + content
}

func messageContent(m *tgbotapi.Message) string {
	switch {
	case m.Text != "":
		return m.Text
	case len(m.Photo) > 0:
		return withCaption("[Photo]", m.Caption)
	case m.Video != nil:
		return withCaption("[Video]", m.Caption)
	case m.Voice != nil:
		return "[Voice message]"
	case m.Audio != nil:
		return withCaption("[Audio]", m.Caption)
	case m.Document != nil:
		return withCaption("[Document: "+m.Document.FileName+"]", m.Caption)
	case m.Sticker != nil:
		return "[Sticker " + m.Sticker.Emoji + "]"
	case m.Location != nil:
		return "[Location]"
	case m.Contact != nil:
		return "[Contact]"
	}
	return m.Caption
}

func withCaption(placeholder, caption string) string {
	if caption == "" {
		return placeholder
	}
	return placeholder + " " + caption
}

func senderName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	if u.UserName != "" {
		return u.UserName
	}
	return strconv.FormatInt(u.ID, 10)
}

func chatName(chat *tgbotapi.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	return strings.TrimSpace(chat.FirstName + " " + chat.LastName)
}

func (c *Channel) reply(chatID int64, text string) {
	c.mu.Lock()
	api := c.api
	c.mu.Unlock()
	if _, err := api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		c.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

// SendMessage sends text, split into as many messages as Telegram needs.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) error {
	id, err := chatID(jid)
	if err != nil {
		return err
	}
	c.mu.Lock()
	api := c.api
	c.mu.Unlock()
	if api == nil {
		return errors.New("telegram is not connected")
	}
	for _, part := range splitMessage(text, maxMessageLength) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := api.Send(tgbotapi.NewMessage(id, part)); err != nil {
			return fmt.Errorf("failed to send message to %s: %w", jid, err)
		}
	}
	return nil
}

func (c *Channel) SetTyping(ctx context.Context, jid string, typing bool) error {
	if !typing {
		// Telegram clears the indicator on its own
		return nil
	}
	id, err := chatID(jid)
	if err != nil {
		return err
	}
	c.mu.Lock()
	api := c.api
	c.mu.Unlock()
	if api == nil {
		return errors.New("telegram is not connected")
	}
	_, err = api.Request(tgbotapi.NewChatAction(id, tgbotapi.ChatTyping))
	return err
}

// splitMessage cuts text into parts of at most limit runes, preferring to
// break after a newline.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i >= limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
