package storage

import (
	"context"
	"errors"
	"time"

	"github.com/xaenox/sandbot/internal/models"
)

// ErrNotFound is returned when a conversation or task does not exist.
var ErrNotFound = errors.New("not found")

// Storage is the durable state of the orchestrator. Every mutation is a
// single-row upsert keyed by conversation, folder or task id.
type Storage interface {
	ConversationStorage
	MessageStorage
	CursorStorage
	SessionStorage
	TaskStorage
	UsageStorage
	Close() error
}

type ConversationStorage interface {
	RegisterConversation(ctx context.Context, conv *models.Conversation) error
	UnregisterConversation(ctx context.Context, jid string) error
	GetConversation(ctx context.Context, jid string) (*models.Conversation, error)
	ListConversations(ctx context.Context) ([]*models.Conversation, error)
}

type MessageStorage interface {
	// SaveMessage appends a message. Re-inserting an existing (id, chat) pair is a no-op.
	SaveMessage(ctx context.Context, msg *models.Message) error
	// NewMessages returns non-bot messages of the given chats timestamped after since, oldest first.
	NewMessages(ctx context.Context, jids []string, since time.Time) ([]*models.Message, error)
	// MessagesSince returns non-bot messages of one chat timestamped after since, oldest first.
	MessagesSince(ctx context.Context, jid string, since time.Time) ([]*models.Message, error)
	RecentActivity(ctx context.Context, limit int) ([]models.ChatActivity, error)
}

// CursorStorage holds the two watermarks of the dispatch model: the global
// "seen" watermark and the per-conversation "applied" watermark.
type CursorStorage interface {
	GlobalCursor(ctx context.Context) (time.Time, error)
	SetGlobalCursor(ctx context.Context, ts time.Time) error
	AppliedCursor(ctx context.Context, jid string) (time.Time, error)
	SetAppliedCursor(ctx context.Context, jid string, ts time.Time) error
}

type SessionStorage interface {
	// GetSession returns the continuation token of a folder, or "" when there is none.
	GetSession(ctx context.Context, folder string) (string, error)
	SetSession(ctx context.Context, folder, sessionID string) error
}

type TaskStorage interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	// ListTasks returns the tasks of one chat, or every task when chatJID is empty.
	ListTasks(ctx context.Context, chatJID string) ([]*models.Task, error)
	DueTasks(ctx context.Context, now time.Time) ([]*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error
	UpdateTaskAfterRun(ctx context.Context, id string, nextRun *time.Time, lastRun time.Time, lastResult string, status models.TaskStatus) error
	DeleteTask(ctx context.Context, id string) error
	LogTaskRun(ctx context.Context, run *models.TaskRunLog) error
	TaskRuns(ctx context.Context, taskID string, limit int) ([]*models.TaskRunLog, error)
}

type UsageStorage interface {
	RecordUsage(ctx context.Context, entry *models.UsageEntry) error
	// UsageBetween returns ledger entries with from <= StartedAt < to.
	UsageBetween(ctx context.Context, from, to time.Time) ([]*models.UsageEntry, error)
}
