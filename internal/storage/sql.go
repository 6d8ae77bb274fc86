package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/xaenox/sandbot/internal/models"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

const globalCursorKey = "last_timestamp"

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// SQLStorage implements Storage on database/sql. The same queries serve
// sqlite and postgres; placeholders are rebound for postgres.
type SQLStorage struct {
	db       *sql.DB
	postgres bool
	logger   *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*SQLStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	return newSQLStorage(db, true, logger)
}

// NewSQLiteStorage opens (creating if needed) the sqlite database at path.
func NewSQLiteStorage(path string, logger *zap.Logger) (*SQLStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s, err := newSQLStorage(db, false, logger)
	if err != nil {
		return nil, err
	}
	_ = os.Chmod(path, 0600)
	return s, nil
}

func newSQLStorage(db *sql.DB, postgres bool, logger *zap.Logger) (*SQLStorage, error) {
	s := &SQLStorage{db: db, postgres: postgres, logger: logger}
	if err := s.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}
	return s, nil
}

func (s *SQLStorage) initializeSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}
	return nil
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStorage) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStorage) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStorage) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStorage) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// Conversations

func (s *SQLStorage) RegisterConversation(ctx context.Context, conv *models.Conversation) error {
	settings, err := json.Marshal(conv.Settings)
	if err != nil {
		return fmt.Errorf("error encoding settings: %w", err)
	}
	if conv.AddedAt.IsZero() {
		conv.AddedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO conversations (jid, name, folder, trigger_phrase, requires_trigger, is_main, added_at, settings_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (jid) DO UPDATE SET
			name = excluded.name,
			folder = excluded.folder,
			trigger_phrase = excluded.trigger_phrase,
			requires_trigger = excluded.requires_trigger,
			is_main = excluded.is_main,
			settings_json = excluded.settings_json`

	_, err = s.exec(ctx, query,
		conv.JID, conv.Name, conv.Folder, conv.Trigger,
		conv.RequiresTrigger, conv.IsMain, toNanos(conv.AddedAt), string(settings))
	if err != nil {
		return fmt.Errorf("error registering conversation: %w", err)
	}
	return nil
}

func (s *SQLStorage) UnregisterConversation(ctx context.Context, jid string) error {
	result, err := s.exec(ctx, `DELETE FROM conversations WHERE jid = ?`, jid)
	if err != nil {
		return fmt.Errorf("error unregistering conversation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

const conversationColumns = `jid, name, folder, trigger_phrase, requires_trigger, is_main, added_at, settings_json`

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var addedAt int64
	var settings string
	if err := row.Scan(&conv.JID, &conv.Name, &conv.Folder, &conv.Trigger,
		&conv.RequiresTrigger, &conv.IsMain, &addedAt, &settings); err != nil {
		return nil, err
	}
	conv.AddedAt = fromNanos(addedAt)
	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &conv.Settings); err != nil {
			return nil, fmt.Errorf("error decoding settings of %s: %w", conv.JID, err)
		}
	}
	return conv, nil
}

func (s *SQLStorage) GetConversation(ctx context.Context, jid string) (*models.Conversation, error) {
	row := s.queryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE jid = ?`, jid)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLStorage) ListConversations(ctx context.Context) ([]*models.Conversation, error) {
	rows, err := s.query(ctx, `SELECT `+conversationColumns+` FROM conversations ORDER BY added_at, jid`)
	if err != nil {
		return nil, fmt.Errorf("error querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// Messages

func (s *SQLStorage) SaveMessage(ctx context.Context, msg *models.Message) error {
	query := `
		INSERT INTO messages (id, chat_jid, sender, sender_name, content, ts, is_from_me, is_bot_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, chat_jid) DO NOTHING`

	_, err := s.exec(ctx, query,
		msg.ID, msg.ChatJID, msg.Sender, msg.SenderName, msg.Content,
		toNanos(msg.Timestamp), msg.IsFromMe, msg.IsBotMessage)
	if err != nil {
		return fmt.Errorf("error saving message: %w", err)
	}
	return nil
}

const messageColumns = `id, chat_jid, sender, sender_name, content, ts, is_from_me, is_bot_message`

func (s *SQLStorage) scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var ts int64
		if err := rows.Scan(&msg.ID, &msg.ChatJID, &msg.Sender, &msg.SenderName,
			&msg.Content, &ts, &msg.IsFromMe, &msg.IsBotMessage); err != nil {
			return nil, fmt.Errorf("error scanning message: %w", err)
		}
		msg.Timestamp = fromNanos(ts)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *SQLStorage) NewMessages(ctx context.Context, jids []string, since time.Time) ([]*models.Message, error) {
	if len(jids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(jids)), ", ")
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE ts > ? AND is_bot_message = ? AND chat_jid IN (` + placeholders + `)
		ORDER BY ts, id`

	args := make([]any, 0, len(jids)+2)
	args = append(args, toNanos(since), false)
	for _, jid := range jids {
		args = append(args, jid)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying new messages: %w", err)
	}
	return s.scanMessages(rows)
}

func (s *SQLStorage) MessagesSince(ctx context.Context, jid string, since time.Time) ([]*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE chat_jid = ? AND ts > ? AND is_bot_message = ?
		ORDER BY ts, id`

	rows, err := s.query(ctx, query, jid, toNanos(since), false)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	return s.scanMessages(rows)
}

func (s *SQLStorage) RecentActivity(ctx context.Context, limit int) ([]models.ChatActivity, error) {
	query := `
		SELECT m.chat_jid, COALESCE(c.name, ''), MAX(m.ts), COUNT(*)
		FROM messages m LEFT JOIN conversations c ON c.jid = m.chat_jid
		GROUP BY m.chat_jid, c.name
		ORDER BY MAX(m.ts) DESC
		LIMIT ?`

	rows, err := s.query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying activity: %w", err)
	}
	defer rows.Close()

	var activity []models.ChatActivity
	for rows.Next() {
		var a models.ChatActivity
		var last int64
		if err := rows.Scan(&a.ChatJID, &a.Name, &last, &a.MessageCount); err != nil {
			return nil, fmt.Errorf("error scanning activity: %w", err)
		}
		a.LastMessage = fromNanos(last)
		activity = append(activity, a)
	}
	return activity, rows.Err()
}

// Cursors

// GlobalCursor returns the global watermark. A malformed record is reset to
// the zero time instead of failing the dispatch loop.
func (s *SQLStorage) GlobalCursor(ctx context.Context) (time.Time, error) {
	var value string
	err := s.queryRow(ctx, `SELECT value FROM router_state WHERE key = ?`, globalCursorKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("error querying global cursor: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		s.logger.Warn("Malformed global cursor, resetting",
			zap.String("value", value),
			zap.Error(err))
		return time.Time{}, nil
	}
	return ts.UTC(), nil
}

func (s *SQLStorage) SetGlobalCursor(ctx context.Context, ts time.Time) error {
	query := `
		INSERT INTO router_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`

	if _, err := s.exec(ctx, query, globalCursorKey, ts.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("error saving global cursor: %w", err)
	}
	return nil
}

func (s *SQLStorage) AppliedCursor(ctx context.Context, jid string) (time.Time, error) {
	var applied int64
	err := s.queryRow(ctx, `SELECT applied FROM cursors WHERE chat_jid = ?`, jid).Scan(&applied)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("error querying applied cursor: %w", err)
	}
	return fromNanos(applied), nil
}

func (s *SQLStorage) SetAppliedCursor(ctx context.Context, jid string, ts time.Time) error {
	query := `
		INSERT INTO cursors (chat_jid, applied) VALUES (?, ?)
		ON CONFLICT (chat_jid) DO UPDATE SET applied = excluded.applied`

	if _, err := s.exec(ctx, query, jid, toNanos(ts)); err != nil {
		return fmt.Errorf("error saving applied cursor: %w", err)
	}
	return nil
}

// Sessions

func (s *SQLStorage) GetSession(ctx context.Context, folder string) (string, error) {
	var sessionID string
	err := s.queryRow(ctx, `SELECT session_id FROM sessions WHERE folder = ?`, folder).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("error querying session: %w", err)
	}
	return sessionID, nil
}

func (s *SQLStorage) SetSession(ctx context.Context, folder, sessionID string) error {
	query := `
		INSERT INTO sessions (folder, session_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (folder) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`

	if _, err := s.exec(ctx, query, folder, sessionID, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("error saving session: %w", err)
	}
	return nil
}

// Tasks

const taskColumns = `id, chat_jid, folder, prompt, schedule_type, schedule_value, context_mode,
	model, max_budget_usd, next_run, last_run, last_result, status, created_at`

func scanTask(row scanner) (*models.Task, error) {
	task := &models.Task{}
	var nextRun, lastRun sql.NullInt64
	var createdAt int64
	err := row.Scan(&task.ID, &task.ChatJID, &task.Folder, &task.Prompt,
		&task.ScheduleType, &task.ScheduleValue, &task.ContextMode,
		&task.Model, &task.MaxBudgetUSD, &nextRun, &lastRun,
		&task.LastResult, &task.Status, &createdAt)
	if err != nil {
		return nil, err
	}
	task.NextRun = fromNullNanos(nextRun)
	task.LastRun = fromNullNanos(lastRun)
	task.CreatedAt = fromNanos(createdAt)
	return task, nil
}

func (s *SQLStorage) CreateTask(ctx context.Context, task *models.Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO scheduled_tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.exec(ctx, query,
		task.ID, task.ChatJID, task.Folder, task.Prompt,
		string(task.ScheduleType), task.ScheduleValue, string(task.ContextMode),
		task.Model, task.MaxBudgetUSD, toNullNanos(task.NextRun), toNullNanos(task.LastRun),
		task.LastResult, string(task.Status), toNanos(task.CreatedAt))
	if err != nil {
		return fmt.Errorf("error creating task: %w", err)
	}
	return nil
}

func (s *SQLStorage) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := scanTask(s.queryRow(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying task: %w", err)
	}
	return task, nil
}

func (s *SQLStorage) scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *SQLStorage) ListTasks(ctx context.Context, chatJID string) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM scheduled_tasks`
	var args []any
	if chatJID != "" {
		query += ` WHERE chat_jid = ?`
		args = append(args, chatJID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying tasks: %w", err)
	}
	return s.scanTasks(rows)
}

func (s *SQLStorage) DueTasks(ctx context.Context, now time.Time) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM scheduled_tasks
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run, id`

	rows, err := s.query(ctx, query, string(models.TaskActive), toNanos(now))
	if err != nil {
		return nil, fmt.Errorf("error querying due tasks: %w", err)
	}
	return s.scanTasks(rows)
}

func (s *SQLStorage) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	result, err := s.exec(ctx, `UPDATE scheduled_tasks SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("error updating task status: %w", err)
	}
	return expectOneRow(result)
}

func (s *SQLStorage) UpdateTaskAfterRun(ctx context.Context, id string, nextRun *time.Time, lastRun time.Time, lastResult string, status models.TaskStatus) error {
	query := `
		UPDATE scheduled_tasks
		SET next_run = ?, last_run = ?, last_result = ?, status = ?
		WHERE id = ?`

	result, err := s.exec(ctx, query, toNullNanos(nextRun), toNanos(lastRun), lastResult, string(status), id)
	if err != nil {
		return fmt.Errorf("error updating task after run: %w", err)
	}
	return expectOneRow(result)
}

func (s *SQLStorage) DeleteTask(ctx context.Context, id string) error {
	result, err := s.exec(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("error deleting task: %w", err)
	}
	return expectOneRow(result)
}

func expectOneRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStorage) LogTaskRun(ctx context.Context, run *models.TaskRunLog) error {
	query := `
		INSERT INTO task_run_logs (id, task_id, run_at, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.exec(ctx, query,
		run.ID, run.TaskID, toNanos(run.RunAt), run.Duration.Milliseconds(),
		string(run.Status), run.Result, run.Error)
	if err != nil {
		return fmt.Errorf("error logging task run: %w", err)
	}
	return nil
}

func (s *SQLStorage) TaskRuns(ctx context.Context, taskID string, limit int) ([]*models.TaskRunLog, error) {
	query := `
		SELECT id, task_id, run_at, duration_ms, status, result, error
		FROM task_run_logs WHERE task_id = ?
		ORDER BY run_at DESC, id DESC
		LIMIT ?`

	rows, err := s.query(ctx, query, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying task runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.TaskRunLog
	for rows.Next() {
		run := &models.TaskRunLog{}
		var runAt, durationMs int64
		if err := rows.Scan(&run.ID, &run.TaskID, &runAt, &durationMs,
			&run.Status, &run.Result, &run.Error); err != nil {
			return nil, fmt.Errorf("error scanning task run: %w", err)
		}
		run.RunAt = fromNanos(runAt)
		run.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Usage

func (s *SQLStorage) RecordUsage(ctx context.Context, entry *models.UsageEntry) error {
	query := `
		INSERT INTO usage_ledger (id, chat_jid, model, input_tokens, output_tokens,
			cache_read_tokens, cache_write_tokens, cost_usd, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	u := entry.Usage
	_, err := s.exec(ctx, query,
		entry.ID, entry.ChatJID, entry.Model, u.InputTokens, u.OutputTokens,
		u.CacheReadTokens, u.CacheWriteTokens, u.CostUSD, toNanos(entry.StartedAt))
	if err != nil {
		return fmt.Errorf("error recording usage: %w", err)
	}
	return nil
}

func (s *SQLStorage) UsageBetween(ctx context.Context, from, to time.Time) ([]*models.UsageEntry, error) {
	query := `
		SELECT id, chat_jid, model, input_tokens, output_tokens,
			cache_read_tokens, cache_write_tokens, cost_usd, started_at
		FROM usage_ledger
		WHERE started_at >= ? AND started_at < ?
		ORDER BY started_at`

	rows, err := s.query(ctx, query, toNanos(from), toNanos(to))
	if err != nil {
		return nil, fmt.Errorf("error querying usage: %w", err)
	}
	defer rows.Close()

	var entries []*models.UsageEntry
	for rows.Next() {
		e := &models.UsageEntry{}
		var startedAt int64
		if err := rows.Scan(&e.ID, &e.ChatJID, &e.Model, &e.Usage.InputTokens, &e.Usage.OutputTokens,
			&e.Usage.CacheReadTokens, &e.Usage.CacheWriteTokens, &e.Usage.CostUSD, &startedAt); err != nil {
			return nil, fmt.Errorf("error scanning usage: %w", err)
		}
		e.StartedAt = fromNanos(startedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
