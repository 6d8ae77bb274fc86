package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/sandbot/internal/models"
	"go.uber.org/zap/zaptest"
)

func eachStorage(t *testing.T, fn func(t *testing.T, s Storage)) {
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "sandbot.db"), zaptest.NewLogger(t))
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStorage())
	})
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestConversations(t *testing.T) {
	eachStorage(t, func(t *testing.T, s Storage) {
		ctx := context.Background()

		conv := &models.Conversation{
			JID:             "tg:100",
			Name:            "Alpha",
			Folder:          "alpha",
			Trigger:         "@Bot",
			RequiresTrigger: true,
			Settings: models.ConversationSettings{
				CredentialScopes: []string{"calendar"},
				Timeout:          10 * time.Minute,
				Mounts:           []models.MountGrant{{HostPath: "/srv/docs", ReadOnly: true}},
			},
		}
		require.NoError(t, s.RegisterConversation(ctx, conv))

		got, err := s.GetConversation(ctx, "tg:100")
		require.NoError(t, err)
		assert.Equal(t, "Alpha", got.Name)
		assert.True(t, got.RequiresTrigger)
		assert.False(t, got.IsMain)
		assert.Equal(t, []string{"calendar"}, got.Settings.CredentialScopes)
		assert.Equal(t, 10*time.Minute, got.Settings.Timeout)
		require.Len(t, got.Settings.Mounts, 1)
		assert.Equal(t, "/srv/docs", got.Settings.Mounts[0].HostPath)

		conv.Name = "Alpha Team"
		require.NoError(t, s.RegisterConversation(ctx, conv))
		convs, err := s.ListConversations(ctx)
		require.NoError(t, err)
		require.Len(t, convs, 1)
		assert.Equal(t, "Alpha Team", convs[0].Name)

		require.NoError(t, s.UnregisterConversation(ctx, "tg:100"))
		_, err = s.GetConversation(ctx, "tg:100")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.UnregisterConversation(ctx, "tg:100"), ErrNotFound)
	})
}

func TestMessages(t *testing.T) {
	eachStorage(t, func(t *testing.T, s Storage) {
		ctx := context.Background()

		msgs := []*models.Message{
			{ID: "1", ChatJID: "tg:1", Sender: "u1", Content: "hi", Timestamp: base.Add(1 * time.Second)},
			{ID: "2", ChatJID: "tg:2", Sender: "u2", Content: "yo", Timestamp: base.Add(2 * time.Second)},
			{ID: "3", ChatJID: "tg:1", Sender: "bot", Content: "reply", Timestamp: base.Add(3 * time.Second), IsBotMessage: true, IsFromMe: true},
			{ID: "4", ChatJID: "tg:1", Sender: "u1", Content: "again", Timestamp: base.Add(4 * time.Second)},
			{ID: "5", ChatJID: "tg:9", Sender: "u9", Content: "unregistered", Timestamp: base.Add(5 * time.Second)},
		}
		for _, m := range msgs {
			require.NoError(t, s.SaveMessage(ctx, m))
		}
		// duplicates are ignored
		require.NoError(t, s.SaveMessage(ctx, &models.Message{ID: "1", ChatJID: "tg:1", Content: "changed", Timestamp: base}))

		got, err := s.NewMessages(ctx, []string{"tg:1", "tg:2"}, base)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []string{"1", "2", "4"}, []string{got[0].ID, got[1].ID, got[2].ID})
		assert.Equal(t, "hi", got[0].Content)
		assert.True(t, got[0].Timestamp.Equal(base.Add(time.Second)))

		got, err = s.MessagesSince(ctx, "tg:1", base.Add(1*time.Second))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "4", got[0].ID)

		none, err := s.NewMessages(ctx, nil, base)
		require.NoError(t, err)
		assert.Empty(t, none)

		activity, err := s.RecentActivity(ctx, 2)
		require.NoError(t, err)
		require.Len(t, activity, 2)
		assert.Equal(t, "tg:9", activity[0].ChatJID)
		assert.Equal(t, "tg:1", activity[1].ChatJID)
		assert.Equal(t, 3, activity[1].MessageCount)
	})
}

func TestCursorsAndSessions(t *testing.T) {
	eachStorage(t, func(t *testing.T, s Storage) {
		ctx := context.Background()

		global, err := s.GlobalCursor(ctx)
		require.NoError(t, err)
		assert.True(t, global.IsZero())

		require.NoError(t, s.SetGlobalCursor(ctx, base.Add(time.Millisecond)))
		global, err = s.GlobalCursor(ctx)
		require.NoError(t, err)
		assert.True(t, global.Equal(base.Add(time.Millisecond)))

		applied, err := s.AppliedCursor(ctx, "tg:1")
		require.NoError(t, err)
		assert.True(t, applied.IsZero())

		require.NoError(t, s.SetAppliedCursor(ctx, "tg:1", base))
		applied, err = s.AppliedCursor(ctx, "tg:1")
		require.NoError(t, err)
		assert.True(t, applied.Equal(base))

		session, err := s.GetSession(ctx, "alpha")
		require.NoError(t, err)
		assert.Empty(t, session)
		require.NoError(t, s.SetSession(ctx, "alpha", "sess-1"))
		require.NoError(t, s.SetSession(ctx, "alpha", "sess-2"))
		session, err = s.GetSession(ctx, "alpha")
		require.NoError(t, err)
		assert.Equal(t, "sess-2", session)
	})
}

func TestMalformedGlobalCursorResets(t *testing.T) {
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "sandbot.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.db.Exec(`INSERT INTO router_state (key, value) VALUES (?, ?)`, globalCursorKey, "{not a timestamp")
	require.NoError(t, err)

	global, err := s.GlobalCursor(context.Background())
	require.NoError(t, err)
	assert.True(t, global.IsZero())
}

func TestTasks(t *testing.T) {
	eachStorage(t, func(t *testing.T, s Storage) {
		ctx := context.Background()

		due := base.Add(-time.Minute)
		later := base.Add(time.Hour)
		tasks := []*models.Task{
			{ID: "t1", ChatJID: "tg:1", Folder: "alpha", Prompt: "daily", ScheduleType: models.ScheduleCron,
				ScheduleValue: "0 9 * * *", ContextMode: models.ContextIsolated, NextRun: &due, Status: models.TaskActive, CreatedAt: base},
			{ID: "t2", ChatJID: "tg:1", Folder: "alpha", Prompt: "later", ScheduleType: models.ScheduleOnce,
				ScheduleValue: later.Format(time.RFC3339), NextRun: &later, Status: models.TaskActive, CreatedAt: base.Add(time.Second)},
			{ID: "t3", ChatJID: "tg:2", Folder: "beta", Prompt: "paused", ScheduleType: models.ScheduleInterval,
				ScheduleValue: "1h", NextRun: &due, Status: models.TaskPaused, CreatedAt: base.Add(2 * time.Second)},
		}
		for _, task := range tasks {
			require.NoError(t, s.CreateTask(ctx, task))
		}

		dueTasks, err := s.DueTasks(ctx, base)
		require.NoError(t, err)
		require.Len(t, dueTasks, 1)
		assert.Equal(t, "t1", dueTasks[0].ID)
		assert.Equal(t, models.ContextIsolated, dueTasks[0].ContextMode)

		list, err := s.ListTasks(ctx, "tg:1")
		require.NoError(t, err)
		assert.Len(t, list, 2)
		all, err := s.ListTasks(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)

		next := base.Add(24 * time.Hour)
		require.NoError(t, s.UpdateTaskAfterRun(ctx, "t1", &next, base, "done", models.TaskActive))
		got, err := s.GetTask(ctx, "t1")
		require.NoError(t, err)
		require.NotNil(t, got.NextRun)
		assert.True(t, got.NextRun.Equal(next))
		require.NotNil(t, got.LastRun)
		assert.Equal(t, "done", got.LastResult)

		require.NoError(t, s.UpdateTaskAfterRun(ctx, "t2", nil, base, "", models.TaskCompleted))
		got, err = s.GetTask(ctx, "t2")
		require.NoError(t, err)
		assert.Nil(t, got.NextRun)
		assert.Equal(t, models.TaskCompleted, got.Status)

		require.NoError(t, s.UpdateTaskStatus(ctx, "t3", models.TaskActive))
		dueTasks, err = s.DueTasks(ctx, base)
		require.NoError(t, err)
		require.Len(t, dueTasks, 1)
		assert.Equal(t, "t3", dueTasks[0].ID)

		assert.ErrorIs(t, s.UpdateTaskStatus(ctx, "missing", models.TaskPaused), ErrNotFound)
		require.NoError(t, s.DeleteTask(ctx, "t3"))
		_, err = s.GetTask(ctx, "t3")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.LogTaskRun(ctx, &models.TaskRunLog{ID: "r1", TaskID: "t1", RunAt: base, Duration: 1500 * time.Millisecond, Status: models.RunSuccess, Result: "ok"}))
		require.NoError(t, s.LogTaskRun(ctx, &models.TaskRunLog{ID: "r2", TaskID: "t1", RunAt: base.Add(time.Hour), Duration: time.Second, Status: models.RunError, Error: "boom"}))
		runs, err := s.TaskRuns(ctx, "t1", 10)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "r2", runs[0].ID)
		assert.Equal(t, models.RunError, runs[0].Status)
		assert.Equal(t, 1500*time.Millisecond, runs[1].Duration)
	})
}

func TestUsageLedger(t *testing.T) {
	eachStorage(t, func(t *testing.T, s Storage) {
		ctx := context.Background()

		entries := []*models.UsageEntry{
			{ID: "u1", ChatJID: "tg:1", Model: "sonnet", StartedAt: base.Add(-25 * time.Hour), Usage: models.TokenUsage{InputTokens: 10}},
			{ID: "u2", ChatJID: "tg:1", Model: "sonnet", StartedAt: base, Usage: models.TokenUsage{InputTokens: 100, OutputTokens: 50, CostUSD: 1.25}},
			{ID: "u3", ChatJID: "tg:2", Model: "haiku", StartedAt: base.Add(time.Hour), Usage: models.TokenUsage{CacheReadTokens: 7, CacheWriteTokens: 3}},
		}
		for _, e := range entries {
			require.NoError(t, s.RecordUsage(ctx, e))
		}

		got, err := s.UsageBetween(ctx, base.Add(-time.Hour), base.Add(23*time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "u2", got[0].ID)
		assert.Equal(t, int64(50), got[0].Usage.OutputTokens)
		assert.InDelta(t, 1.25, got[0].Usage.CostUSD, 1e-9)
		assert.Equal(t, int64(3), got[1].Usage.CacheWriteTokens)
	})
}

func TestRebind(t *testing.T) {
	pg := &SQLStorage{postgres: true}
	assert.Equal(t, "SELECT a FROM b WHERE c = $1 AND d IN ($2, $3)", pg.rebind("SELECT a FROM b WHERE c = ? AND d IN (?, ?)"))

	lite := &SQLStorage{}
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
}
