package mailbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xaenox/sandbot/internal/models"
	"github.com/xaenox/sandbot/internal/storage"
	"github.com/xaenox/sandbot/internal/workspace"
	"github.com/xaenox/sandbot/pkg/config"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) Send(ctx context.Context, jid, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, jid+": "+text)
	return nil
}

type storeTasks struct{ store storage.Storage }

func (s storeTasks) CreateTask(ctx context.Context, conv *models.Conversation, task *models.Task) error {
	task.ID = "task-" + task.Prompt
	task.ChatJID = conv.JID
	task.Folder = conv.Folder
	task.Status = models.TaskActive
	return s.store.CreateTask(ctx, task)
}

type fixture struct {
	bridge *Bridge
	store  *storage.MemoryStorage
	sender *recordingSender
	layout workspace.Layout
	main   *models.Conversation
	family *models.Conversation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	layout, err := workspace.NewLayout(config.SandboxConfig{
		ProjectRoot:      root,
		DataDir:          "data",
		ConversationsDir: "conversations",
		SharedNotesDir:   "conversations/global",
		ToolingDir:       "tools",
	})
	require.NoError(t, err)

	store := storage.NewMemoryStorage()
	main := &models.Conversation{JID: "tg:1", Name: "me", Folder: "main", IsMain: true, Trigger: "@Andy"}
	family := &models.Conversation{JID: "tg:2", Name: "family", Folder: "family", Trigger: "@Andy", RequiresTrigger: true}
	for _, c := range []*models.Conversation{main, family} {
		require.NoError(t, store.RegisterConversation(ctx, c))
		require.NoError(t, layout.Ensure(c.Folder))
	}

	cfg := &config.Config{
		Assistant: config.AssistantConfig{Trigger: "@Andy"},
		Mailbox:   config.MailboxConfig{PollInterval: time.Second, RecentActivity: 10},
	}
	sender := &recordingSender{}
	b := New(cfg, store, layout, sender, storeTasks{store}, zaptest.NewLogger(t))
	return &fixture{bridge: b, store: store, sender: sender, layout: layout, main: main, family: family}
}

func (f *fixture) drop(t *testing.T, folder, name, body string) string {
	t.Helper()
	path := filepath.Join(f.layout.RequestsDir(folder), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func (f *fixture) rejected(folder, name string) bool {
	_, err := os.Stat(filepath.Join(f.layout.ErrorsDir(folder), name))
	return err == nil
}

func TestParseRequestToleratesComments(t *testing.T) {
	req, err := ParseRequest([]byte(`{
		// written by the agent
		"type": "message",
		"text": "hi",
	}`))
	require.NoError(t, err)
	assert.Equal(t, TypeMessage, req.Type)
	assert.Equal(t, "hi", req.Text)

	_, err = ParseRequest([]byte(`{"text": "no type"}`))
	assert.Error(t, err)
}

func TestMessageAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	own := f.drop(t, "family", "1.json", `{"type": "message", "text": "to myself"}`)
	f.drop(t, "family", "2.json", `{"type": "message", "chat_jid": "tg:1", "text": "sneaky"}`)
	f.drop(t, "main", "3.json", `{"type": "message", "chat_jid": "tg:2", "text": "from main"}`)

	require.NoError(t, f.bridge.Poll(ctx))

	assert.ElementsMatch(t, []string{"tg:2: to myself", "tg:2: from main"}, f.sender.sent)
	assert.NoFileExists(t, own)
	assert.True(t, f.rejected("family", "2.json"))
	assert.False(t, f.rejected("main", "3.json"))
}

func TestMalformedRequestMovesToErrors(t *testing.T) {
	f := newFixture(t)
	f.drop(t, "family", "bad.json", `{"type": `)
	f.drop(t, "family", ".partial.json", `{"type": "message", "text": "not yet"}`)

	require.NoError(t, f.bridge.Poll(context.Background()))
	assert.True(t, f.rejected("family", "bad.json"))
	assert.FileExists(t, filepath.Join(f.layout.RequestsDir("family"), ".partial.json"))
	assert.Empty(t, f.sender.sent)
}

func TestTaskRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.drop(t, "family", "1.json", `{"type": "schedule_task", "prompt": "water", "schedule_type": "cron", "schedule_value": "0 9 * * *"}`)
	require.NoError(t, f.bridge.Poll(ctx))

	task, err := f.store.GetTask(ctx, "task-water")
	require.NoError(t, err)
	assert.Equal(t, "tg:2", task.ChatJID)

	// the snapshot reflects the new task
	data, err := os.ReadFile(filepath.Join(f.layout.SnapshotsDir("family"), TasksSnapshot))
	require.NoError(t, err)
	var tasks []models.Task
	require.NoError(t, json.Unmarshal(data, &tasks))
	require.Len(t, tasks, 1)

	require.NoError(t, f.store.CreateTask(ctx, &models.Task{ID: "main-task", ChatJID: "tg:1", Status: models.TaskActive}))
	f.drop(t, "family", "2.json", `{"type": "pause_task", "task_id": "main-task"}`)
	f.drop(t, "family", "3.json", `{"type": "pause_task", "task_id": "task-water"}`)
	require.NoError(t, f.bridge.Poll(ctx))

	assert.True(t, f.rejected("family", "2.json"))
	task, err = f.store.GetTask(ctx, "task-water")
	require.NoError(t, err)
	assert.Equal(t, models.TaskPaused, task.Status)

	f.drop(t, "main", "4.json", `{"type": "cancel_task", "task_id": "task-water"}`)
	require.NoError(t, f.bridge.Poll(ctx))
	_, err = f.store.GetTask(ctx, "task-water")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRegisterConversationMainOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.drop(t, "family", "1.json", `{"type": "register_conversation", "chat_jid": "tg:3", "folder": "work"}`)
	f.drop(t, "main", "2.json", `{"type": "register_conversation", "chat_jid": "tg:4", "folder": "friends", "name": "Friends", "requires_trigger": false}`)
	f.drop(t, "main", "3.json", `{"type": "register_conversation", "chat_jid": "tg:5", "folder": "global"}`)
	require.NoError(t, f.bridge.Poll(ctx))

	assert.True(t, f.rejected("family", "1.json"))
	assert.True(t, f.rejected("main", "3.json"))

	conv, err := f.store.GetConversation(ctx, "tg:4")
	require.NoError(t, err)
	assert.Equal(t, "Friends", conv.Name)
	assert.Equal(t, "@Andy", conv.Trigger)
	assert.False(t, conv.RequiresTrigger)
	assert.DirExists(t, f.layout.ConversationDir("friends"))

	_, err = f.store.GetConversation(ctx, "tg:3")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSnapshotsAreScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateTask(ctx, &models.Task{ID: "a", ChatJID: "tg:1", Status: models.TaskActive}))
	require.NoError(t, f.store.CreateTask(ctx, &models.Task{ID: "b", ChatJID: "tg:2", Status: models.TaskActive}))
	require.NoError(t, f.store.SaveMessage(ctx, &models.Message{ID: "m1", ChatJID: "tg:2", Content: "hi", Timestamp: time.Now()}))

	require.NoError(t, f.bridge.WriteSnapshots(ctx, f.main))
	require.NoError(t, f.bridge.WriteSnapshots(ctx, f.family))

	read := func(folder, name string, v any) {
		data, err := os.ReadFile(filepath.Join(f.layout.SnapshotsDir(folder), name))
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, v))
	}

	var mainTasks, familyTasks []models.Task
	read("main", TasksSnapshot, &mainTasks)
	read("family", TasksSnapshot, &familyTasks)
	assert.Len(t, mainTasks, 2)
	require.Len(t, familyTasks, 1)
	assert.Equal(t, "b", familyTasks[0].ID)

	var mainRoster, familyRoster []rosterEntry
	read("main", ConversationsSnapshot, &mainRoster)
	read("family", ConversationsSnapshot, &familyRoster)
	assert.Len(t, mainRoster, 2)
	assert.Empty(t, familyRoster)

	var mainActivity, familyActivity []models.ChatActivity
	read("main", ActivitySnapshot, &mainActivity)
	read("family", ActivitySnapshot, &familyActivity)
	require.Len(t, mainActivity, 1)
	assert.Equal(t, "family", mainActivity[0].Name)
	assert.Empty(t, familyActivity)

	entries, err := os.ReadDir(f.layout.SnapshotsDir("main"))
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}
