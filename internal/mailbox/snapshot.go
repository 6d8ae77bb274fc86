package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xaenox/sandbot/internal/models"
)

const (
	TasksSnapshot         = "tasks.json"
	ConversationsSnapshot = "conversations.json"
	ActivitySnapshot      = "activity.json"
)

// rosterEntry is what a sandbox may learn about a registered conversation.
type rosterEntry struct {
	JID             string    `json:"jid"`
	Name            string    `json:"name"`
	Folder          string    `json:"folder"`
	Trigger         string    `json:"trigger"`
	RequiresTrigger bool      `json:"requires_trigger"`
	IsMain          bool      `json:"is_main"`
	AddedAt         time.Time `json:"added_at"`
}

// WriteSnapshots refreshes the read-only snapshots of conv. Only the main
// conversation sees other conversations.
func (b *Bridge) WriteSnapshots(ctx context.Context, conv *models.Conversation) error {
	dir := b.layout.SnapshotsDir(conv.Folder)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	scope := conv.JID
	if conv.IsMain {
		scope = ""
	}
	tasks, err := b.store.ListTasks(ctx, scope)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}

	roster := []rosterEntry{}
	activity := []models.ChatActivity{}
	if conv.IsMain {
		convs, err := b.store.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("failed to list conversations: %w", err)
		}
		for _, c := range convs {
			roster = append(roster, rosterEntry{
				JID:             c.JID,
				Name:            c.Name,
				Folder:          c.Folder,
				Trigger:         c.Trigger,
				RequiresTrigger: c.RequiresTrigger,
				IsMain:          c.IsMain,
				AddedAt:         c.AddedAt,
			})
		}
		recent, err := b.store.RecentActivity(ctx, b.recentActivity)
		if err != nil {
			return fmt.Errorf("failed to read recent activity: %w", err)
		}
		activity = append(activity, recent...)
	}

	files := map[string]any{
		TasksSnapshot:         tasks,
		ConversationsSnapshot: roster,
		ActivitySnapshot:      activity,
	}
	for name, v := range files {
		if err := writeJSONAtomic(filepath.Join(dir, name), v); err != nil {
			return err
		}
	}
	return nil
}

// writeJSONAtomic replaces path so readers never see a partial file.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
