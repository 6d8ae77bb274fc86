// Package workspace resolves the host directories that belong to a conversation.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xaenox/sandbot/pkg/config"
)

// Layout maps conversation folders onto host paths. All paths are absolute.
type Layout struct {
	ProjectRoot      string
	DataDir          string
	ConversationsDir string
	SharedNotesDir   string
	ToolingDir       string
}

// NewLayout resolves the sandbox directories of cfg against its project root.
func NewLayout(cfg config.SandboxConfig) (Layout, error) {
	root, err := filepath.Abs(cfg.ProjectRoot)
	if err != nil {
		return Layout{}, fmt.Errorf("failed to resolve project root: %w", err)
	}
	resolve := func(p string) string {
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Join(root, p)
	}
	return Layout{
		ProjectRoot:      root,
		DataDir:          resolve(cfg.DataDir),
		ConversationsDir: resolve(cfg.ConversationsDir),
		SharedNotesDir:   resolve(cfg.SharedNotesDir),
		ToolingDir:       resolve(cfg.ToolingDir),
	}, nil
}

func (l Layout) ConversationDir(folder string) string {
	return filepath.Join(l.ConversationsDir, folder)
}

func (l Layout) LogsDir(folder string) string {
	return filepath.Join(l.ConversationDir(folder), "logs")
}

func (l Layout) SessionDir(folder string) string {
	return filepath.Join(l.DataDir, "sessions", folder)
}

func (l Layout) MailboxDir(folder string) string {
	return filepath.Join(l.DataDir, "mailbox", folder)
}

func (l Layout) RequestsDir(folder string) string {
	return filepath.Join(l.MailboxDir(folder), "requests")
}

func (l Layout) SnapshotsDir(folder string) string {
	return filepath.Join(l.MailboxDir(folder), "snapshots")
}

func (l Layout) ErrorsDir(folder string) string {
	return filepath.Join(l.MailboxDir(folder), "errors")
}

// Ensure creates every directory a conversation folder needs.
func (l Layout) Ensure(folder string) error {
	dirs := []string{
		l.ConversationDir(folder),
		l.LogsDir(folder),
		l.SessionDir(folder),
		l.RequestsDir(folder),
		l.SnapshotsDir(folder),
		l.ErrorsDir(folder),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
