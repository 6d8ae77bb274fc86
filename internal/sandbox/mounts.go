package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xaenox/sandbot/internal/models"
	"github.com/xaenox/sandbot/internal/workspace"
)

// Paths inside the sandbox.
const (
	ProjectPath      = "/workspace/project"
	ConversationPath = "/workspace/conversation"
	SharedPath       = "/workspace/shared"
	ToolsPath        = "/workspace/tools"
	ExtraPath        = "/workspace/extra"
	SessionPath      = "/home/sandbox/.session"
	RequestsPath     = "/workspace/mailbox/requests"
	SnapshotsPath    = "/workspace/mailbox/snapshots"
)

var ErrMountRejected = errors.New("mount rejected")

// blockedPatterns never become visible inside a sandbox, whatever the allowlist says.
var blockedPatterns = []string{
	".ssh", ".gnupg", ".gpg", ".aws", ".azure", ".gcloud", ".kube", ".docker",
	".env", ".netrc", ".npmrc", ".pypirc", "credentials", "id_rsa", "id_ed25519",
	"private_key", ".secret",
}

type Mount struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      bool   `json:"read_only"`
}

// MountOptions carries the configuration a mount set is computed from.
type MountOptions struct {
	Layout    workspace.Layout
	Allowlist []string
	// Masked host files hidden from the main conversation's project mount.
	Masked []string
}

// BuildMounts computes the mount set for one invocation. Rejected extra grants
// are returned as errors alongside the mounts that were accepted.
func BuildMounts(opts MountOptions, conv *models.Conversation) ([]Mount, []error) {
	l := opts.Layout
	var mounts []Mount

	if conv.IsMain {
		mounts = append(mounts, Mount{HostPath: l.ProjectRoot, ContainerPath: ProjectPath})
		for _, masked := range opts.Masked {
			abs, err := filepath.Abs(masked)
			if err != nil {
				continue
			}
			rel, err := filepath.Rel(l.ProjectRoot, abs)
			if err != nil || !within(rel) {
				continue
			}
			if _, err := os.Stat(abs); err != nil {
				continue
			}
			mounts = append(mounts, Mount{
				HostPath:      os.DevNull,
				ContainerPath: filepath.Join(ProjectPath, rel),
				ReadOnly:      true,
			})
		}
		mounts = append(mounts, Mount{HostPath: l.ConversationDir(conv.Folder), ContainerPath: ConversationPath})
	} else {
		mounts = append(mounts, Mount{HostPath: l.ConversationDir(conv.Folder), ContainerPath: ConversationPath})
		if dirExists(l.SharedNotesDir) {
			mounts = append(mounts, Mount{HostPath: l.SharedNotesDir, ContainerPath: SharedPath, ReadOnly: true})
		}
		if dirExists(l.ToolingDir) {
			mounts = append(mounts, Mount{HostPath: l.ToolingDir, ContainerPath: ToolsPath, ReadOnly: true})
		}
	}

	mounts = append(mounts,
		Mount{HostPath: l.SessionDir(conv.Folder), ContainerPath: SessionPath},
		Mount{HostPath: l.RequestsDir(conv.Folder), ContainerPath: RequestsPath},
		Mount{HostPath: l.SnapshotsDir(conv.Folder), ContainerPath: SnapshotsPath, ReadOnly: true},
	)

	var rejected []error
	for _, grant := range conv.Settings.Mounts {
		m, err := ValidateGrant(grant, opts.Allowlist, conv.IsMain)
		if err != nil {
			rejected = append(rejected, err)
			continue
		}
		mounts = append(mounts, m)
	}
	return mounts, rejected
}

// ValidateGrant checks an extra mount against the allowlist and the blocked
// patterns. Grants of non-main conversations are always read-only.
func ValidateGrant(grant models.MountGrant, allowlist []string, isMain bool) (Mount, error) {
	if grant.HostPath == "" {
		return Mount{}, fmt.Errorf("%w: empty host path", ErrMountRejected)
	}
	host, err := filepath.Abs(expandHome(grant.HostPath))
	if err != nil {
		return Mount{}, fmt.Errorf("%w: %s: %v", ErrMountRejected, grant.HostPath, err)
	}
	if resolved, err := filepath.EvalSymlinks(host); err == nil {
		host = resolved
	} else {
		return Mount{}, fmt.Errorf("%w: %s does not exist", ErrMountRejected, grant.HostPath)
	}

	for _, part := range strings.Split(strings.ToLower(host), string(filepath.Separator)) {
		for _, blocked := range blockedPatterns {
			if strings.Contains(part, blocked) {
				return Mount{}, fmt.Errorf("%w: %s matches blocked pattern %q", ErrMountRejected, grant.HostPath, blocked)
			}
		}
	}

	allowed := false
	for _, root := range allowlist {
		rootAbs, err := filepath.Abs(expandHome(root))
		if err != nil {
			continue
		}
		if resolved, err := filepath.EvalSymlinks(rootAbs); err == nil {
			rootAbs = resolved
		}
		if rel, err := filepath.Rel(rootAbs, host); err == nil && within(rel) {
			allowed = true
			break
		}
	}
	if !allowed {
		return Mount{}, fmt.Errorf("%w: %s is outside the mount allowlist", ErrMountRejected, grant.HostPath)
	}

	target := grant.ContainerPath
	if target == "" {
		target = filepath.Base(host)
	}
	if !filepath.IsLocal(target) {
		return Mount{}, fmt.Errorf("%w: container path %q must be relative", ErrMountRejected, target)
	}

	return Mount{
		HostPath:      host,
		ContainerPath: filepath.Join(ExtraPath, target),
		ReadOnly:      grant.ReadOnly || !isMain,
	}, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func dirExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// within reports whether a filepath.Rel result stays inside its base. Names
// that merely start with two dots, like "..cache", are inside.
func within(rel string) bool {
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
