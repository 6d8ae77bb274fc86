package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/xaenox/sandbot/pkg/config"
)

const (
	RuntimeDocker = "docker"
	RuntimeBwrap  = "bwrap"
	RuntimeDirect = "direct"
)

// inheritedEnv is the only part of the host environment a sandbox process sees.
var inheritedEnv = []string{"PATH", "HOME", "LANG", "TZ"}

// dockerClientEnv lets the docker CLI reach its daemon.
var dockerClientEnv = []string{"DOCKER_HOST", "DOCKER_CONFIG", "DOCKER_CONTEXT", "XDG_RUNTIME_DIR"}

type launch struct {
	runtime       string
	containerName string
	cmd           *exec.Cmd
}

func filteredEnv(keys ...[]string) []string {
	var env []string
	for _, group := range keys {
		for _, k := range group {
			if v, ok := os.LookupEnv(k); ok {
				env = append(env, k+"="+v)
			}
		}
	}
	return env
}

// buildLaunch prepares the command for one invocation. The process is placed
// in its own process group so termination reaches every descendant.
func buildLaunch(cfg config.SandboxConfig, mounts []Mount, containerName, workDir string, tz string) (*launch, error) {
	var cmd *exec.Cmd

	switch cfg.Runtime {
	case RuntimeDocker:
		args := []string{"run", "-i", "--rm", "--name", containerName}
		if cfg.Network != "" {
			args = append(args, "--network", cfg.Network)
		}
		if cfg.Memory != "" {
			args = append(args, "--memory", cfg.Memory)
		}
		if cfg.CPUs != "" {
			args = append(args, "--cpus", cfg.CPUs)
		}
		if tz != "" {
			args = append(args, "-e", "TZ="+tz)
		}
		for _, m := range mounts {
			spec := m.HostPath + ":" + m.ContainerPath
			if m.ReadOnly {
				spec += ":ro"
			}
			args = append(args, "-v", spec)
		}
		args = append(args, "-w", ConversationPath, cfg.Image)
		args = append(args, cfg.Command...)
		cmd = exec.Command("docker", args...)
		cmd.Env = filteredEnv(inheritedEnv, dockerClientEnv)

	case RuntimeBwrap:
		args := []string{
			"--die-with-parent", "--unshare-pid", "--unshare-ipc", "--new-session",
			"--clearenv",
			"--setenv", "HOME", "/home/sandbox",
			"--setenv", "PATH", "/usr/local/bin:/usr/bin:/bin",
			"--ro-bind", "/usr", "/usr",
			"--ro-bind-try", "/bin", "/bin",
			"--ro-bind-try", "/lib", "/lib",
			"--ro-bind-try", "/lib64", "/lib64",
			"--ro-bind-try", "/etc/resolv.conf", "/etc/resolv.conf",
			"--ro-bind-try", "/etc/ssl", "/etc/ssl",
			"--proc", "/proc",
			"--dev", "/dev",
			"--tmpfs", "/tmp",
		}
		if tz != "" {
			args = append(args, "--setenv", "TZ", tz)
		}
		if cfg.Network == "none" {
			args = append(args, "--unshare-net")
		}
		for _, m := range mounts {
			flag := "--bind"
			if m.ReadOnly {
				flag = "--ro-bind"
			}
			args = append(args, flag, m.HostPath, m.ContainerPath)
		}
		args = append(args, "--chdir", ConversationPath, "--")
		args = append(args, cfg.Command...)
		cmd = exec.Command("bwrap", args...)
		cmd.Env = filteredEnv(inheritedEnv)

	case RuntimeDirect:
		if len(cfg.Command) == 0 {
			return nil, fmt.Errorf("sandbox command is empty")
		}
		cmd = exec.Command(cfg.Command[0], cfg.Command[1:]...)
		cmd.Dir = workDir
		cmd.Env = filteredEnv(inheritedEnv)
		// no mount namespace, so tell the worker where its directories live
		for _, m := range mounts {
			switch m.ContainerPath {
			case SessionPath:
				cmd.Env = append(cmd.Env, "SANDBOT_SESSION_DIR="+m.HostPath)
			case ConversationPath:
				cmd.Env = append(cmd.Env, "SANDBOT_CONVERSATION_DIR="+m.HostPath)
			case RequestsPath:
				cmd.Env = append(cmd.Env, "SANDBOT_REQUESTS_DIR="+m.HostPath)
			case SnapshotsPath:
				cmd.Env = append(cmd.Env, "SANDBOT_SNAPSHOTS_DIR="+m.HostPath)
			}
		}
		if tz != "" {
			cmd.Env = append(cmd.Env, "TZ="+tz)
		}

	default:
		return nil, fmt.Errorf("unknown sandbox runtime %q", cfg.Runtime)
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return &launch{runtime: cfg.Runtime, containerName: containerName, cmd: cmd}, nil
}

// stop asks the sandbox to exit.
func (l *launch) stop(grace time.Duration) {
	if l.runtime == RuntimeDocker {
		secs := strconv.Itoa(int(grace.Seconds()))
		ctx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
		defer cancel()
		if err := exec.CommandContext(ctx, "docker", "stop", "-t", secs, l.containerName).Run(); err == nil {
			return
		}
	}
	l.signal(unix.SIGTERM)
}

// kill terminates the whole process group.
func (l *launch) kill() {
	if l.runtime == RuntimeDocker {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = exec.CommandContext(ctx, "docker", "kill", l.containerName).Run()
	}
	l.signal(unix.SIGKILL)
}

func (l *launch) signal(sig syscall.Signal) {
	if l.cmd.Process == nil {
		return
	}
	pid := l.cmd.Process.Pid
	if err := unix.Kill(-pid, sig); err != nil {
		_ = unix.Kill(pid, sig)
	}
}

func (l *launch) String() string {
	return strings.Join(l.cmd.Args, " ")
}
