package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/xaenox/sandbot/internal/credentials"
)

// LogExtension is the suffix of every invocation log file.
const LogExtension = ".log.zst"

// zstd encoders and decoders are safe for concurrent use
var (
	logEncoder *zstd.Encoder
	logDecoder *zstd.Decoder
)

func init() {
	var err error
	logEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("sandbox: zstd encoder initialization failed: " + err.Error())
	}
	logDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("sandbox: zstd decoder initialization failed: " + err.Error())
	}
}

type invocationLog struct {
	ID          string
	ChatJID     string
	Folder      string
	IsMain      bool
	Runtime     string
	Command     string
	Started     time.Time
	Duration    time.Duration
	ExitCode    int
	TimedOut    bool
	Outputs     int
	Dropped     int
	Fingerprint string
	PromptBytes int
	SessionID   string
	Mounts      []Mount
	Stderr      string
	Stdout      string
}

func (l *invocationLog) render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Sandbox invocation %s ===\n", l.ID)
	fmt.Fprintf(&b, "Started: %s\n", l.Started.Format(time.RFC3339))
	fmt.Fprintf(&b, "Conversation: %s (folder %s, main=%t)\n", l.ChatJID, l.Folder, l.IsMain)
	fmt.Fprintf(&b, "Runtime: %s\n", l.Runtime)
	fmt.Fprintf(&b, "Command: %s\n", l.Command)
	fmt.Fprintf(&b, "Duration: %s\n", l.Duration)
	fmt.Fprintf(&b, "Exit code: %d\n", l.ExitCode)
	fmt.Fprintf(&b, "Timed out: %t\n", l.TimedOut)
	fmt.Fprintf(&b, "Outputs: %d (dropped %d)\n", l.Outputs, l.Dropped)
	fmt.Fprintf(&b, "Credentials fingerprint: %s\n", l.Fingerprint)
	fmt.Fprintf(&b, "Prompt bytes: %d\n", l.PromptBytes)
	if l.SessionID != "" {
		fmt.Fprintf(&b, "Session: %s\n", l.SessionID)
	}
	b.WriteString("\n=== Mounts ===\n")
	for _, m := range l.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		fmt.Fprintf(&b, "%s -> %s (%s)\n", m.HostPath, m.ContainerPath, mode)
	}
	if l.Stderr != "" {
		b.WriteString("\n=== Stderr (tail) ===\n")
		b.WriteString(l.Stderr)
		b.WriteString("\n")
	}
	if l.Stdout != "" {
		b.WriteString("\n=== Stdout (tail) ===\n")
		b.WriteString(l.Stdout)
		b.WriteString("\n")
	}
	return b.String()
}

// writeInvocationLog scrubs credential values and stores the log compressed.
func writeInvocationLog(dir string, l *invocationLog, secrets credentials.Bundle) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	text := credentials.Scrub(l.render(), secrets)
	name := fmt.Sprintf("sandbox-%s-%s%s", l.Started.UTC().Format("20060102T150405"), l.ID[:8], LogExtension)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, logEncoder.EncodeAll([]byte(text), nil), 0600); err != nil {
		return "", fmt.Errorf("failed to write invocation log: %w", err)
	}
	return path, nil
}

// ReadLog returns the decompressed contents of an invocation log.
func ReadLog(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	plain, err := logDecoder.DecodeAll(data, nil)
	if err != nil {
		return "", fmt.Errorf("zstd decompress: %w", err)
	}
	return string(plain), nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max       int
	buf       []byte
	truncated bool
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; t.max > 0 && over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
		t.truncated = true
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	if t.truncated {
		return "...(truncated)\n" + string(t.buf)
	}
	return string(t.buf)
}
