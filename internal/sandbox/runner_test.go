package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xaenox/sandbot/internal/credentials"
	"github.com/xaenox/sandbot/internal/models"
	"github.com/xaenox/sandbot/internal/storage"
	"github.com/xaenox/sandbot/pkg/config"
)

// scriptPrelude reads the input line, extracts the nonce and defines emit.
const scriptPrelude = `
IFS= read -r line
nonce=$(printf '%s' "$line" | sed -n 's/.*"nonce":"\([0-9a-f]*\)".*/\1/p')
emit() {
	printf '%s%s---\n%s\n%s%s---\n' '---SANDBOT_OUTPUT_START:' "$nonce" "$1" '---SANDBOT_OUTPUT_END:' "$nonce"
}
`

type staticSource credentials.Bundle

func (s staticSource) Load() (credentials.Bundle, error) {
	out := credentials.Bundle{}
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

type runnerFixture struct {
	runner *Runner
	store  *storage.MemoryStorage
	cfg    *config.Config
}

func newRunnerFixture(t *testing.T, script string, timeout time.Duration, secrets credentials.Bundle) *runnerFixture {
	t.Helper()
	root := t.TempDir()
	scriptPath := filepath.Join(root, "worker.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte(scriptPrelude+script), 0755))

	cfg := &config.Config{
		Assistant: config.AssistantConfig{Name: "Andy", Timezone: "UTC"},
		Dispatch:  config.DispatchConfig{IdleTimeout: 10 * time.Millisecond},
		Sandbox: config.SandboxConfig{
			Runtime:          RuntimeDirect,
			Command:          []string{"/bin/sh", scriptPath},
			ProjectRoot:      root,
			DataDir:          "data",
			ConversationsDir: "conversations",
			SharedNotesDir:   "conversations/global",
			ToolingDir:       "tools",
			Timeout:          timeout,
			StopGrace:        200 * time.Millisecond,
			MaxOutputBytes:   1 << 20,
			KeepLogs:         true,
		},
		Credentials: config.CredentialsConfig{
			Baseline: []string{"ANTHROPIC_API_KEY"},
			Scopes:   map[string][]string{"calendar": {"GOOGLE_CALENDAR_TOKEN"}},
		},
	}
	store := storage.NewMemoryStorage()
	r, err := NewRunner(cfg, staticSource(secrets), store, zaptest.NewLogger(t))
	require.NoError(t, err)
	r.idleBuffer = 0
	return &runnerFixture{runner: r, store: store, cfg: cfg}
}

func alpha() *models.Conversation {
	return &models.Conversation{JID: "tg:100", Name: "Alpha", Folder: "alpha", Trigger: "@Bot", RequiresTrigger: true}
}

func TestRunnerStreamsOutputs(t *testing.T) {
	f := newRunnerFixture(t, `
emit '{"status":"success","result":"first","newSessionId":"sess-1","usage":{"inputTokens":10,"outputTokens":5}}'
emit '{"status":"success","result":"second","usage":{"inputTokens":3,"outputTokens":2,"costUsd":0.25}}'
`, 5*time.Second, nil)

	var results []string
	res, err := f.runner.Invoke(context.Background(), &Request{Conversation: alpha(), Prompt: "hi"}, func(out *Output) {
		results = append(results, out.Result)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, results)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 2, res.Outputs)
	assert.Equal(t, "second", res.Result)
	assert.Equal(t, int64(13), res.Usage.InputTokens)
	assert.Equal(t, int64(7), res.Usage.OutputTokens)
	assert.InDelta(t, 0.25, res.Usage.CostUSD, 1e-9)
	assert.Equal(t, "sess-1", res.NewSessionID)

	session, err := f.store.GetSession(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", session)

	require.NotEmpty(t, res.LogPath)
	log, err := ReadLog(res.LogPath)
	require.NoError(t, err)
	assert.Contains(t, log, "Outputs: 2")
}

func TestRunnerEphemeralKeepsSession(t *testing.T) {
	f := newRunnerFixture(t, `
emit '{"status":"success","result":"done","newSessionId":"isolated-1"}'
`, 5*time.Second, nil)
	require.NoError(t, f.store.SetSession(context.Background(), "alpha", "conversation-session"))

	_, err := f.runner.Invoke(context.Background(), &Request{Conversation: alpha(), Prompt: "task", Ephemeral: true}, nil)
	require.NoError(t, err)

	session, _ := f.store.GetSession(context.Background(), "alpha")
	assert.Equal(t, "conversation-session", session)
}

func TestRunnerDropsMalformedChunk(t *testing.T) {
	f := newRunnerFixture(t, `
emit '{broken'
emit '{"status":"success","result":"ok"}'
`, 5*time.Second, nil)

	var n int
	res, err := f.runner.Invoke(context.Background(), &Request{Conversation: alpha(), Prompt: "hi"}, func(*Output) { n++ })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "ok", res.Result)
}

func TestRunnerRecoversOversizedFinalChunk(t *testing.T) {
	f := newRunnerFixture(t, `
big=$(head -c 4096 /dev/zero | tr '\0' y)
emit "{\"status\":\"success\",\"result\":\"$big\",\"newSessionId\":\"sess-big\"}"
`, 5*time.Second, nil)
	f.runner.cfg.MaxChunkBytes = 1024

	var results []string
	res, err := f.runner.Invoke(context.Background(), &Request{Conversation: alpha(), Prompt: "hi"}, func(out *Output) {
		results = append(results, out.Result)
	})
	require.NoError(t, err)

	want := strings.Repeat("y", 4096)
	assert.Equal(t, []string{want}, results)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Outputs)
	assert.Equal(t, want, res.Result)
	assert.Equal(t, "sess-big", res.NewSessionID)
}

func TestRunnerOversizedChunkBeyondBufferFails(t *testing.T) {
	f := newRunnerFixture(t, `
big=$(head -c 4096 /dev/zero | tr '\0' y)
emit "{\"status\":\"success\",\"result\":\"$big\"}"
`, 5*time.Second, nil)
	f.runner.cfg.MaxChunkBytes = 1024
	f.runner.cfg.MaxOutputBytes = 2048

	res, err := f.runner.Invoke(context.Background(), &Request{Conversation: alpha(), Prompt: "hi"}, nil)
	require.Error(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, 0, res.Outputs)
}

func TestRunnerTimeoutAfterOutputIsSuccess(t *testing.T) {
	f := newRunnerFixture(t, `
emit '{"status":"success","result":"partial"}'
sleep 30
`, 300*time.Millisecond, nil)

	start := time.Now()
	res, err := f.runner.Invoke(context.Background(), &Request{Conversation: alpha(), Prompt: "hi"}, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.True(t, res.TimedOut)
	assert.Empty(t, res.Result)
	assert.Equal(t, 1, res.Outputs)
}

func TestRunnerTimeoutWithoutOutputIsError(t *testing.T) {
	f := newRunnerFixture(t, `
echo "thinking..." >&2
sleep 30
`, 300*time.Millisecond, nil)

	res, err := f.runner.Invoke(context.Background(), &Request{Conversation: alpha(), Prompt: "hi"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	require.NotNil(t, res)
	assert.Equal(t, StatusError, res.Status)
	assert.True(t, res.TimedOut)
	assert.Zero(t, res.Outputs)
}

func TestRunnerTimeoutWhenSandboxIgnoresInput(t *testing.T) {
	f := newRunnerFixture(t, "", 300*time.Millisecond, nil)
	// never reads stdin, so a prompt larger than the pipe buffer cannot be written
	f.runner.cfg.Command = []string{"/bin/sleep", "20"}

	registered := make(chan *Process, 1)
	req := &Request{
		Conversation: alpha(),
		Prompt:       strings.Repeat("x", 512*1024),
		OnProcess:    func(p *Process) { registered <- p },
	}

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.runner.Invoke(context.Background(), req, nil)
		done <- outcome{res, err}
	}()

	select {
	case p := <-registered:
		assert.NotEmpty(t, p.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("process was not registered while its input was pending")
	}

	select {
	case o := <-done:
		require.ErrorIs(t, o.err, ErrTimeout)
		require.NotNil(t, o.res)
		assert.True(t, o.res.TimedOut)
		assert.Equal(t, StatusError, o.res.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("Invoke still blocked after the timeout")
	}
}

func TestProcessInputBacklog(t *testing.T) {
	r, w := io.Pipe()
	p := newProcess("p1", w, []byte("first\n"), nil, zap.NewNop())

	// nothing reads the pipe: sends queue up and then report a full backlog
	var err error
	for i := 0; i <= inputBacklog && err == nil; i++ {
		err = p.SendInput("follow-up")
	}
	assert.ErrorIs(t, err, errInputBusy)

	require.NoError(t, p.CloseInput())
	assert.ErrorIs(t, p.SendInput("late"), errInputClosed)

	require.NoError(t, r.Close())
	select {
	case <-p.fed:
	case <-time.After(2 * time.Second):
		t.Fatal("feeder did not stop after the reader went away")
	}
}

func TestRunnerNonZeroExit(t *testing.T) {
	f := newRunnerFixture(t, `
exit 3
`, 5*time.Second, nil)

	res, err := f.runner.Invoke(context.Background(), &Request{Conversation: alpha(), Prompt: "hi"}, nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRunnerZeroExitWithoutOutputIsError(t *testing.T) {
	f := newRunnerFixture(t, `
exit 0
`, 5*time.Second, nil)

	_, err := f.runner.Invoke(context.Background(), &Request{Conversation: alpha(), Prompt: "hi"}, nil)
	assert.ErrorIs(t, err, errNoOutput)
}

func TestRunnerScopesCredentials(t *testing.T) {
	secrets := credentials.Bundle{
		"ANTHROPIC_API_KEY":     "sk-ant-secret-value",
		"GOOGLE_CALENDAR_TOKEN": "gcal-secret-value",
		"STRIPE_KEY":            "stripe-secret-value",
	}
	f := newRunnerFixture(t, `
printf '%s\n' "$line" > input.json
printf '%s\n' "$line" >&2
emit '{"status":"success","result":"ok"}'
`, 5*time.Second, secrets)

	conv := alpha()
	conv.Settings.CredentialScopes = []string{"calendar", "no-such-scope"}
	res, err := f.runner.Invoke(context.Background(), &Request{Conversation: conv, Prompt: "hi", Model: "sonnet", MaxBudgetUSD: 1.5}, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(f.runner.Layout().ConversationDir("alpha"), "input.json"))
	require.NoError(t, err)
	var input Input
	require.NoError(t, json.Unmarshal(data, &input))

	assert.Equal(t, map[string]string{
		"ANTHROPIC_API_KEY":     "sk-ant-secret-value",
		"GOOGLE_CALENDAR_TOKEN": "gcal-secret-value",
	}, input.Secrets)
	assert.Equal(t, "hi", input.Prompt)
	assert.Equal(t, "tg:100", input.ChatJID)
	assert.Equal(t, "alpha", input.GroupFolder)
	assert.False(t, input.IsMain)
	assert.Equal(t, "sonnet", input.Model)
	assert.InDelta(t, 1.5, input.MaxBudgetUSD, 1e-9)
	assert.Len(t, input.Nonce, 32)

	log, err := ReadLog(res.LogPath)
	require.NoError(t, err)
	assert.NotContains(t, log, "sk-ant-secret-value")
	assert.Contains(t, log, "[REDACTED:ANTHROPIC_API_KEY]")
}

func TestRunnerPipesFollowUps(t *testing.T) {
	f := newRunnerFixture(t, `
emit '{"status":"success","result":"first"}'
while IFS= read -r follow; do
	emit '{"status":"success","result":"follow-up"}'
done
`, 5*time.Second, nil)

	var (
		mu   sync.Mutex
		proc *Process
		got  []string
	)
	req := &Request{
		Conversation: alpha(),
		Prompt:       "hi",
		OnProcess: func(p *Process) {
			mu.Lock()
			proc = p
			mu.Unlock()
		},
	}
	res, err := f.runner.Invoke(context.Background(), req, func(out *Output) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, out.Result)
		if len(got) == 1 {
			assert.NoError(t, proc.SendInput("more please"))
		} else {
			assert.NoError(t, proc.CloseInput())
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "follow-up"}, got)
	assert.Equal(t, StatusSuccess, res.Status)
}

func TestTimeoutFloor(t *testing.T) {
	r := &Runner{cfg: config.SandboxConfig{Timeout: time.Minute}, idleTimeout: 30 * time.Minute, idleBuffer: idleCloseBuffer}

	assert.Equal(t, 30*time.Minute+idleCloseBuffer, r.timeoutFor(&models.Conversation{}))

	conv := &models.Conversation{Settings: models.ConversationSettings{Timeout: 2 * time.Hour}}
	assert.Equal(t, 2*time.Hour, r.timeoutFor(conv))
}
