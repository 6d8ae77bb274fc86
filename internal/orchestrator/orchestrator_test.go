package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xaenox/sandbot/internal/models"
	"github.com/xaenox/sandbot/internal/sandbox"
	"github.com/xaenox/sandbot/internal/storage"
	"github.com/xaenox/sandbot/pkg/config"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type invokeFunc func(req *sandbox.Request, onOutput sandbox.OutputFunc) (*sandbox.Result, error)

type fakeSandbox struct {
	mu       sync.Mutex
	requests []*sandbox.Request
	invoke   invokeFunc
}

func (f *fakeSandbox) Invoke(ctx context.Context, req *sandbox.Request, onOutput sandbox.OutputFunc) (*sandbox.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fn := f.invoke
	f.mu.Unlock()
	if fn == nil {
		return answer("ok")(req, onOutput)
	}
	return fn(req, onOutput)
}

func (f *fakeSandbox) calls() []*sandbox.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sandbox.Request(nil), f.requests...)
}

func (f *fakeSandbox) set(fn invokeFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoke = fn
}

func answer(text string) invokeFunc {
	return func(req *sandbox.Request, onOutput sandbox.OutputFunc) (*sandbox.Result, error) {
		onOutput(&sandbox.Output{Status: sandbox.StatusSuccess, Result: text})
		return &sandbox.Result{
			Status:  sandbox.StatusSuccess,
			Result:  text,
			Outputs: 1,
			Usage:   models.TokenUsage{InputTokens: 10, OutputTokens: 5},
		}, nil
	}
}

func failing(err error) invokeFunc {
	return func(req *sandbox.Request, onOutput sandbox.OutputFunc) (*sandbox.Result, error) {
		return &sandbox.Result{Status: sandbox.StatusError, Error: err.Error()}, err
	}
}

type fakeOutbound struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeOutbound) Send(ctx context.Context, jid, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, jid+": "+text)
	return nil
}

func (f *fakeOutbound) SetTyping(ctx context.Context, jid string, typing bool) {}

func (f *fakeOutbound) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeGate struct {
	mu   sync.Mutex
	deny bool
}

func (g *fakeGate) Allow(ctx context.Context, jid string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.deny
}
func (g *fakeGate) ModelBudget(model string) float64 { return 2 }
func (g *fakeGate) DefaultModel() string             { return "default" }

type env struct {
	o     *Orchestrator
	store *storage.MemoryStorage
	box   *fakeSandbox
	out   *fakeOutbound
	gate  *fakeGate
	main  *models.Conversation
	group *models.Conversation
	seq   int
}

func newEnv(t *testing.T, logger *zap.Logger) *env {
	t.Helper()
	ctx := context.Background()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	store := storage.NewMemoryStorage()
	main := &models.Conversation{JID: "tg:1", Name: "me", Folder: "main", IsMain: true, Trigger: "@Bot"}
	group := &models.Conversation{JID: "tg:2", Name: "family", Folder: "family", Trigger: "@Bot", RequiresTrigger: true}
	require.NoError(t, store.RegisterConversation(ctx, main))
	require.NoError(t, store.RegisterConversation(ctx, group))

	cfg := &config.Config{
		Assistant: config.AssistantConfig{Name: "Bot", Trigger: "@Bot", Timezone: "UTC"},
		Dispatch: config.DispatchConfig{
			PollInterval:       time.Hour,
			IdleTimeout:        time.Hour,
			StalenessThreshold: 2 * time.Hour,
			AlertAfterFailures: 2,
			MaxRetries:         0,
			RetryBase:          time.Millisecond,
		},
		Sandbox: config.SandboxConfig{MaxConcurrent: 2},
	}
	e := &env{store: store, box: &fakeSandbox{}, out: &fakeOutbound{}, gate: &fakeGate{}, main: main, group: group}
	o, err := New(Deps{Config: cfg, Store: store, Sandbox: e.box, Outbound: e.out, Gate: e.gate, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Shutdown(context.Background()) })
	e.o = o
	return e
}

func (e *env) say(t *testing.T, jid, text string, at time.Time) *models.Message {
	t.Helper()
	e.seq++
	msg := &models.Message{
		ID:         "m" + strconv.Itoa(e.seq),
		ChatJID:    jid,
		Sender:     "7",
		SenderName: "Ada",
		Content:    text,
		Timestamp:  at.UTC(),
	}
	require.NoError(t, e.store.SaveMessage(context.Background(), msg))
	return msg
}

func (e *env) applied(t *testing.T, jid string) time.Time {
	t.Helper()
	ts, err := e.store.AppliedCursor(context.Background(), jid)
	require.NoError(t, err)
	return ts
}

func (e *env) global(t *testing.T) time.Time {
	t.Helper()
	ts, err := e.store.GlobalCursor(context.Background())
	require.NoError(t, err)
	return ts
}

// settle waits until no conversation has work running.
func (e *env) settle(t *testing.T) {
	t.Helper()
	time.Sleep(20 * time.Millisecond)
	require.Eventually(t, func() bool {
		return !e.o.Queue().Active(e.main.JID) && !e.o.Queue().Active(e.group.JID)
	}, waitFor, tick)
}

func (e *env) assertWatermarks(t *testing.T) {
	t.Helper()
	global := e.global(t)
	for _, jid := range []string{e.main.JID, e.group.JID} {
		assert.False(t, e.applied(t, jid).After(global), "applied watermark of %s passed the global watermark", jid)
	}
}

func TestTriggerAccumulatesContext(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	base := time.Now().Add(-time.Minute)

	alpha := e.say(t, e.group.JID, "alpha", base)
	require.NoError(t, e.o.Tick(ctx))
	e.settle(t)

	assert.Empty(t, e.box.calls())
	assert.Equal(t, alpha.Timestamp, e.global(t))
	assert.True(t, e.applied(t, e.group.JID).IsZero())
	e.assertWatermarks(t)

	hi := e.say(t, e.group.JID, "@Bot hi", base.Add(time.Second))
	require.NoError(t, e.o.Tick(ctx))
	require.Eventually(t, func() bool { return len(e.box.calls()) == 1 }, waitFor, tick)
	e.settle(t)

	prompt := e.box.calls()[0].Prompt
	assert.Contains(t, prompt, ">alpha</message>")
	assert.Contains(t, prompt, ">@Bot hi</message>")
	assert.Less(t, strings.Index(prompt, "alpha"), strings.Index(prompt, "@Bot hi"))
	assert.Equal(t, hi.Timestamp, e.applied(t, e.group.JID))
	assert.Equal(t, []string{"tg:2: ok"}, e.out.messages())
	e.assertWatermarks(t)
}

func TestMainConversationNeedsNoTrigger(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	msg := e.say(t, e.main.JID, "what's on today?", time.Now().Add(-time.Second))

	require.NoError(t, e.o.Tick(ctx))
	require.Eventually(t, func() bool { return e.applied(t, e.main.JID).Equal(msg.Timestamp) }, waitFor, tick)
	require.Len(t, e.box.calls(), 1)
	assert.InDelta(t, 2.0, e.box.calls()[0].MaxBudgetUSD, 1e-9)
	assert.Equal(t, "default", e.box.calls()[0].Model)

	usage, err := e.store.UsageBetween(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, "tg:1", usage[0].ChatJID)
}

func TestIdleTickSpawnsNothing(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	msg := e.say(t, e.main.JID, "hello", time.Now().Add(-time.Second))
	require.NoError(t, e.o.Tick(ctx))
	require.Eventually(t, func() bool { return e.applied(t, e.main.JID).Equal(msg.Timestamp) }, waitFor, tick)
	e.settle(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.o.Tick(ctx))
	}
	e.settle(t)
	assert.Len(t, e.box.calls(), 1)
	e.assertWatermarks(t)
}

func TestFailureWithoutOutputLeavesCursor(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.box.set(failing(errors.New("spawn failed")))

	e.say(t, e.group.JID, "@Bot are you there?", time.Now().Add(-time.Second))
	require.NoError(t, e.o.Tick(ctx))
	require.Eventually(t, func() bool { return e.o.Failures(e.group.JID) == 1 }, waitFor, tick)
	e.settle(t)

	assert.True(t, e.applied(t, e.group.JID).IsZero())
	assert.Empty(t, e.out.messages())
	e.assertWatermarks(t)
}

func TestFailureAfterOutputAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.box.set(func(req *sandbox.Request, onOutput sandbox.OutputFunc) (*sandbox.Result, error) {
		onOutput(&sandbox.Output{Status: sandbox.StatusSuccess, Result: "partial answer"})
		return &sandbox.Result{Status: sandbox.StatusError, Outputs: 1}, errors.New("sandbox exited with code 1")
	})

	msg := e.say(t, e.group.JID, "@Bot long job", time.Now().Add(-time.Second))
	require.NoError(t, e.o.Tick(ctx))
	require.Eventually(t, func() bool { return e.applied(t, e.group.JID).Equal(msg.Timestamp) }, waitFor, tick)
	assert.Equal(t, []string{"tg:2: partial answer"}, e.out.messages())
	assert.Equal(t, 0, e.o.Failures(e.group.JID))
}

func TestFailureAfterInternalOutputLeavesCursor(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.box.set(func(req *sandbox.Request, onOutput sandbox.OutputFunc) (*sandbox.Result, error) {
		onOutput(&sandbox.Output{Status: sandbox.StatusSuccess, Result: "<internal>checking the notes</internal>"})
		return &sandbox.Result{Status: sandbox.StatusError, Outputs: 1}, errors.New("sandbox exited with code 1")
	})

	e.say(t, e.group.JID, "@Bot long job", time.Now().Add(-time.Second))
	require.NoError(t, e.o.Tick(ctx))
	require.Eventually(t, func() bool { return e.o.Failures(e.group.JID) == 1 }, waitFor, tick)
	e.settle(t)

	assert.True(t, e.applied(t, e.group.JID).IsZero())
	assert.Empty(t, e.out.messages())
	e.assertWatermarks(t)
}

func TestHealthAlertAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.box.set(failing(errors.New("image missing")))

	e.say(t, e.group.JID, "@Bot one", time.Now().Add(-2*time.Second))
	require.NoError(t, e.o.Tick(ctx))
	require.Eventually(t, func() bool { return e.o.Failures(e.group.JID) == 1 }, waitFor, tick)
	e.settle(t)

	e.say(t, e.group.JID, "@Bot two", time.Now().Add(-time.Second))
	require.NoError(t, e.o.Tick(ctx))
	require.Eventually(t, func() bool { return e.o.Failures(e.group.JID) == 2 }, waitFor, tick)
	e.settle(t)

	msgs := e.out.messages()
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(msgs[0], "tg:1: "), "alert goes to the main conversation")
	assert.Contains(t, msgs[0], "image missing")

	// the next success clears the episode
	e.box.set(answer("back"))
	require.NoError(t, e.o.Queue().EnqueueMessageCheck(e.group.JID))
	require.Eventually(t, func() bool { return e.o.Failures(e.group.JID) == 0 }, waitFor, tick)
	e.settle(t)
	msgs = e.out.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "tg:2: back", msgs[1])
	assert.Contains(t, msgs[2], "working again")
}

func TestBreakerRefusalLeavesMessagesPending(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.gate.deny = true

	msg := e.say(t, e.group.JID, "@Bot expensive", time.Now().Add(-time.Second))
	require.NoError(t, e.o.Tick(ctx))
	e.settle(t)

	assert.Empty(t, e.box.calls())
	assert.True(t, e.applied(t, e.group.JID).IsZero())
	assert.Equal(t, 0, e.o.Failures(e.group.JID))

	e.gate.mu.Lock()
	e.gate.deny = false
	e.gate.mu.Unlock()
	require.NoError(t, e.o.Queue().EnqueueMessageCheck(e.group.JID))
	require.Eventually(t, func() bool { return e.applied(t, e.group.JID).Equal(msg.Timestamp) }, waitFor, tick)
}

func TestRecoveryRedispatchesFreshBacklog(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.InfoLevel)
	e := newEnv(t, zap.New(core))

	// stored before a crash, never seen by a tick
	msg := e.say(t, e.main.JID, "did you get this?", time.Now().Add(-10*time.Minute))

	require.NoError(t, e.o.Recover(ctx))
	require.Eventually(t, func() bool { return e.applied(t, e.main.JID).Equal(msg.Timestamp) }, waitFor, tick)
	assert.Len(t, e.box.calls(), 1)
	assert.Equal(t, 1, logs.FilterMessage("Recovery: redispatch").Len())
	assert.Equal(t, 0, logs.FilterMessage("Recovery: skip").Len())
	e.assertWatermarks(t)
}

func TestRecoverySkipsStaleBacklog(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.InfoLevel)
	e := newEnv(t, zap.New(core))

	e.say(t, e.group.JID, "@Bot old question", time.Now().Add(-5*time.Hour))
	last := e.say(t, e.group.JID, "@Bot still there?", time.Now().Add(-3*time.Hour))

	require.NoError(t, e.o.Recover(ctx))
	e.settle(t)

	assert.Empty(t, e.box.calls())
	assert.Equal(t, last.Timestamp, e.applied(t, e.group.JID))
	assert.Equal(t, last.Timestamp, e.global(t))
	skips := logs.FilterMessage("Recovery: skip").All()
	require.Len(t, skips, 1)
	assert.Equal(t, "tg:2", skips[0].ContextMap()["chat_jid"])

	// the skipped backlog is not picked up by later ticks either
	require.NoError(t, e.o.Tick(ctx))
	e.settle(t)
	assert.Empty(t, e.box.calls())
	e.assertWatermarks(t)
}

func TestFormatMessagesEscapes(t *testing.T) {
	ts := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	out := FormatMessages([]*models.Message{
		{SenderName: `Ada "the" <admin>`, Content: "1 < 2 & </message>", Timestamp: ts},
	}, time.UTC)
	assert.Equal(t,
		"<messages>\n<message sender=\"Ada &quot;the&quot; &lt;admin&gt;\" time=\"2026-03-10T12:00:00Z\">1 &lt; 2 &amp; &lt;/message&gt;</message>\n</messages>",
		out)
}

func TestMatchesTrigger(t *testing.T) {
	assert.True(t, MatchesTrigger("@Bot hi", "@Bot"))
	assert.True(t, MatchesTrigger("  @bot, hi", "@Bot"))
	assert.True(t, MatchesTrigger("@BOT", "@Bot"))
	assert.False(t, MatchesTrigger("@Botany is fun", "@Bot"))
	assert.False(t, MatchesTrigger("hey @Bot", "@Bot"))
	assert.False(t, MatchesTrigger("@Bot hi", ""))
}
