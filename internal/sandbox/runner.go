// Package sandbox runs one conversation turn inside an isolated process and
// streams its marker-delimited results back to the caller.
package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xaenox/sandbot/internal/credentials"
	"github.com/xaenox/sandbot/internal/models"
	"github.com/xaenox/sandbot/internal/workspace"
	"github.com/xaenox/sandbot/pkg/config"
)

var (
	// ErrTimeout is returned when the hard timeout expires before any output.
	ErrTimeout = errors.New("sandbox timed out without output")

	errNoOutput    = errors.New("sandbox exited without output")
	errInputClosed = errors.New("sandbox input already closed")
	errInputBusy   = errors.New("sandbox input backlog full")
)

const (
	// idleCloseBuffer is added to the idle timeout so a polite close lands
	// before the hard timeout.
	idleCloseBuffer = 30 * time.Second
	readChunkSize   = 32 * 1024
	// inputBacklog bounds the follow-ups queued behind a slow stdin reader.
	inputBacklog = 64
)

// Request describes one invocation.
type Request struct {
	Conversation    *models.Conversation
	Prompt          string
	SessionID       string
	IsScheduledTask bool
	Model           string
	MaxBudgetUSD    float64
	// Ephemeral invocations do not persist the session they produce.
	Ephemeral bool
	// OnProcess is called once the sandbox is running and has read its input.
	OnProcess func(*Process)
}

// Result summarises a finished invocation.
type Result struct {
	Status       Status
	Result       string
	NewSessionID string
	Error        string
	Usage        models.TokenUsage
	Outputs      int
	TimedOut     bool
	ExitCode     int
	Duration     time.Duration
	LogPath      string
}

// OutputFunc receives every parsed output as soon as it arrives.
type OutputFunc func(*Output)

// Sandbox runs a prompt and streams results. A non-nil error means the
// invocation failed; the Result, when present, still reports what happened.
type Sandbox interface {
	Invoke(ctx context.Context, req *Request, onOutput OutputFunc) (*Result, error)
}

// SessionStore persists the continuation token of a conversation folder.
type SessionStore interface {
	SetSession(ctx context.Context, folder, sessionID string) error
}

// Process is the handle to a live sandbox. Input lines are written to stdin
// by a feeder goroutine, so a sandbox that stops reading never blocks the
// caller.
type Process struct {
	ID string

	mu     sync.Mutex
	input  chan []byte
	closed bool
	kill   func()
	fed    chan struct{}
}

func newProcess(id string, stdin io.WriteCloser, first []byte, kill func(), logger *zap.Logger) *Process {
	p := &Process{
		ID:    id,
		input: make(chan []byte, inputBacklog),
		kill:  kill,
		fed:   make(chan struct{}),
	}
	p.input <- first
	go p.feed(stdin, logger)
	return p
}

// feed writes queued lines in order and closes stdin once input is closed.
func (p *Process) feed(stdin io.WriteCloser, logger *zap.Logger) {
	defer close(p.fed)
	defer stdin.Close()
	for line := range p.input {
		if _, err := stdin.Write(line); err != nil {
			logger.Debug("Failed to write sandbox input", zap.String("invocation_id", p.ID), zap.Error(err))
			// keep draining until CloseInput so senders never block
			for range p.input {
			}
			return
		}
	}
}

// SendInput queues a follow-up message for the running sandbox.
func (p *Process) SendInput(text string) error {
	data, err := json.Marshal(FollowUp{Type: followUpMessage, Text: text})
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errInputClosed
	}
	select {
	case p.input <- append(data, '\n'):
		return nil
	default:
		return errInputBusy
	}
}

// CloseInput signals that no more input will follow. Stdin is closed after
// the queued lines are written.
func (p *Process) CloseInput() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.input)
	}
	return nil
}

// Kill force-terminates the sandbox.
func (p *Process) Kill() {
	if p.kill != nil {
		p.kill()
	}
}

type Runner struct {
	cfg           config.SandboxConfig
	layout        workspace.Layout
	masked        []string
	idleTimeout   time.Duration
	idleBuffer    time.Duration
	assistantName string
	timezone      string
	creds         credentials.Source
	scoper        *credentials.Scoper
	sessions      SessionStore
	logger        *zap.Logger
}

func NewRunner(cfg *config.Config, creds credentials.Source, sessions SessionStore, logger *zap.Logger) (*Runner, error) {
	layout, err := workspace.NewLayout(cfg.Sandbox)
	if err != nil {
		return nil, err
	}
	var masked []string
	for _, p := range []string{cfg.Credentials.EnvFile, cfg.Credentials.SealedFile, cfg.Credentials.IdentityFile} {
		if p != "" {
			masked = append(masked, p)
		}
	}
	return &Runner{
		cfg:           cfg.Sandbox,
		layout:        layout,
		masked:        masked,
		idleTimeout:   cfg.Dispatch.IdleTimeout,
		idleBuffer:    idleCloseBuffer,
		assistantName: cfg.Assistant.Name,
		timezone:      cfg.Assistant.Timezone,
		creds:         creds,
		scoper:        credentials.NewScoper(cfg.Credentials),
		sessions:      sessions,
		logger:        logger,
	}, nil
}

// Layout returns the host directory layout used for mounts.
func (r *Runner) Layout() workspace.Layout {
	return r.layout
}

func (r *Runner) timeoutFor(conv *models.Conversation) time.Duration {
	timeout := r.cfg.Timeout
	if conv.Settings.Timeout > 0 {
		timeout = conv.Settings.Timeout
	}
	if floor := r.idleTimeout + r.idleBuffer; timeout < floor {
		timeout = floor
	}
	return timeout
}

// invocation holds the state of one run. Outputs are handled on the stdout
// goroutine only; the fields are read after it has finished.
type invocation struct {
	id        string
	folder    string
	ephemeral bool
	ctx       context.Context
	sessions  SessionStore
	onOutput  OutputFunc
	logger    *zap.Logger

	outputs    int
	dropped    int
	sessionID  string
	lastResult string
	lastStatus Status
	lastError  string
	usage      models.TokenUsage
}

func (inv *invocation) handle(payload []byte) bool {
	var out Output
	if err := json.Unmarshal(payload, &out); err != nil {
		inv.dropped++
		inv.logger.Warn("Dropping malformed sandbox output",
			zap.Error(err),
			zap.Int("bytes", len(payload)))
		return false
	}
	if out.Status == "" {
		out.Status = StatusSuccess
	}

	inv.outputs++
	if out.NewSessionID != "" {
		inv.sessionID = out.NewSessionID
		if !inv.ephemeral && inv.sessions != nil {
			if err := inv.sessions.SetSession(inv.ctx, inv.folder, out.NewSessionID); err != nil {
				inv.logger.Error("Failed to persist session", zap.Error(err))
			}
		}
	}
	if out.Usage != nil {
		inv.usage.Add(out.Usage.TokenUsage())
	}
	if out.Result != "" {
		inv.lastResult = out.Result
	}
	inv.lastStatus = out.Status
	inv.lastError = out.Error

	if inv.onOutput != nil {
		inv.onOutput(&out)
	}
	return true
}

// Invoke runs req in a fresh sandbox. Mounts and credentials are computed
// from the current configuration on every call.
func (r *Runner) Invoke(ctx context.Context, req *Request, onOutput OutputFunc) (*Result, error) {
	conv := req.Conversation
	logger := r.logger.With(
		zap.String("chat_jid", conv.JID),
		zap.String("folder", conv.Folder))

	if err := models.ValidateFolder(conv.Folder); err != nil {
		return nil, err
	}
	if err := r.layout.Ensure(conv.Folder); err != nil {
		return nil, err
	}

	mounts, rejected := BuildMounts(MountOptions{
		Layout:    r.layout,
		Allowlist: r.cfg.MountAllowlist,
		Masked:    r.masked,
	}, conv)
	for _, err := range rejected {
		logger.Warn("Rejected mount grant", zap.Error(err))
	}

	all, err := r.creds.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	secrets, unknown := r.scoper.Scope(all, conv.IsMain, conv.Settings.CredentialScopes)
	if len(unknown) > 0 {
		logger.Warn("Ignoring unknown credential scopes", zap.Strings("scopes", unknown))
	}
	fingerprint := credentials.Fingerprint(secrets)

	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(Input{
		Prompt:          req.Prompt,
		SessionID:       req.SessionID,
		ChatJID:         conv.JID,
		GroupFolder:     conv.Folder,
		IsMain:          conv.IsMain,
		IsScheduledTask: req.IsScheduledTask,
		AssistantName:   r.assistantName,
		Nonce:           nonce,
		Secrets:         secrets,
		Model:           req.Model,
		MaxBudgetUSD:    req.MaxBudgetUSD,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode sandbox input: %w", err)
	}

	id := uuid.New().String()
	tz := conv.Settings.Timezone
	if tz == "" {
		tz = r.timezone
	}
	l, err := buildLaunch(r.cfg, mounts, "sandbot-"+conv.Folder+"-"+id[:8], r.layout.ConversationDir(conv.Folder), tz)
	if err != nil {
		return nil, err
	}
	cmd := l.cmd
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	timeout := r.timeoutFor(conv)
	started := time.Now()
	logger.Info("Spawning sandbox",
		zap.String("invocation_id", id),
		zap.String("runtime", r.cfg.Runtime),
		zap.Int("mounts", len(mounts)),
		zap.String("credentials_fingerprint", fingerprint),
		zap.Duration("timeout", timeout))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start sandbox: %w", err)
	}

	// the input is written asynchronously: the readers and the timeout below
	// must run even when the sandbox never reads stdin
	proc := newProcess(id, stdin, append(payload, '\n'), l.kill, logger)
	if req.OnProcess != nil {
		req.OnProcess(proc)
	}

	inv := &invocation{
		id:        id,
		folder:    conv.Folder,
		ephemeral: req.Ephemeral,
		ctx:       context.WithoutCancel(ctx),
		sessions:  r.sessions,
		onOutput:  onOutput,
		logger:    logger,
	}
	// a chunk too large to stream is recovered from stdoutTail once the sandbox exits
	chunkCap := r.cfg.MaxChunkBytes
	if chunkCap <= 0 || (r.cfg.MaxOutputBytes > 0 && chunkCap > r.cfg.MaxOutputBytes) {
		chunkCap = r.cfg.MaxOutputBytes
	}
	scanner := newMarkerScanner(nonce, chunkCap)
	stdoutTail := &tailBuffer{max: r.cfg.MaxOutputBytes}
	stderrTail := &tailBuffer{max: 64 * 1024}
	activity := make(chan struct{}, 1)

	stdoutDone := make(chan struct{})
	go func() {
		defer close(stdoutDone)
		buf := make([]byte, readChunkSize)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				stdoutTail.Write(buf[:n])
				for _, chunk := range scanner.Feed(buf[:n]) {
					if inv.handle(chunk) {
						select {
						case activity <- struct{}{}:
						default:
						}
					}
				}
			}
			if err != nil {
				return
			}
		}
	}()

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		lines := bufio.NewScanner(stderr)
		lines.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for lines.Scan() {
			line := lines.Text()
			stderrTail.Write([]byte(line + "\n"))
			logger.Debug("Sandbox stderr", zap.String("line", credentials.Scrub(line, secrets)))
		}
		_, _ = io.Copy(io.Discard, stderr)
	}()

	exited := make(chan struct{})
	var waitErr error
	go func() {
		<-stdoutDone
		<-stderrDone
		waitErr = cmd.Wait()
		close(exited)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	timeoutC := timer.C
	ctxDone := ctx.Done()
	var timedOut, canceled bool

wait:
	for {
		select {
		case <-activity:
			timer.Reset(timeout)
		case <-timeoutC:
			timedOut = true
			timeoutC = nil
			ctxDone = nil
			logger.Warn("Sandbox timed out, stopping",
				zap.String("invocation_id", id),
				zap.Duration("timeout", timeout))
			go r.escalate(l, exited, logger)
		case <-ctxDone:
			canceled = true
			timeoutC = nil
			ctxDone = nil
			logger.Warn("Invocation cancelled, stopping sandbox", zap.String("invocation_id", id))
			go r.escalate(l, exited, logger)
		case <-exited:
			break wait
		}
	}
	// stdin was closed by Wait, so the feeder finishes once input is closed
	_ = proc.CloseInput()
	<-proc.fed

	res := &Result{
		Usage:        inv.usage,
		NewSessionID: inv.sessionID,
		TimedOut:     timedOut,
		Duration:     time.Since(started),
		ExitCode:     -1,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	// non-streaming completion: parse the final chunk from the buffered output
	if !timedOut && !canceled && waitErr == nil && inv.outputs == 0 {
		if chunk, ok := lastMarkerPair(stdoutTail.buf, nonce); ok {
			inv.handle(chunk)
			res.Usage = inv.usage
			res.NewSessionID = inv.sessionID
		}
	}
	res.Outputs = inv.outputs
	res.Result = inv.lastResult
	res.Error = inv.lastError

	var runErr error
	switch {
	case timedOut && inv.outputs > 0:
		// idle reclamation after the sandbox already answered
		res.Status = StatusSuccess
		res.Result = ""
		logger.Info("Sandbox reclaimed after timeout",
			zap.String("invocation_id", id),
			zap.Int("outputs", inv.outputs))
	case timedOut:
		res.Status = StatusError
		runErr = ErrTimeout
	case canceled:
		res.Status = StatusError
		runErr = ctx.Err()
	case waitErr != nil:
		res.Status = StatusError
		runErr = fmt.Errorf("sandbox exited with code %d: %w", res.ExitCode, waitErr)
	case inv.outputs == 0:
		res.Status = StatusError
		runErr = errNoOutput
	case inv.lastStatus == StatusError:
		res.Status = StatusError
		runErr = fmt.Errorf("sandbox reported error: %s", inv.lastError)
	default:
		res.Status = StatusSuccess
	}
	if runErr != nil && res.Error == "" {
		res.Error = runErr.Error()
	}

	if r.cfg.KeepLogs || runErr != nil {
		entry := &invocationLog{
			ID:          id,
			ChatJID:     conv.JID,
			Folder:      conv.Folder,
			IsMain:      conv.IsMain,
			Runtime:     r.cfg.Runtime,
			Command:     l.String(),
			Started:     started,
			Duration:    res.Duration,
			ExitCode:    res.ExitCode,
			TimedOut:    timedOut,
			Outputs:     inv.outputs,
			Dropped:     inv.dropped + scanner.dropped,
			Fingerprint: fingerprint,
			PromptBytes: len(req.Prompt),
			SessionID:   inv.sessionID,
			Mounts:      mounts,
			Stderr:      stderrTail.String(),
		}
		if runErr != nil {
			entry.Stdout = stdoutTail.String()
		}
		path, err := writeInvocationLog(r.layout.LogsDir(conv.Folder), entry, secrets)
		if err != nil {
			logger.Warn("Failed to write invocation log", zap.Error(err))
		}
		res.LogPath = path
	}

	logger.Info("Sandbox finished",
		zap.String("invocation_id", id),
		zap.String("status", string(res.Status)),
		zap.Int("outputs", res.Outputs),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration))
	return res, runErr
}

// escalate stops the sandbox politely and kills it if it lingers.
func (r *Runner) escalate(l *launch, exited <-chan struct{}, logger *zap.Logger) {
	l.stop(r.cfg.StopGrace)
	select {
	case <-exited:
	case <-time.After(r.cfg.StopGrace):
		logger.Warn("Sandbox did not stop gracefully, killing", zap.String("container", l.containerName))
		l.kill()
	}
}
