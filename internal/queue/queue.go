// Package queue serialises sandbox work per conversation. Each conversation
// is served by one goroutine; a shared semaphore caps live sandboxes overall.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrShuttingDown = errors.New("queue is shutting down")

// Process is the handle of a live sandbox as seen by the queue.
type Process interface {
	SendInput(text string) error
	CloseInput() error
	Kill()
}

// MessageFunc processes the pending messages of a conversation. It reports
// false when the work should be retried.
type MessageFunc func(ctx context.Context, jid string) bool

// TaskFunc runs one scheduled task.
type TaskFunc func(ctx context.Context)

type Config struct {
	MaxConcurrent int
	MaxRetries    int
	RetryBase     time.Duration
}

type pendingTask struct {
	id string
	fn TaskFunc
}

// conversation is the state owned by one actor. Fields are guarded by mu
// because Pipe and RegisterProcess arrive from other goroutines.
type conversation struct {
	jid  string
	wake chan struct{}

	mu              sync.Mutex
	pendingMessages bool
	tasks           []pendingTask
	active          bool
	runningTask     string
	proc            Process
	procIsTask      bool
	idle            bool
	retries         int
	retryTimer      *time.Timer
}

type Queue struct {
	cfg     Config
	process MessageFunc
	logger  *zap.Logger

	sem  chan struct{}
	quit chan struct{}
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu            sync.Mutex
	conversations map[string]*conversation
	shuttingDown  bool
}

func New(cfg Config, process MessageFunc, logger *zap.Logger) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 5 * time.Second
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Queue{
		cfg:           cfg,
		process:       process,
		logger:        logger,
		sem:           make(chan struct{}, cfg.MaxConcurrent),
		quit:          make(chan struct{}),
		ctx:           ctx,
		stop:          stop,
		conversations: make(map[string]*conversation),
	}
}

// get returns the actor for jid, starting it on first use.
func (q *Queue) get(jid string) (*conversation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shuttingDown {
		return nil, ErrShuttingDown
	}
	c, ok := q.conversations[jid]
	if !ok {
		c = &conversation{jid: jid, wake: make(chan struct{}, 1)}
		q.conversations[jid] = c
		q.wg.Add(1)
		go q.run(c)
	}
	return c, nil
}

func (q *Queue) lookup(jid string) *conversation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.conversations[jid]
}

func (c *conversation) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// EnqueueMessageCheck asks for the pending messages of jid to be processed.
// Requests made while the conversation is busy collapse into one recheck.
func (q *Queue) EnqueueMessageCheck(jid string) error {
	c, err := q.get(jid)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.pendingMessages = true
	c.mu.Unlock()
	c.signal()
	return nil
}

// EnqueueTask queues a scheduled task. A task already queued or running is
// not queued twice. An idle message sandbox is asked to finish so the task
// can start.
func (q *Queue) EnqueueTask(jid, taskID string, fn TaskFunc) error {
	c, err := q.get(jid)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.runningTask == taskID {
		c.mu.Unlock()
		q.logger.Debug("Task already running", zap.String("chat_jid", jid), zap.String("task_id", taskID))
		return nil
	}
	for _, t := range c.tasks {
		if t.id == taskID {
			c.mu.Unlock()
			q.logger.Debug("Task already queued", zap.String("chat_jid", jid), zap.String("task_id", taskID))
			return nil
		}
	}
	c.tasks = append(c.tasks, pendingTask{id: taskID, fn: fn})
	proc, closeIdle := c.proc, c.proc != nil && c.idle && !c.procIsTask
	c.mu.Unlock()

	if closeIdle {
		q.logger.Debug("Closing idle sandbox for pending task", zap.String("chat_jid", jid))
		_ = proc.CloseInput()
	}
	c.signal()
	return nil
}

// Pipe writes text into the live message sandbox of jid. It reports false
// when there is no live process or the live process runs a task.
func (q *Queue) Pipe(jid, text string) bool {
	c := q.lookup(jid)
	if c == nil {
		return false
	}
	c.mu.Lock()
	proc := c.proc
	if proc == nil || c.procIsTask {
		c.mu.Unlock()
		return false
	}
	c.idle = false
	c.mu.Unlock()

	if err := proc.SendInput(text); err != nil {
		q.logger.Debug("Failed to pipe into sandbox", zap.String("chat_jid", jid), zap.Error(err))
		return false
	}
	return true
}

// RegisterProcess records the live process of jid.
func (q *Queue) RegisterProcess(jid string, proc Process, isTask bool) {
	c := q.lookup(jid)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.proc = proc
	c.procIsTask = isTask
	c.idle = false
	c.mu.Unlock()
}

// NotifyIdle marks the live sandbox of jid as waiting for input. Pending
// tasks preempt it.
func (q *Queue) NotifyIdle(jid string) {
	c := q.lookup(jid)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.idle = true
	proc, closeNow := c.proc, c.proc != nil && len(c.tasks) > 0
	c.mu.Unlock()
	if closeNow {
		_ = proc.CloseInput()
	}
}

// CloseInput tells the live sandbox of jid that no more input will follow.
func (q *Queue) CloseInput(jid string) {
	c := q.lookup(jid)
	if c == nil {
		return
	}
	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()
	if proc != nil {
		_ = proc.CloseInput()
	}
}

// Active reports whether jid currently has work running.
func (q *Queue) Active(jid string) bool {
	c := q.lookup(jid)
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

type job struct {
	taskID string
	task   TaskFunc
}

// next picks the next unit of work. Tasks go before message checks.
func (c *conversation) next() (job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tasks) > 0 {
		t := c.tasks[0]
		c.tasks = c.tasks[1:]
		return job{taskID: t.id, task: t.fn}, true
	}
	if c.pendingMessages {
		c.pendingMessages = false
		return job{}, true
	}
	return job{}, false
}

func (q *Queue) run(c *conversation) {
	defer q.wg.Done()
	for {
		select {
		case <-q.quit:
			return
		case <-c.wake:
		}
		for {
			if q.stopped() {
				return
			}
			j, ok := c.next()
			if !ok {
				break
			}
			// defer, never reject, when every slot is taken
			select {
			case q.sem <- struct{}{}:
			case <-q.quit:
				return
			}
			if !q.begin(c, j) {
				<-q.sem
				return
			}
			q.execute(c, j)
			<-q.sem
		}
	}
}

func (q *Queue) stopped() bool {
	select {
	case <-q.quit:
		return true
	default:
		return false
	}
}

// begin marks j as running unless Shutdown has already started. Holding q.mu
// orders every job start before or after the shutdown flag flips.
func (q *Queue) begin(c *conversation, j job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shuttingDown {
		return false
	}
	c.mu.Lock()
	c.active = true
	c.runningTask = j.taskID
	c.mu.Unlock()
	return true
}

func (q *Queue) execute(c *conversation, j job) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Recovered panic in conversation worker",
				zap.String("chat_jid", c.jid),
				zap.Any("panic", r))
		}
		c.mu.Lock()
		c.active = false
		c.runningTask = ""
		c.proc = nil
		c.procIsTask = false
		c.idle = false
		c.mu.Unlock()
	}()

	if j.task != nil {
		q.logger.Debug("Running task", zap.String("chat_jid", c.jid), zap.String("task_id", j.taskID))
		j.task(q.ctx)
		return
	}

	if q.process(q.ctx, c.jid) {
		c.mu.Lock()
		c.retries = 0
		c.mu.Unlock()
		return
	}
	q.scheduleRetry(c)
}

func (q *Queue) scheduleRetry(c *conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.retries++
	if c.retries > q.cfg.MaxRetries {
		q.logger.Error("Max retries exceeded, waiting for new messages",
			zap.String("chat_jid", c.jid),
			zap.Int("retries", c.retries-1))
		c.retries = 0
		return
	}
	delay := q.cfg.RetryBase * time.Duration(1<<(c.retries-1))
	q.logger.Info("Scheduling retry",
		zap.String("chat_jid", c.jid),
		zap.Int("retry", c.retries),
		zap.Duration("delay", delay))
	jid := c.jid
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(delay, func() {
		_ = q.EnqueueMessageCheck(jid)
	})
}

// Shutdown stops accepting work, closes the input of live sandboxes and waits
// for them until ctx expires, after which they are killed.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		return nil
	}
	q.shuttingDown = true
	convs := make([]*conversation, 0, len(q.conversations))
	for _, c := range q.conversations {
		convs = append(convs, c)
	}
	q.mu.Unlock()

	close(q.quit)
	for _, c := range convs {
		c.mu.Lock()
		proc := c.proc
		if c.retryTimer != nil {
			c.retryTimer.Stop()
		}
		c.mu.Unlock()
		if proc != nil {
			_ = proc.CloseInput()
		}
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.stop()
		return nil
	case <-ctx.Done():
	}

	var killed int
	for _, c := range convs {
		c.mu.Lock()
		proc := c.proc
		c.mu.Unlock()
		if proc != nil {
			proc.Kill()
			killed++
		}
	}
	q.logger.Warn("Shutdown deadline reached, killed live sandboxes", zap.Int("killed", killed))
	q.stop()
	<-done
	return ctx.Err()
}
