package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xaenox/sandbot/internal/models"
)

type messageKey struct {
	id      string
	chatJID string
}

// MemoryStorage is a Storage kept entirely in process memory.
type MemoryStorage struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[messageKey]*models.Message
	globalCursor  time.Time
	applied       map[string]time.Time
	sessions      map[string]string
	tasks         map[string]*models.Task
	taskRuns      []*models.TaskRunLog
	usage         []*models.UsageEntry
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[messageKey]*models.Message),
		applied:       make(map[string]time.Time),
		sessions:      make(map[string]string),
		tasks:         make(map[string]*models.Task),
	}
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}

// Conversations

func (s *MemoryStorage) RegisterConversation(ctx context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *conv
	if existing, ok := s.conversations[conv.JID]; ok {
		c.AddedAt = existing.AddedAt
	} else if c.AddedAt.IsZero() {
		c.AddedAt = time.Now().UTC()
	}
	conv.AddedAt = c.AddedAt
	s.conversations[conv.JID] = &c
	return nil
}

func (s *MemoryStorage) UnregisterConversation(ctx context.Context, jid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[jid]; !ok {
		return ErrNotFound
	}
	delete(s.conversations, jid)
	return nil
}

func (s *MemoryStorage) GetConversation(ctx context.Context, jid string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[jid]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conv
	return &c, nil
}

func (s *MemoryStorage) ListConversations(ctx context.Context) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	convs := make([]*models.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		c := *conv
		convs = append(convs, &c)
	}
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].AddedAt.Equal(convs[j].AddedAt) {
			return convs[i].AddedAt.Before(convs[j].AddedAt)
		}
		return convs[i].JID < convs[j].JID
	})
	return convs, nil
}

// Messages

func (s *MemoryStorage) SaveMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := messageKey{id: msg.ID, chatJID: msg.ChatJID}
	if _, exists := s.messages[key]; exists {
		return nil
	}
	m := *msg
	s.messages[key] = &m
	return nil
}

func (s *MemoryStorage) filterMessages(match func(*models.Message) bool) []*models.Message {
	var result []*models.Message
	for _, msg := range s.messages {
		if msg.IsBotMessage || !match(msg) {
			continue
		}
		m := *msg
		result = append(result, &m)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Timestamp.Before(result[j].Timestamp)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (s *MemoryStorage) NewMessages(ctx context.Context, jids []string, since time.Time) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(jids))
	for _, jid := range jids {
		wanted[jid] = true
	}
	return s.filterMessages(func(m *models.Message) bool {
		return wanted[m.ChatJID] && m.Timestamp.After(since)
	}), nil
}

func (s *MemoryStorage) MessagesSince(ctx context.Context, jid string, since time.Time) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterMessages(func(m *models.Message) bool {
		return m.ChatJID == jid && m.Timestamp.After(since)
	}), nil
}

func (s *MemoryStorage) RecentActivity(ctx context.Context, limit int) ([]models.ChatActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byChat := make(map[string]*models.ChatActivity)
	for _, msg := range s.messages {
		a, ok := byChat[msg.ChatJID]
		if !ok {
			a = &models.ChatActivity{ChatJID: msg.ChatJID}
			if conv, ok := s.conversations[msg.ChatJID]; ok {
				a.Name = conv.Name
			}
			byChat[msg.ChatJID] = a
		}
		a.MessageCount++
		if msg.Timestamp.After(a.LastMessage) {
			a.LastMessage = msg.Timestamp
		}
	}

	activity := make([]models.ChatActivity, 0, len(byChat))
	for _, a := range byChat {
		activity = append(activity, *a)
	}
	sort.Slice(activity, func(i, j int) bool {
		return activity[i].LastMessage.After(activity[j].LastMessage)
	})
	if limit > 0 && len(activity) > limit {
		activity = activity[:limit]
	}
	return activity, nil
}

// Cursors

func (s *MemoryStorage) GlobalCursor(ctx context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.globalCursor, nil
}

func (s *MemoryStorage) SetGlobalCursor(ctx context.Context, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalCursor = ts
	return nil
}

func (s *MemoryStorage) AppliedCursor(ctx context.Context, jid string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied[jid], nil
}

func (s *MemoryStorage) SetAppliedCursor(ctx context.Context, jid string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied[jid] = ts
	return nil
}

// Sessions

func (s *MemoryStorage) GetSession(ctx context.Context, folder string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[folder], nil
}

func (s *MemoryStorage) SetSession(ctx context.Context, folder, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[folder] = sessionID
	return nil
}

// Tasks

func copyTask(t *models.Task) *models.Task {
	c := *t
	if t.NextRun != nil {
		next := *t.NextRun
		c.NextRun = &next
	}
	if t.LastRun != nil {
		last := *t.LastRun
		c.LastRun = &last
	}
	return &c
}

func (s *MemoryStorage) CreateTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	s.tasks[task.ID] = copyTask(task)
	return nil
}

func (s *MemoryStorage) GetTask(ctx context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(task), nil
}

func (s *MemoryStorage) sortedTasks(match func(*models.Task) bool) []*models.Task {
	var tasks []*models.Task
	for _, task := range s.tasks {
		if match(task) {
			tasks = append(tasks, copyTask(task))
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks
}

func (s *MemoryStorage) ListTasks(ctx context.Context, chatJID string) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sortedTasks(func(t *models.Task) bool {
		return chatJID == "" || t.ChatJID == chatJID
	}), nil
}

func (s *MemoryStorage) DueTasks(ctx context.Context, now time.Time) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := s.sortedTasks(func(t *models.Task) bool {
		return t.Status == models.TaskActive && t.NextRun != nil && !t.NextRun.After(now)
	})
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].NextRun.Before(*tasks[j].NextRun)
	})
	return tasks, nil
}

func (s *MemoryStorage) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	task.Status = status
	return nil
}

func (s *MemoryStorage) UpdateTaskAfterRun(ctx context.Context, id string, nextRun *time.Time, lastRun time.Time, lastResult string, status models.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if nextRun != nil {
		next := *nextRun
		task.NextRun = &next
	} else {
		task.NextRun = nil
	}
	task.LastRun = &lastRun
	task.LastResult = lastResult
	task.Status = status
	return nil
}

func (s *MemoryStorage) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *MemoryStorage) LogTaskRun(ctx context.Context, run *models.TaskRunLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *run
	s.taskRuns = append(s.taskRuns, &r)
	return nil
}

func (s *MemoryStorage) TaskRuns(ctx context.Context, taskID string, limit int) ([]*models.TaskRunLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*models.TaskRunLog
	for i := len(s.taskRuns) - 1; i >= 0; i-- {
		if s.taskRuns[i].TaskID != taskID {
			continue
		}
		r := *s.taskRuns[i]
		runs = append(runs, &r)
		if limit > 0 && len(runs) == limit {
			break
		}
	}
	return runs, nil
}

// Usage

func (s *MemoryStorage) RecordUsage(ctx context.Context, entry *models.UsageEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := *entry
	s.usage = append(s.usage, &e)
	return nil
}

func (s *MemoryStorage) UsageBetween(ctx context.Context, from, to time.Time) ([]*models.UsageEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []*models.UsageEntry
	for _, e := range s.usage {
		if !e.StartedAt.Before(from) && e.StartedAt.Before(to) {
			c := *e
			entries = append(entries, &c)
		}
	}
	return entries, nil
}
