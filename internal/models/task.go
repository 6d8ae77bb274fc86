package models

import (
	"time"
)

type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
)

type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
)

type ContextMode string

const (
	// ContextConversation resumes the conversation's session
	ContextConversation ContextMode = "conversation"
	// ContextIsolated starts every run without a session
	ContextIsolated ContextMode = "isolated"
)

// Task is a recurring or one-shot instruction bound to a conversation
type Task struct {
	ID            string       `json:"id"`
	ChatJID       string       `json:"chat_jid"`
	Folder        string       `json:"folder"`
	Prompt        string       `json:"prompt"`
	ScheduleType  ScheduleType `json:"schedule_type"`
	ScheduleValue string       `json:"schedule_value"`
	ContextMode   ContextMode  `json:"context_mode"`
	Model         string       `json:"model,omitempty"`
	MaxBudgetUSD  float64      `json:"max_budget_usd,omitempty"`
	NextRun       *time.Time   `json:"next_run,omitempty"`
	LastRun       *time.Time   `json:"last_run,omitempty"`
	LastResult    string       `json:"last_result,omitempty"`
	Status        TaskStatus   `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
}

type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// TaskRunLog is an immutable record of one task run
type TaskRunLog struct {
	ID       string        `json:"id"`
	TaskID   string        `json:"task_id"`
	RunAt    time.Time     `json:"run_at"`
	Duration time.Duration `json:"duration"`
	Status   RunStatus     `json:"status"`
	Result   string        `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
}
