package mailbox

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// Request types a sandbox may drop into its requests directory.
const (
	TypeMessage              = "message"
	TypeScheduleTask         = "schedule_task"
	TypePauseTask            = "pause_task"
	TypeResumeTask           = "resume_task"
	TypeCancelTask           = "cancel_task"
	TypeRefreshConversations = "refresh_conversations"
	TypeRegisterConversation = "register_conversation"
)

// Request is one mailbox file. Which fields matter depends on Type.
type Request struct {
	Type string `json:"type"`

	// ChatJID is the conversation acted on; it defaults to the sender's own.
	ChatJID string `json:"chat_jid,omitempty"`
	Text    string `json:"text,omitempty"`

	TaskID        string  `json:"task_id,omitempty"`
	Prompt        string  `json:"prompt,omitempty"`
	ScheduleType  string  `json:"schedule_type,omitempty"`
	ScheduleValue string  `json:"schedule_value,omitempty"`
	ContextMode   string  `json:"context_mode,omitempty"`
	Model         string  `json:"model,omitempty"`
	MaxBudgetUSD  float64 `json:"max_budget_usd,omitempty"`

	Name            string `json:"name,omitempty"`
	Folder          string `json:"folder,omitempty"`
	Trigger         string `json:"trigger,omitempty"`
	RequiresTrigger *bool  `json:"requires_trigger,omitempty"`
}

// ParseRequest decodes a request written as JSON, tolerating comments and
// trailing commas.
func ParseRequest(data []byte) (*Request, error) {
	stripped := jsonc.ToJSON(data)

	var req Request
	if err := json.Unmarshal(stripped, &req); err != nil {
		return nil, fmt.Errorf("parsing request: %w", err)
	}
	if req.Type == "" {
		return nil, fmt.Errorf("request has no type")
	}
	return &req, nil
}

func readRequest(path string) (*Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ParseRequest(data)
}
