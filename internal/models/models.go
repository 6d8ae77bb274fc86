package models

import (
	"fmt"
	"regexp"
	"time"
)

var folderPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// reserved folder names used by the host itself
var reservedFolders = map[string]bool{"global": true, "tools": true, "ipc": true, "logs": true}

// ValidateFolder checks that name is safe to use as a conversation folder
func ValidateFolder(name string) error {
	if !folderPattern.MatchString(name) {
		return fmt.Errorf("invalid folder name %q", name)
	}
	if reservedFolders[name] {
		return fmt.Errorf("folder name %q is reserved", name)
	}
	return nil
}

// Conversation is a registered chat whose traffic is dispatched to a sandbox
type Conversation struct {
	JID             string               `json:"jid"`
	Name            string               `json:"name"`
	Folder          string               `json:"folder"`
	Trigger         string               `json:"trigger"`
	RequiresTrigger bool                 `json:"requires_trigger"`
	IsMain          bool                 `json:"is_main"`
	AddedAt         time.Time            `json:"added_at"`
	Settings        ConversationSettings `json:"settings"`
}

// ConversationSettings holds the per-conversation overrides
type ConversationSettings struct {
	Mounts           []MountGrant  `json:"mounts,omitempty"`
	CredentialScopes []string      `json:"credential_scopes,omitempty"`
	Timeout          time.Duration `json:"timeout,omitempty"`
	Model            string        `json:"model,omitempty"`
	MaxBudgetUSD     float64       `json:"max_budget_usd,omitempty"`
	Timezone         string        `json:"timezone,omitempty"`
}

// MountGrant is an extra host directory made visible inside the sandbox
type MountGrant struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path,omitempty"`
	ReadOnly      bool   `json:"read_only"`
}

// NeedsTrigger reports whether dispatch for this conversation is gated by its trigger phrase
func (c *Conversation) NeedsTrigger() bool {
	return !c.IsMain && c.RequiresTrigger
}

// Message is an inbound or outbound chat message. Messages are append-only.
type Message struct {
	ID           string    `json:"id"`
	ChatJID      string    `json:"chat_jid"`
	Sender       string    `json:"sender"`
	SenderName   string    `json:"sender_name"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
	IsFromMe     bool      `json:"is_from_me"`
	IsBotMessage bool      `json:"is_bot_message"`
}

// ChatActivity summarises the latest traffic of one chat
type ChatActivity struct {
	ChatJID      string    `json:"chat_jid"`
	Name         string    `json:"name,omitempty"`
	LastMessage  time.Time `json:"last_message"`
	MessageCount int       `json:"message_count"`
}
