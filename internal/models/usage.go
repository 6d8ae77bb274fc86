package models

import (
	"time"
)

// TokenUsage holds the token counters reported by one invocation
type TokenUsage struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
}

// Add accumulates other into u
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
	u.CostUSD += other.CostUSD
}

// IsZero reports whether nothing was counted
func (u TokenUsage) IsZero() bool {
	return u == TokenUsage{}
}

// UsageEntry is one row of the usage ledger. StartedAt is the invocation
// start, which decides the day the entry is charged to.
type UsageEntry struct {
	ID        string     `json:"id"`
	ChatJID   string     `json:"chat_jid"`
	Model     string     `json:"model"`
	Usage     TokenUsage `json:"usage"`
	StartedAt time.Time  `json:"started_at"`
}
