package sandbox

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/xaenox/sandbot/internal/models"
)

const (
	startMarkerPrefix = "---SANDBOT_OUTPUT_START:"
	endMarkerPrefix   = "---SANDBOT_OUTPUT_END:"
	markerSuffix      = "---"
)

// StartMarker returns the line that opens an output chunk for nonce.
func StartMarker(nonce string) string { return startMarkerPrefix + nonce + markerSuffix }

// EndMarker returns the line that closes an output chunk for nonce.
func EndMarker(nonce string) string { return endMarkerPrefix + nonce + markerSuffix }

// NewNonce returns 16 random bytes, hex encoded.
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Input is the first line the sandbox reads from stdin.
type Input struct {
	Prompt          string            `json:"prompt"`
	SessionID       string            `json:"sessionId,omitempty"`
	ChatJID         string            `json:"chatJid"`
	GroupFolder     string            `json:"groupFolder"`
	IsMain          bool              `json:"isMain"`
	IsScheduledTask bool              `json:"isScheduledTask,omitempty"`
	AssistantName   string            `json:"assistantName,omitempty"`
	Nonce           string            `json:"nonce"`
	Secrets         map[string]string `json:"secrets,omitempty"`
	Model           string            `json:"model,omitempty"`
	MaxBudgetUSD    float64           `json:"maxBudgetUsd,omitempty"`
}

// FollowUp is written to stdin for every message piped into a live sandbox.
type FollowUp struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const followUpMessage = "message"

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Usage is the token accounting carried by an output chunk.
type Usage struct {
	InputTokens      int64   `json:"inputTokens"`
	OutputTokens     int64   `json:"outputTokens"`
	CacheReadTokens  int64   `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int64   `json:"cacheWriteTokens,omitempty"`
	CostUSD          float64 `json:"costUsd,omitempty"`
}

func (u Usage) TokenUsage() models.TokenUsage {
	return models.TokenUsage{
		InputTokens:      u.InputTokens,
		OutputTokens:     u.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens,
		CostUSD:          u.CostUSD,
	}
}

// Output is one marker-wrapped JSON object emitted by the sandbox.
type Output struct {
	Status       Status `json:"status"`
	Result       string `json:"result,omitempty"`
	NewSessionID string `json:"newSessionId,omitempty"`
	Error        string `json:"error,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// WriteOutput emits out between the markers for nonce.
func WriteOutput(w io.Writer, nonce string, out *Output) error {
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.WriteString(StartMarker(nonce))
	buf.WriteByte('\n')
	buf.Write(data)
	buf.WriteByte('\n')
	buf.WriteString(EndMarker(nonce))
	buf.WriteByte('\n')
	_, err = w.Write(buf.Bytes())
	return err
}
