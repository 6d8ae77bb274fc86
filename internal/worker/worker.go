// Package worker is the reference program that runs inside a sandbox. It
// answers prompts with OpenAI chat completions and keeps the chat history of
// a session on disk so later invocations can resume it.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/xaenox/sandbot/internal/sandbox"
)

const (
	apiKeySecret  = "OPENAI_API_KEY"
	baseURLSecret = "OPENAI_BASE_URL"
	memoryFile    = "MEMORY.md"
	maxLineBytes  = 16 * 1024 * 1024
)

var errNoAPIKey = errors.New("no " + apiKeySecret + " in sandbox secrets")

type Config struct {
	SessionDir      string
	ConversationDir string
	DefaultModel    string
	MaxTokens       int
}

type Worker struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Worker {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openai.GPT4oMini
	}
	return &Worker{cfg: cfg, logger: logger}
}

// session is one conversation with the model.
type session struct {
	id      string
	path    string
	model   string
	client  *openai.Client
	history []openai.ChatCompletionMessage
}

// Run reads the input line from stdin, answers it, then answers every
// follow-up until stdin is closed.
func (w *Worker) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	reader := bufio.NewReaderSize(stdin, 64*1024)
	line, err := readLine(reader)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	var in sandbox.Input
	if err := json.Unmarshal(line, &in); err != nil {
		return fmt.Errorf("parsing input: %w", err)
	}
	if in.Nonce == "" {
		return errors.New("input has no nonce")
	}
	logger := w.logger.With(zap.String("folder", in.GroupFolder))

	s, err := w.open(&in)
	if err != nil {
		_ = sandbox.WriteOutput(stdout, in.Nonce, &sandbox.Output{Status: sandbox.StatusError, Error: err.Error()})
		return err
	}
	logger.Info("Session opened", zap.String("session_id", s.id), zap.Int("history", len(s.history)))

	if err := w.turn(ctx, s, in.Prompt, in.Nonce, stdout); err != nil {
		return err
	}

	for {
		line, err := readLine(reader)
		if errors.Is(err, io.EOF) {
			logger.Info("Input closed, exiting")
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading follow-up: %w", err)
		}
		if len(line) == 0 {
			continue
		}
		var f sandbox.FollowUp
		if err := json.Unmarshal(line, &f); err != nil {
			logger.Warn("Ignoring malformed follow-up", zap.Error(err))
			continue
		}
		if f.Type != "message" || strings.TrimSpace(f.Text) == "" {
			continue
		}
		// a failed follow-up is reported and the session stays open
		if err := w.turn(ctx, s, f.Text, in.Nonce, stdout); err != nil {
			logger.Warn("Follow-up failed", zap.Error(err))
		}
	}
}

func (w *Worker) open(in *sandbox.Input) (*session, error) {
	key := in.Secrets[apiKeySecret]
	if key == "" {
		return nil, errNoAPIKey
	}
	clientCfg := openai.DefaultConfig(key)
	if base := in.Secrets[baseURLSecret]; base != "" {
		clientCfg.BaseURL = base
	}

	model := in.Model
	if model == "" || model == "default" {
		model = w.cfg.DefaultModel
	}
	s := &session{
		id:     in.SessionID,
		model:  model,
		client: openai.NewClientWithConfig(clientCfg),
	}
	if s.id == "" {
		s.id = uuid.New().String()
	}
	if strings.ContainsAny(s.id, `/\`) || strings.HasPrefix(s.id, ".") {
		return nil, fmt.Errorf("invalid session id %q", s.id)
	}
	s.path = filepath.Join(w.cfg.SessionDir, s.id+".json")

	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.history); err != nil {
			w.logger.Warn("Discarding unreadable session history", zap.String("session_id", s.id), zap.Error(err))
			s.history = nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("reading session: %w", err)
	}
	if len(s.history) == 0 {
		s.history = []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleSystem,
			Content: w.systemPrompt(in),
		}}
	}
	return s, nil
}

func (w *Worker) systemPrompt(in *sandbox.Input) string {
	name := in.AssistantName
	if name == "" {
		name = "the assistant"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, an assistant taking part in a chat. ", name)
	b.WriteString("Incoming chat messages arrive wrapped in <messages> with the sender and time of each message. ")
	b.WriteString("Reply with the text to post in the chat. Wrap anything that must not be posted in <internal></internal>.")
	if in.IsScheduledTask {
		b.WriteString("\nThis run was started by a scheduled task, not by a person.")
	}
	if w.cfg.ConversationDir != "" {
		if memory, err := os.ReadFile(filepath.Join(w.cfg.ConversationDir, memoryFile)); err == nil && len(memory) > 0 {
			b.WriteString("\n\nNotes kept for this conversation:\n")
			b.Write(memory)
		}
	}
	return b.String()
}

func (w *Worker) turn(ctx context.Context, s *session, prompt, nonce string, stdout io.Writer) error {
	s.history = append(s.history, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     s.model,
		Messages:  s.history,
		MaxTokens: w.cfg.MaxTokens,
	})
	if err == nil && len(resp.Choices) == 0 {
		err = errors.New("completion returned no choices")
	}
	if err != nil {
		// drop the unanswered prompt so the saved history stays alternating
		s.history = s.history[:len(s.history)-1]
		w.logger.Error("Failed to get completion", zap.Error(err))
		out := &sandbox.Output{Status: sandbox.StatusError, Error: err.Error(), NewSessionID: s.id}
		if werr := sandbox.WriteOutput(stdout, nonce, out); werr != nil {
			return werr
		}
		return err
	}

	reply := resp.Choices[0].Message
	s.history = append(s.history, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: reply.Content,
	})
	if err := s.save(); err != nil {
		w.logger.Warn("Failed to save session", zap.String("session_id", s.id), zap.Error(err))
	}

	usage := &sandbox.Usage{
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}
	if d := resp.Usage.PromptTokensDetails; d != nil {
		usage.CacheReadTokens = int64(d.CachedTokens)
		usage.InputTokens -= int64(d.CachedTokens)
	}
	return sandbox.WriteOutput(stdout, nonce, &sandbox.Output{
		Status:       sandbox.StatusSuccess,
		Result:       reply.Content,
		NewSessionID: s.id,
		Usage:        usage,
	})
}

func (s *session) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	data, err := json.Marshal(s.history)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// readLine returns the next newline-terminated line without the newline. A
// final line without a newline is returned before io.EOF.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if len(line) > 0 && errors.Is(err, io.EOF) {
				return line, nil
			}
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxLineBytes {
			return nil, fmt.Errorf("line exceeds %d bytes", maxLineBytes)
		}
		if !isPrefix {
			return line, nil
		}
	}
}
