// Package responder generates assistant turns for ai-conversation nodes
// using the OpenAI API.
package responder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/FlowPilot/internal/models"
)

// maxHistoryTurns bounds the conversation history replayed to the model so
// long sessions stay under the context limit.
const maxHistoryTurns = 20

// historyTurn is one stored conversation turn. Role is "user" or
// "assistant".
type historyTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Opts holds configuration options for the OpenAI responder.
type Opts struct {
	Model   string
	BaseURL string
}

// Option defines a functional option for configuring the responder.
type Option func(*Opts)

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithBaseURL points the client at an alternate API endpoint.
func WithBaseURL(baseURL string) Option {
	return func(o *Opts) { o.BaseURL = baseURL }
}

// OpenAIResponder produces assistant turns with the OpenAI chat API.
// Conversation history lives in the session's internal variables, so a
// deferred or replayed session resumes with full context.
type OpenAIResponder struct {
	client openai.Client
	model  string
}

// NewOpenAIResponder creates a responder authenticated with the given API
// key.
func NewOpenAIResponder(apiKey string, opts ...Option) (*OpenAIResponder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	cfg := Opts{Model: openai.ChatModelGPT4oMini}
	for _, opt := range opts {
		opt(&cfg)
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIResponder{
		client: openai.NewClient(reqOpts...),
		model:  cfg.Model,
	}, nil
}

// Reply produces the next assistant turn. An empty userText is the node's
// opening turn. done reports that the model emitted the node's done keyword;
// the keyword is stripped from the returned text.
func (r *OpenAIResponder) Reply(ctx context.Context, sess *models.Session, cfg models.AIConfig, userText string) (string, bool, error) {
	history := loadHistory(sess)
	if userText != "" {
		history = append(history, historyTurn{Role: "user", Text: userText})
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt(cfg)),
	}
	for _, turn := range history {
		if turn.Role == "assistant" {
			messages = append(messages, openai.AssistantMessage(turn.Text))
		} else {
			messages = append(messages, openai.UserMessage(turn.Text))
		}
	}
	if userText == "" {
		messages = append(messages, openai.UserMessage("Start the conversation with your opening message."))
	}

	resp, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    r.model,
		Messages: messages,
	})
	if err != nil {
		return "", false, models.NewTransientError(fmt.Errorf("chat completion failed: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", false, models.NewTransientError(fmt.Errorf("chat completion returned no choices"))
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	text, done := stripDoneKeyword(text, cfg.DoneKeyword)

	history = append(history, historyTurn{Role: "assistant", Text: text})
	saveHistory(sess, history)
	slog.Debug("OpenAIResponder.Reply generated turn", "sessionID", sess.ID, "done", done, "turns", len(history))
	return text, done, nil
}

func systemPrompt(cfg models.AIConfig) string {
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = "You are a helpful assistant handling a business's direct messages. Keep replies short and friendly."
	}
	if cfg.DoneKeyword != "" {
		prompt += fmt.Sprintf("\n\nWhen the conversation goal is reached, include the exact token %q in your reply.", cfg.DoneKeyword)
	}
	return prompt
}

// stripDoneKeyword removes the completion token from text and reports
// whether it was present.
func stripDoneKeyword(text, keyword string) (string, bool) {
	if keyword == "" || !strings.Contains(text, keyword) {
		return text, false
	}
	return strings.TrimSpace(strings.ReplaceAll(text, keyword, "")), true
}

func loadHistory(sess *models.Session) []historyTurn {
	raw := sess.Var(models.VarAIHistory)
	if raw == "" {
		return nil
	}
	var history []historyTurn
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		slog.Warn("OpenAIResponder discarding unreadable history", "error", err, "sessionID", sess.ID)
		return nil
	}
	return history
}

func saveHistory(sess *models.Session, history []historyTurn) {
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}
	raw, err := json.Marshal(history)
	if err != nil {
		slog.Error("OpenAIResponder failed to encode history", "error", err, "sessionID", sess.ID)
		return
	}
	sess.SetVar(models.VarAIHistory, string(raw))
}
