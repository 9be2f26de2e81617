package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/FlowPilot/internal/models"
	"github.com/tidwall/gjson"
)

// DefaultRequestTimeout bounds every outbound API call.
const DefaultRequestTimeout = 10 * time.Second

// maxErrorBodyBytes caps how much of an error response body is read back for
// diagnostics.
const maxErrorBodyBytes = 4096

// Opts holds configuration options for the HTTP client.
type Opts struct {
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
}

// Option defines a functional option for configuring the HTTP client.
type Option func(*Opts)

// WithBaseURL sets the API base URL.
func WithBaseURL(baseURL string) Option {
	return func(o *Opts) { o.BaseURL = baseURL }
}

// WithAccessToken sets the bearer token used on every request.
func WithAccessToken(token string) Option {
	return func(o *Opts) { o.AccessToken = token }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// HTTPClient implements Client against the platform's Graph-style REST API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a provider client for the given base URL and token.
func NewHTTPClient(opts ...Option) (*HTTPClient, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider base URL not set")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.AccessToken,
		http:    cfg.HTTPClient,
	}, nil
}

func (c *HTTPClient) SendText(ctx context.Context, accountID, userID, text string) error {
	body := map[string]interface{}{
		"recipient": map[string]string{"id": userID},
		"message":   map[string]string{"text": text},
	}
	return c.post(ctx, fmt.Sprintf("/%s/messages", accountID), body)
}

func (c *HTTPClient) SendQuickReplies(ctx context.Context, accountID, userID, text string, options []models.QuickReplyOption) error {
	replies := make([]map[string]string, 0, len(options))
	for _, opt := range options {
		replies = append(replies, map[string]string{
			"content_type": "text",
			"title":        opt.Title,
			"payload":      opt.Payload,
		})
	}
	body := map[string]interface{}{
		"recipient": map[string]string{"id": userID},
		"message": map[string]interface{}{
			"text":          text,
			"quick_replies": replies,
		},
	}
	return c.post(ctx, fmt.Sprintf("/%s/messages", accountID), body)
}

func (c *HTTPClient) SendButtons(ctx context.Context, accountID, userID, text string, buttons []models.Button) error {
	rendered := make([]map[string]string, 0, len(buttons))
	for _, b := range buttons {
		switch b.Kind {
		case models.ButtonURL:
			rendered = append(rendered, map[string]string{
				"type":  "web_url",
				"title": b.Title,
				"url":   b.URL,
			})
		default:
			rendered = append(rendered, map[string]string{
				"type":    "postback",
				"title":   b.Title,
				"payload": b.Payload,
			})
		}
	}
	body := map[string]interface{}{
		"recipient": map[string]string{"id": userID},
		"message": map[string]interface{}{
			"attachment": map[string]interface{}{
				"type": "template",
				"payload": map[string]interface{}{
					"template_type": "button",
					"text":          text,
					"buttons":       rendered,
				},
			},
		},
	}
	return c.post(ctx, fmt.Sprintf("/%s/messages", accountID), body)
}

func (c *HTTPClient) ReplyToComment(ctx context.Context, accountID, commentID, text string) error {
	body := map[string]interface{}{"message": text}
	return c.post(ctx, fmt.Sprintf("/%s/replies", commentID), body)
}

func (c *HTTPClient) SendPrivateReply(ctx context.Context, accountID, commentID, text string) error {
	body := map[string]interface{}{
		"recipient": map[string]string{"comment_id": commentID},
		"message":   map[string]string{"text": text},
	}
	return c.post(ctx, fmt.Sprintf("/%s/messages", accountID), body)
}

func (c *HTTPClient) IsFollower(ctx context.Context, accountID, userID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/%s?fields=is_user_follow_business&account=%s",
		c.baseURL, url.PathEscape(userID), url.QueryEscape(accountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build follower request failed: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("HTTPClient IsFollower request failed", "error", err, "accountID", accountID, "userID", userID)
		return false, models.NewTransientError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return false, models.NewTransientError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, classifyStatus(resp.StatusCode, data)
	}
	follows := gjson.GetBytes(data, "is_user_follow_business").Bool()
	slog.Debug("HTTPClient IsFollower succeeded", "accountID", accountID, "userID", userID, "follows", follows)
	return follows, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode provider request failed: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build provider request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and connection failures leave the send outcome unknown.
		slog.Error("HTTPClient request failed", "error", err, "path", path)
		return models.NewTransientError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		slog.Debug("HTTPClient request succeeded", "path", path, "status", resp.StatusCode)
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return classifyStatus(resp.StatusCode, data)
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// classifyStatus maps an API error response to the transient or permanent
// side of the retry taxonomy. Rate limiting and server errors are worth
// retrying; everything else in the 4xx range is a request that will never
// succeed as-is.
func classifyStatus(status int, body []byte) error {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	err := fmt.Errorf("provider returned status %d: %s", status, msg)
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return models.NewTransientError(err)
	}
	return models.NewPermanentError(err)
}

// ErrNotConfigured is returned by the nil client used when no provider
// credentials are configured.
var ErrNotConfigured = errors.New("provider not configured")

// Noop is a Client that fails every call. It keeps the rest of the system
// runnable in development environments without provider credentials.
type Noop struct{}

var _ Client = Noop{}

func (Noop) SendText(context.Context, string, string, string) error { return ErrNotConfigured }
func (Noop) SendQuickReplies(context.Context, string, string, string, []models.QuickReplyOption) error {
	return ErrNotConfigured
}
func (Noop) SendButtons(context.Context, string, string, string, []models.Button) error {
	return ErrNotConfigured
}
func (Noop) ReplyToComment(context.Context, string, string, string) error { return ErrNotConfigured }
func (Noop) SendPrivateReply(context.Context, string, string, string) error {
	return ErrNotConfigured
}
func (Noop) IsFollower(context.Context, string, string) (bool, error) { return false, ErrNotConfigured }
