package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"html"
	"io"
	"net/http"
	"time"

	nodeflow "nodeflow"
)

// MaxMessageLength is the longest message stored or sent to Discord.
const MaxMessageLength = 2000

// WebhookConfig controls chat webhook delivery.
type WebhookConfig struct {
	Client  *http.Client
	Timeout time.Duration
}

func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{Timeout: 15 * time.Second}
}

type chatWebhookData struct {
	VariableName string `json:"variableName"`
	WebhookURL   string `json:"webhookUrl"`
	Content      string `json:"content"`
	Username     string `json:"username"`
}

// ChatWebhookExecutor posts a rendered message to a chat webhook.
type ChatWebhookExecutor struct {
	label    string
	stepName string
	client   *http.Client
	// payload builds the request body from the final content and username.
	payload func(content, username string) map[string]any
}

// NewDiscordExecutor posts {content, username} truncated to MaxMessageLength.
func NewDiscordExecutor(cfg WebhookConfig) *ChatWebhookExecutor {
	return &ChatWebhookExecutor{
		label:    "Discord",
		stepName: "discord-webhook",
		client:   webhookClient(cfg),
		payload: func(content, username string) map[string]any {
			body := map[string]any{"content": truncate(content, MaxMessageLength)}
			if username != "" {
				body["username"] = username
			}
			return body
		},
	}
}

// NewSlackExecutor posts {content}.
func NewSlackExecutor(cfg WebhookConfig) *ChatWebhookExecutor {
	return &ChatWebhookExecutor{
		label:    "Slack",
		stepName: "slack-webhook",
		client:   webhookClient(cfg),
		payload: func(content, _ string) map[string]any {
			return map[string]any{"content": content}
		},
	}
}

func webhookClient(cfg WebhookConfig) *http.Client {
	if cfg.Client != nil {
		return cfg.Client
	}
	return &http.Client{Timeout: cfg.Timeout}
}

func (e *ChatWebhookExecutor) Execute(ctx context.Context, in Input) (nodeflow.Context, error) {
	return track(ctx, in, func() (nodeflow.Context, error) {
		var data chatWebhookData
		if err := decodeData(in, &data); err != nil {
			return nil, err
		}
		if data.Content == "" {
			return nil, nodeflow.NonRetriablef("%s node %s: message content is missing", e.label, in.NodeID)
		}
		if err := requireVariable(e.label, in, data.VariableName); err != nil {
			return nil, err
		}
		if data.WebhookURL == "" {
			return nil, nodeflow.NonRetriablef("%s node %s: webhook url is missing", e.label, in.NodeID)
		}

		rendered, err := in.render(data.Content)
		if err != nil {
			return nil, err
		}
		content := html.UnescapeString(rendered)
		var username string
		if data.Username != "" {
			if username, err = in.render(data.Username); err != nil {
				return nil, err
			}
			username = html.UnescapeString(username)
		}

		body := e.payload(content, username)
		err = in.steps().Run(ctx, e.stepName, func(ctx context.Context) (any, error) {
			return nil, e.post(ctx, data.WebhookURL, body)
		}, nil)
		if err != nil {
			return nil, err
		}
		return in.Context.With(data.VariableName, map[string]any{
			"messageContent": truncate(content, MaxMessageLength),
		}), nil
	})
}

func (e *ChatWebhookExecutor) post(ctx context.Context, url string, body map[string]any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return nodeflow.NonRetriable(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nodeflow.NonRetriable(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// The webhook URL embeds a token, keep it out of errors.
		return classifyStatus(&HTTPStatusError{Method: http.MethodPost, URL: e.label + " webhook", StatusCode: resp.StatusCode, Status: resp.Status})
	}
	return nil
}

// truncate cuts s to at most n characters.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func init() {
	Describe(Definition{Type: nodeflow.NodeTypeDiscord, Description: "Posts a message to a Discord webhook and stores {messageContent}."})
	Describe(Definition{Type: nodeflow.NodeTypeSlack, Description: "Posts a message to a Slack webhook and stores {messageContent}."})
}
