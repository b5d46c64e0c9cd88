package nodes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	nodeflow "nodeflow"
)

// DefaultSystemPrompt is used when a node leaves systemPrompt empty.
const DefaultSystemPrompt = "You are a helpful assistant."

// ProviderConfig describes one OpenAI-compatible text generation endpoint.
type ProviderConfig struct {
	// Label prefixes error messages, e.g. "OpenAI".
	Label          string
	CredentialType nodeflow.CredentialType
	BaseURL        string
	// APIKey is used when a node has no credential attached.
	APIKey       string
	DefaultModel string
	StepName     string
	MaxTokens    int
	HTTPClient   *http.Client
}

// DefaultProviders returns the built-in provider table.
func DefaultProviders() map[nodeflow.NodeType]ProviderConfig {
	return map[nodeflow.NodeType]ProviderConfig{
		nodeflow.NodeTypeOpenAI: {
			Label:          "OpenAI",
			CredentialType: nodeflow.CredentialOpenAI,
			BaseURL:        "https://api.openai.com/v1",
			DefaultModel:   "gpt-4o-mini",
			StepName:       "openai-generate-text",
		},
		nodeflow.NodeTypeAnthropic: {
			Label:          "Anthropic",
			CredentialType: nodeflow.CredentialAnthropic,
			BaseURL:        "https://api.anthropic.com/v1",
			DefaultModel:   "claude-3-5-haiku-latest",
			StepName:       "anthropic-generate-text",
			MaxTokens:      1024,
		},
		nodeflow.NodeTypeGemini: {
			Label:          "Gemini",
			CredentialType: nodeflow.CredentialGemini,
			BaseURL:        "https://generativelanguage.googleapis.com/v1beta/openai",
			DefaultModel:   "gemini-1.5-flash",
			StepName:       "gemini-generate-text",
		},
	}
}

type textGenerationData struct {
	VariableName string `json:"variableName"`
	Model        string `json:"model"`
	SystemPrompt string `json:"systemPrompt"`
	UserPrompt   string `json:"userPrompt"`
}

// generationInput is recorded next to the step output.
type generationInput struct {
	Model  string `json:"model"`
	System string `json:"system"`
	Prompt string `json:"prompt"`
}

type generationOutput struct {
	Text string `json:"text"`
}

// TextGenerationExecutor calls a chat completion endpoint through go-openai.
type TextGenerationExecutor struct {
	cfg ProviderConfig
}

func NewTextGenerationExecutor(cfg ProviderConfig) *TextGenerationExecutor {
	if cfg.Label == "" {
		cfg.Label = "Text generation"
	}
	if cfg.StepName == "" {
		cfg.StepName = strings.ToLower(cfg.Label) + "-generate-text"
	}
	return &TextGenerationExecutor{cfg: cfg}
}

func (e *TextGenerationExecutor) Execute(ctx context.Context, in Input) (nodeflow.Context, error) {
	return track(ctx, in, func() (nodeflow.Context, error) {
		var data textGenerationData
		if err := decodeData(in, &data); err != nil {
			return nil, err
		}
		if err := requireVariable(e.cfg.Label, in, data.VariableName); err != nil {
			return nil, err
		}
		if data.UserPrompt == "" {
			return nil, nodeflow.NonRetriablef("%s node %s: user prompt is missing", e.cfg.Label, in.NodeID)
		}
		apiKey, err := e.apiKey(in)
		if err != nil {
			return nil, err
		}

		system := DefaultSystemPrompt
		if data.SystemPrompt != "" {
			if system, err = in.render(data.SystemPrompt); err != nil {
				return nil, err
			}
		}
		prompt, err := in.render(data.UserPrompt)
		if err != nil {
			return nil, err
		}
		model := data.Model
		if model == "" {
			model = e.cfg.DefaultModel
		}

		input := generationInput{Model: model, System: system, Prompt: prompt}
		var out generationOutput
		err = in.steps().RunAI(ctx, e.cfg.StepName, input, func(ctx context.Context) (any, error) {
			return e.generate(ctx, apiKey, input)
		}, &out)
		if err != nil {
			return nil, err
		}
		return in.Context.With(data.VariableName, map[string]any{"text": out.Text}), nil
	})
}

func (e *TextGenerationExecutor) apiKey(in Input) (string, error) {
	if in.Credential != nil {
		if in.Credential.Type != e.cfg.CredentialType {
			return "", nodeflow.NonRetriablef("%s node %s: credential %s has type %s, want %s",
				e.cfg.Label, in.NodeID, in.Credential.ID, in.Credential.Type, e.cfg.CredentialType)
		}
		return in.Credential.Value, nil
	}
	if e.cfg.APIKey != "" {
		return e.cfg.APIKey, nil
	}
	return "", nodeflow.NonRetriablef("%s node %s: no credential configured", e.cfg.Label, in.NodeID)
}

func (e *TextGenerationExecutor) generate(ctx context.Context, apiKey string, input generationInput) (*generationOutput, error) {
	clientCfg := openai.DefaultConfig(apiKey)
	if e.cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(e.cfg.BaseURL, "/")
	}
	if e.cfg.HTTPClient != nil {
		clientCfg.HTTPClient = e.cfg.HTTPClient
	}
	client := openai.NewClientWithConfig(clientCfg)

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: input.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: input.System},
			{Role: openai.ChatMessageRoleUser, Content: input.Prompt},
		},
		MaxTokens: e.cfg.MaxTokens,
	})
	if err != nil {
		return nil, classifyProviderError(e.cfg.Label, err)
	}
	if len(resp.Choices) == 0 {
		return &generationOutput{}, nil
	}
	return &generationOutput{Text: resp.Choices[0].Message.Content}, nil
}

// classifyProviderError keeps rate limits and outages retriable; a request
// the provider rejects outright will be rejected again.
func classifyProviderError(label string, err error) error {
	wrapped := fmt.Errorf("%s call failed: %w", label, err)

	code := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		code = reqErr.HTTPStatusCode
	}
	if permanentStatus(code) {
		return nodeflow.NonRetriable(wrapped)
	}
	return wrapped
}

func init() {
	for t, p := range DefaultProviders() {
		Describe(Definition{
			Type:        t,
			Description: fmt.Sprintf("Generates text with %s (default model %s) and stores {text} under variableName.", p.Label, p.DefaultModel),
		})
	}
}
