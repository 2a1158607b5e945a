package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bloom/backend/internal/config"
)

type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type textModelRequest struct {
	SystemPrompt  string
	ContextPrompt string
	History       []ChatTurn
	UserMessage   string
}

type visionModelRequest struct {
	SystemPrompt  string
	ContextPrompt string
	UserMessage   string
	ImageURL      string
}

type textModelClient interface {
	Complete(ctx context.Context, req textModelRequest) (string, error)
}

type visionModelClient interface {
	Analyze(ctx context.Context, req visionModelRequest) (string, error)
}

// jsonModelClient produces completions constrained to a single JSON object,
// used for structured generation like daily tips.
type jsonModelClient interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// modelDispatcher routes each chat turn to exactly one backend: the text
// model for plain messages, the vision model whenever an image is attached.
type modelDispatcher struct {
	text   textModelClient
	vision visionModelClient
	tips   jsonModelClient
}

func newModelDispatcher(cfg config.Config) *modelDispatcher {
	httpClient := &http.Client{
		Timeout: time.Duration(cfg.AITimeoutSeconds) * time.Second,
	}
	deepseek := &deepseekClient{
		apiKey:     strings.TrimSpace(cfg.DeepSeekAPIKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.DeepSeekBaseURL), "/"),
		model:      strings.TrimSpace(cfg.DeepSeekModel),
		maxTokens:  cfg.TextMaxTokens,
		httpClient: httpClient,
	}
	return &modelDispatcher{
		text: deepseek,
		tips: deepseek,
		vision: &openAIVisionClient{
			apiKey:     strings.TrimSpace(cfg.OpenAIAPIKey),
			baseURL:    strings.TrimRight(strings.TrimSpace(cfg.OpenAIBaseURL), "/"),
			model:      strings.TrimSpace(cfg.OpenAIVisionModel),
			maxTokens:  cfg.VisionMaxTokens,
			httpClient: httpClient,
		},
	}
}

type configError struct {
	Name string
}

func (e *configError) Error() string {
	return e.Name + " is not configured"
}

type upstreamError struct {
	Provider   string
	StatusCode int
	Detail     string
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("%s API error (%d): %s", e.Provider, e.StatusCode, e.Detail)
}

var errEmptyCompletion = errors.New("model response had no content")

// isModelError reports whether err is a typed model-layer failure. The chat
// handler surfaces those verbatim alongside the canned fallback; anything
// else gets a generic detail.
func isModelError(err error) bool {
	var cfgErr *configError
	var upErr *upstreamError
	return errors.As(err, &cfgErr) || errors.As(err, &upErr) || errors.Is(err, errEmptyCompletion)
}

// deepseekClient talks to the DeepSeek chat completions endpoint, which is
// wire-compatible with the OpenAI chat API.
type deepseekClient struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

func (c *deepseekClient) Complete(ctx context.Context, req textModelRequest) (string, error) {
	if c.apiKey == "" {
		return "", &configError{Name: "DEEPSEEK_API_KEY"}
	}

	messages := make([]ChatTurn, 0, len(req.History)+2)
	messages = append(messages, ChatTurn{
		Role:    "system",
		Content: req.SystemPrompt + "\n\nCURRENT CONTEXT:\n" + req.ContextPrompt,
	})
	messages = append(messages, req.History...)
	messages = append(messages, ChatTurn{Role: "user", Content: req.UserMessage})

	payload := map[string]any{
		"model":             c.model,
		"messages":          messages,
		"temperature":       0.7,
		"max_tokens":        c.maxTokens,
		"presence_penalty":  0.1,
		"frequency_penalty": 0.1,
	}

	return postChatCompletion(ctx, c.httpClient, "deepseek", c.baseURL, c.apiKey, payload)
}

func (c *deepseekClient) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.apiKey == "" {
		return "", &configError{Name: "DEEPSEEK_API_KEY"}
	}
	payload := map[string]any{
		"model": c.model,
		"messages": []ChatTurn{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		"temperature":     0.7,
		"max_tokens":      500,
		"response_format": map[string]any{"type": "json_object"},
	}
	return postChatCompletion(ctx, c.httpClient, "deepseek", c.baseURL, c.apiKey, payload)
}

// openAIVisionClient sends image turns to an OpenAI vision-capable chat
// model. The image is referenced by URL at low detail to keep cost down.
type openAIVisionClient struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

func (c *openAIVisionClient) Analyze(ctx context.Context, req visionModelRequest) (string, error) {
	if c.apiKey == "" {
		return "", &configError{Name: "OPENAI_API_KEY"}
	}

	userText := strings.TrimSpace(req.UserMessage)
	if userText == "" {
		userText = defaultVisionInstruction
	}

	messages := []map[string]any{
		{
			"role":    "system",
			"content": req.SystemPrompt + "\n\nCURRENT CONTEXT:\n" + req.ContextPrompt,
		},
		{
			"role": "user",
			"content": []map[string]any{
				{
					"type": "text",
					"text": userText,
				},
				{
					"type": "image_url",
					"image_url": map[string]any{
						"url":    req.ImageURL,
						"detail": "low",
					},
				},
			},
		},
	}

	payload := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"max_tokens":  c.maxTokens,
		"temperature": 0.7,
	}

	return postChatCompletion(ctx, c.httpClient, "openai", c.baseURL, c.apiKey, payload)
}

func postChatCompletion(ctx context.Context, client *http.Client, provider, baseURL, apiKey string, payload map[string]any) (string, error) {
	bodyRaw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	request, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		baseURL+"/chat/completions",
		bytes.NewReader(bodyRaw),
	)
	if err != nil {
		return "", err
	}
	request.Header.Set("Authorization", "Bearer "+apiKey)
	request.Header.Set("Content-Type", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return "", &upstreamError{Provider: provider, StatusCode: 0, Detail: err.Error()}
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return "", err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return "", &upstreamError{
			Provider:   provider,
			StatusCode: response.StatusCode,
			Detail:     truncateForLog(string(responseBody), 600),
		}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(responseBody, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", errEmptyCompletion
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncateForLog(value string, limit int) string {
	trimmed := strings.TrimSpace(value)
	if limit <= 0 || len(trimmed) <= limit {
		return trimmed
	}
	return trimmed[:limit] + "...(truncated)"
}

// MockTextModel is a canned text backend for tests and local development.
type MockTextModel struct {
	Reply string
	Err   error

	LastRequest *textModelRequest
}

func (m *MockTextModel) Complete(_ context.Context, req textModelRequest) (string, error) {
	m.LastRequest = &req
	if m.Err != nil {
		return "", m.Err
	}
	if m.Reply != "" {
		return m.Reply, nil
	}
	return "Mock response: " + strings.TrimSpace(req.UserMessage), nil
}

// MockJSONModel returns a canned JSON object for structured generation.
type MockJSONModel struct {
	Reply string
	Err   error

	LastSystemPrompt string
	LastUserPrompt   string
}

func (m *MockJSONModel) CompleteJSON(_ context.Context, systemPrompt, userPrompt string) (string, error) {
	m.LastSystemPrompt = systemPrompt
	m.LastUserPrompt = userPrompt
	if m.Err != nil {
		return "", m.Err
	}
	if m.Reply != "" {
		return m.Reply, nil
	}
	return `{"title":"Mock tip","description":"Mock description.","category":"development","quick_tips":["one","two","three","four"]}`, nil
}

// MockVisionModel is the vision counterpart of MockTextModel.
type MockVisionModel struct {
	Reply string
	Err   error

	LastRequest *visionModelRequest
}

func (m *MockVisionModel) Analyze(_ context.Context, req visionModelRequest) (string, error) {
	m.LastRequest = &req
	if m.Err != nil {
		return "", m.Err
	}
	if m.Reply != "" {
		return m.Reply, nil
	}
	return "I can see the image you shared.", nil
}
