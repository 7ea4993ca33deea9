package optimize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mbd888/promptforge/internal/metrics"
	"github.com/mbd888/promptforge/internal/traces"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

const systemPromptTemplate = `You are an expert AI prompt engineer. Your task is to optimize prompts for clarity, effectiveness, and token efficiency.

Analyze the given prompt and:
1. Improve clarity and specificity
2. Add relevant context or constraints if needed
3. Optimize for the target model (%s)
4. Reduce unnecessary verbosity while maintaining intent
5. Ensure the prompt follows best practices

Provide your response as a JSON object with:
- "optimized": the improved prompt
- "improvements": array of key changes made
- "tokensEstimate": estimated token count`

// OpenAIClient is a Completion backed by the OpenAI chat completions API.
type OpenAIClient struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewOpenAIClient creates an OpenAI-backed completion client.
// baseURL may be empty for the public API; model is the default
// completion model when a request does not name one.
func NewOpenAIClient(apiKey, baseURL, model string) *OpenAIClient {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Optimize rewrites the prompt. The model named in the request is only
// used as the optimization target in the instructions; the completion
// itself always runs on the configured model.
func (o *OpenAIClient) Optimize(ctx context.Context, req Request) (*Result, error) {
	if o.apiKey == "" {
		return nil, ErrNotConfigured
	}

	targetModel := req.Model
	if targetModel == "" {
		targetModel = "gpt-4"
	}

	userPrompt := "Prompt to optimize: " + req.Prompt
	if req.Context != "" {
		userPrompt = "Context: " + req.Context + "\n\n" + userPrompt
	}

	body := chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: fmt.Sprintf(systemPromptTemplate, targetModel)},
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0.7,
	}
	body.ResponseFormat.Type = "json_object"

	ctx, span := traces.StartSpan(ctx, "optimize.Completion", traces.Model(o.model))
	defer span.End()

	start := time.Now()
	resp, err := o.post(ctx, "/chat/completions", body)
	metrics.CompletionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("optimize: completion request: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("optimize: completion returned no choices")
	}

	var parsed struct {
		Optimized      string   `json:"optimized"`
		Improvements   []string `json:"improvements"`
		TokensEstimate int64    `json:"tokensEstimate"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &parsed); err != nil {
		return nil, fmt.Errorf("optimize: parse completion output: %w", err)
	}

	result := &Result{
		Original:       req.Prompt,
		Optimized:      parsed.Optimized,
		Improvements:   parsed.Improvements,
		TokensEstimate: parsed.TokensEstimate,
	}
	if result.Optimized == "" {
		result.Optimized = req.Prompt
	}
	if result.Improvements == nil {
		result.Improvements = []string{}
	}
	return result, nil
}

func (o *OpenAIClient) post(ctx context.Context, path string, payload interface{}) (*chatResponse, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != nil {
			return nil, fmt.Errorf("openai: %s (%s)", out.Error.Message, out.Error.Type)
		}
		return nil, fmt.Errorf("openai: unexpected status %d", resp.StatusCode)
	}
	return &out, nil
}

var _ Completion = (*OpenAIClient)(nil)
