package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const defaultWorkersAIBaseURL = "https://api.cloudflare.com/client/v4"

// WorkersAIClient implements Client against the Cloudflare Workers AI
// run endpoint. The reply text may arrive either at the top level or nested
// under the API's result wrapper; both shapes are accepted.
type WorkersAIClient struct {
	baseURL    string
	accountID  string
	apiToken   string
	httpClient *http.Client
}

// WorkersAIOption configures the Workers AI client.
type WorkersAIOption func(*WorkersAIClient)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) WorkersAIOption {
	return func(w *WorkersAIClient) { w.baseURL = strings.TrimRight(u, "/") }
}

// NewWorkersAIClient creates a Workers AI client for the given account.
func NewWorkersAIClient(accountID, apiToken string, opts ...WorkersAIOption) *WorkersAIClient {
	c := &WorkersAIClient{
		baseURL:    defaultWorkersAIBaseURL,
		accountID:  accountID,
		apiToken:   apiToken,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type workersAIRequest struct {
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type workersAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type workersAIResponse struct {
	Response *string         `json:"response"`
	Usage    *workersAIUsage `json:"usage"`
	Result   *struct {
		Response *string         `json:"response"`
		Usage    *workersAIUsage `json:"usage"`
	} `json:"result"`
	Success *bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Chat runs the model and extracts the reply text.
func (c *WorkersAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(workersAIRequest{
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("workersai: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/accounts/%s/ai/run/%s", c.baseURL, c.accountID, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("workersai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("workersai: request failed: %w", err)
	}
	defer resp.Body.Close()

	var parsed workersAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("workersai: HTTP %d: decode response: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || (parsed.Success != nil && !*parsed.Success) {
		if len(parsed.Errors) > 0 {
			return nil, fmt.Errorf("workersai: HTTP %d: %d: %s", resp.StatusCode, parsed.Errors[0].Code, parsed.Errors[0].Message)
		}
		return nil, fmt.Errorf("workersai: HTTP %d", resp.StatusCode)
	}

	return parsed.chatResponse(), nil
}

func (r *workersAIResponse) chatResponse() *ChatResponse {
	out := &ChatResponse{}
	usage := r.Usage
	switch {
	case r.Response != nil:
		out.Content = *r.Response
	case r.Result != nil && r.Result.Response != nil:
		out.Content = *r.Result.Response
	}
	if usage == nil && r.Result != nil {
		usage = r.Result.Usage
	}
	if usage != nil {
		out.Usage = TokenUsage{InputTokens: usage.PromptTokens, OutputTokens: usage.CompletionTokens}
	}
	return out
}
