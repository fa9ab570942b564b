package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"aicollector/pkg/domain"
)

// ErrAPIKeyMissing reports that no credential is configured for the upstream
// model API.
var ErrAPIKeyMissing = errors.New("siliconflow api key not configured")

const analyzePrompt = "请提取文本的关键词、分类和摘要，以 JSON 返回 keywords、category、summary、confidence 四个字段：%s"

// SiliconFlowClient calls a SiliconFlow (OpenAI-compatible) chat completions
// endpoint and decodes the model output into an Analysis. One attempt per
// call, bounded by the client timeout; no retries.
type SiliconFlowClient struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewSiliconFlowClient builds an Analyzer against the given completions
// endpoint. The endpoint is the full chat-completions URL.
func NewSiliconFlowClient(endpoint, apiKey, model string) *SiliconFlowClient {
	return &SiliconFlowClient{
		endpoint: strings.TrimSpace(endpoint),
		apiKey:   strings.TrimSpace(apiKey),
		model:    strings.TrimSpace(model),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Analyze implements Analyzer using the chat completions API.
func (c *SiliconFlowClient) Analyze(ctx context.Context, text string) (domain.Analysis, error) {
	if c.apiKey == "" {
		return domain.Analysis{}, ErrAPIKeyMissing
	}
	reqBody := sfChatRequest{
		Model: c.model,
		Messages: []sfMessage{
			{Role: "user", Content: fmt.Sprintf(analyzePrompt, text)},
		},
		Stream: false,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return domain.Analysis{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Analysis{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Analysis{}, fmt.Errorf("siliconflow request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return domain.Analysis{}, fmt.Errorf("siliconflow api error: %s", resp.Status)
	}

	var chatResp sfChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return domain.Analysis{}, &DecodeError{Reason: "invalid response body", Cause: err}
	}
	if len(chatResp.Choices) == 0 {
		return domain.Analysis{}, &DecodeError{Reason: "empty choices"}
	}
	content := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	return parseAnalysis(content)
}

// parseAnalysis decodes model output, requiring all four fields.
func parseAnalysis(content string) (domain.Analysis, error) {
	var payload struct {
		Keywords   *[]string `json:"keywords"`
		Category   *string   `json:"category"`
		Summary    *string   `json:"summary"`
		Confidence *float64  `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return domain.Analysis{}, &DecodeError{Reason: "model content is not JSON", Cause: err}
	}
	if payload.Keywords == nil || payload.Category == nil || payload.Summary == nil || payload.Confidence == nil {
		return domain.Analysis{}, &DecodeError{Reason: "response missing required fields"}
	}
	return domain.Analysis{
		Keywords:   *payload.Keywords,
		Category:   *payload.Category,
		Summary:    *payload.Summary,
		Confidence: *payload.Confidence,
	}, nil
}

// SiliconFlow request/response types (OpenAI-compatible).

type sfMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type sfChatRequest struct {
	Model    string      `json:"model"`
	Messages []sfMessage `json:"messages"`
	Stream   bool        `json:"stream"`
}

type sfChatResponse struct {
	Choices []struct {
		Message sfMessage `json:"message"`
	} `json:"choices"`
}
