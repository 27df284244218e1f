package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"scripthub/pkg/domain"
)

const systemPrompt = `You are a security reviewer for a marketplace of game server scripts.
Given a script's title, description and whether it ships the required manifest file,
judge whether the listing is likely to contain malicious code.
Respond with strict JSON only: {"status": "clean" | "infected", "report": "<short explanation>"}.`

// OpenAICompatClassifier calls any OpenAI-compatible /v1/chat/completions
// endpoint. Works with vLLM, LiteLLM, LocalAI, OpenRouter, self-hosted models, etc.
type OpenAICompatClassifier struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAICompatClassifier builds an OpenAI-compatible Classifier.
// baseURL should include the /v1 prefix, e.g. "http://localhost:8000/v1".
// apiKey can be empty for local models that do not require authentication.
func NewOpenAICompatClassifier(baseURL, apiKey, model string, timeout time.Duration) *OpenAICompatClassifier {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAICompatClassifier{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		model:   strings.TrimSpace(model),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Classify implements Classifier using the chat completions API.
func (c *OpenAICompatClassifier) Classify(ctx context.Context, req Request) (Result, error) {
	if c.model == "" {
		return Result{}, fmt.Errorf("classifier model required")
	}
	userPrompt := fmt.Sprintf(
		"Title: %s\nDescription: %s\nManifest file present: %t",
		req.Title, req.Description, req.HasManifest,
	)
	reqBody := oaiChatRequest{
		Model: c.model,
		Messages: []oaiMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		ResponseFormat: &oaiResponseFormat{Type: "json_object"},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, err
	}

	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp oaiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return Result{}, fmt.Errorf("classifier api error: %s", errResp.Error.Message)
		}
		return Result{}, fmt.Errorf("classifier api error: %s", resp.Status)
	}

	var chatResp oaiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return Result{}, fmt.Errorf("classifier decode: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return Result{}, fmt.Errorf("empty response from classifier api")
	}
	return parseVerdict(chatResp.Choices[0].Message.Content)
}

// parseVerdict extracts the JSON verdict from the model output, tolerating
// markdown code fences some models wrap JSON in.
func parseVerdict(content string) (Result, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var payload struct {
		Status string `json:"status"`
		Report string `json:"report"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return Result{}, fmt.Errorf("malformed classifier verdict: %w", err)
	}
	verdict := domain.ScanStatus(strings.ToLower(strings.TrimSpace(payload.Status)))
	if verdict != domain.ScanClean && verdict != domain.ScanInfected {
		return Result{}, fmt.Errorf("unknown classifier verdict %q", payload.Status)
	}
	report := strings.TrimSpace(payload.Report)
	if report == "" {
		report = "No issues found."
	}
	return Result{Verdict: verdict, Report: report}, nil
}

// OpenAI-compatible request/response types.

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiResponseFormat struct {
	Type string `json:"type"`
}

type oaiChatRequest struct {
	Model          string             `json:"model"`
	Messages       []oaiMessage       `json:"messages"`
	ResponseFormat *oaiResponseFormat `json:"response_format,omitempty"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
}

type oaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
