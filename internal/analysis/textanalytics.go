package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TextAnalyticsAdapter extracts detected text (OCR), named entities and an
// overall sentiment from a media item.
type TextAnalyticsAdapter struct {
	apiKey  string
	baseURL string
	model   string
	cost    float64
	client  *httpClient
}

// NewTextAnalyticsAdapter creates a text analytics adapter.
func NewTextAnalyticsAdapter(apiKey, baseURL, model string, timeout time.Duration, retries int, costPerCall float64) *TextAnalyticsAdapter {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &TextAnalyticsAdapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		cost:    costPerCall,
		client:  newHTTPClient("text_analytics", timeout, retries),
	}
}

func (a *TextAnalyticsAdapter) Capability() Capability  { return CapabilityTextAnalytics }
func (a *TextAnalyticsAdapter) ChargesPerAttempt() bool { return true }
func (a *TextAnalyticsAdapter) CostPerCall() float64    { return a.cost }

const textAnalyticsPrompt = `You are a text analytics service. Inspect the supplied media and respond
ONLY with valid JSON in the following format:
{
  "detected_text": "all text visible or spoken in the media",
  "entities": [{"name": "string", "confidence": 0.0}],
  "sentiment": "positive|neutral|negative",
  "warnings": ["content", "warnings"]
}
Do not include any other text or explanation.`

func (a *TextAnalyticsAdapter) Analyze(ctx context.Context, locator string, opts Options) (Result, error) {
	if strings.TrimSpace(locator) == "" {
		return Result{}, Permanent("text_analytics", fmt.Errorf("empty media locator"))
	}

	requestBody := map[string]interface{}{
		"model": a.model,
		"messages": []map[string]interface{}{
			{"role": "system", "content": textAnalyticsPrompt},
			{"role": "user", "content": []map[string]interface{}{
				{"type": "image_url", "image_url": map[string]string{"url": locator}},
			}},
		},
	}

	var resp chatResponse
	err := a.client.doJSON(ctx, "POST", a.baseURL+"/chat/completions", map[string]string{
		"Authorization": "Bearer " + a.apiKey,
	}, requestBody, &resp)
	if err != nil {
		return Result{}, err
	}
	if len(resp.Choices) == 0 {
		return Result{}, Transient("text_analytics", fmt.Errorf("no choices in response"))
	}

	var parsed struct {
		DetectedText string   `json:"detected_text"`
		Entities     []Label  `json:"entities"`
		Sentiment    string   `json:"sentiment"`
		Warnings     []string `json:"warnings"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &parsed); err != nil {
		return Result{}, Transient("text_analytics", fmt.Errorf("parse analysis: %w", err))
	}
	return Result{
		Capability: CapabilityTextAnalytics,
		Labels:     parsed.Entities,
		Text:       strings.TrimSpace(parsed.DetectedText),
		Sentiment:  parsed.Sentiment,
		Warnings:   parsed.Warnings,
	}, nil
}
