package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// VisionAdapter extracts object labels and content warnings from an image or
// video frame set using a vision-capable chat model.
type VisionAdapter struct {
	apiKey  string
	baseURL string
	model   string
	cost    float64
	client  *httpClient
}

// NewVisionAdapter creates a vision labels adapter.
func NewVisionAdapter(apiKey, baseURL, model string, timeout time.Duration, retries int, costPerCall float64) *VisionAdapter {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &VisionAdapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		cost:    costPerCall,
		client:  newHTTPClient("vision", timeout, retries),
	}
}

func (a *VisionAdapter) Capability() Capability { return CapabilityVisionLabels }
func (a *VisionAdapter) ChargesPerAttempt() bool { return true }
func (a *VisionAdapter) CostPerCall() float64    { return a.cost }

const visionPrompt = `You are a visual analysis service. Inspect the supplied media and respond
ONLY with valid JSON in the following format:
{
  "labels": [{"name": "string", "confidence": 0.0}],
  "warnings": ["array", "of", "content", "warning", "strings"]
}
Labels are detected objects, scenes and activities. Confidence is between 0 and 1.
Do not include any other text or explanation.`

func (a *VisionAdapter) Analyze(ctx context.Context, locator string, opts Options) (Result, error) {
	if strings.TrimSpace(locator) == "" {
		return Result{}, Permanent("vision", fmt.Errorf("empty media locator"))
	}

	requestBody := map[string]interface{}{
		"model": a.model,
		"messages": []map[string]interface{}{
			{"role": "system", "content": visionPrompt},
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
		return Result{}, Transient("vision", fmt.Errorf("no choices in response"))
	}

	var parsed struct {
		Labels   []Label  `json:"labels"`
		Warnings []string `json:"warnings"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &parsed); err != nil {
		return Result{}, Transient("vision", fmt.Errorf("parse analysis: %w", err))
	}
	return Result{
		Capability: CapabilityVisionLabels,
		Labels:     parsed.Labels,
		Warnings:   parsed.Warnings,
	}, nil
}

// chatResponse is the minimal shape shared by chat-completion based adapters.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}
