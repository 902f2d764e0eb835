package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CelebrityAdapter matches faces against a public-figure catalogue. The
// capability is optional: a failure here never fails the media item.
type CelebrityAdapter struct {
	apiKey  string
	baseURL string
	model   string
	cost    float64
	client  *httpClient
}

// NewCelebrityAdapter creates a celebrity match adapter.
func NewCelebrityAdapter(apiKey, baseURL, model string, timeout time.Duration, retries int, costPerCall float64) *CelebrityAdapter {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &CelebrityAdapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		cost:    costPerCall,
		client:  newHTTPClient("celebrity", timeout, retries),
	}
}

func (a *CelebrityAdapter) Capability() Capability  { return CapabilityCelebrity }
func (a *CelebrityAdapter) ChargesPerAttempt() bool { return false }
func (a *CelebrityAdapter) CostPerCall() float64    { return a.cost }

const celebrityPrompt = `You are a face recognition service. Identify public figures visible in the
supplied media and respond ONLY with valid JSON in the following format:
{
  "matches": [{"name": "string", "confidence": 0.0}]
}
Do not include any other text or explanation.`

func (a *CelebrityAdapter) Analyze(ctx context.Context, locator string, opts Options) (Result, error) {
	if strings.TrimSpace(locator) == "" {
		return Result{}, Permanent("celebrity", fmt.Errorf("empty media locator"))
	}

	requestBody := map[string]interface{}{
		"model": a.model,
		"messages": []map[string]interface{}{
			{"role": "system", "content": celebrityPrompt},
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
		return Result{}, Transient("celebrity", fmt.Errorf("no choices in response"))
	}

	var parsed struct {
		Matches []Label `json:"matches"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &parsed); err != nil {
		return Result{}, Transient("celebrity", fmt.Errorf("parse analysis: %w", err))
	}
	return Result{
		Capability: CapabilityCelebrity,
		Labels:     parsed.Matches,
	}, nil
}
