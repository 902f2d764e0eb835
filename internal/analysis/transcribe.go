package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TranscriptionAdapter turns the audio track of a video into text via a
// hosted speech-to-text service that accepts a resolvable media URL.
type TranscriptionAdapter struct {
	apiKey  string
	baseURL string
	model   string
	cost    float64
	client  *httpClient
}

// NewTranscriptionAdapter creates a transcription adapter.
func NewTranscriptionAdapter(apiKey, baseURL, model string, timeout time.Duration, retries int, costPerCall float64) *TranscriptionAdapter {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &TranscriptionAdapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		cost:    costPerCall,
		client:  newHTTPClient("transcription", timeout, retries),
	}
}

func (a *TranscriptionAdapter) Capability() Capability  { return CapabilityTranscription }
func (a *TranscriptionAdapter) ChargesPerAttempt() bool { return true }
func (a *TranscriptionAdapter) CostPerCall() float64    { return a.cost }

func (a *TranscriptionAdapter) Analyze(ctx context.Context, locator string, opts Options) (Result, error) {
	if strings.TrimSpace(locator) == "" {
		return Result{}, Permanent("transcription", fmt.Errorf("empty media locator"))
	}

	requestBody := map[string]interface{}{
		"model":     a.model,
		"audio_url": locator,
	}
	if opts.Language != "" {
		requestBody["language"] = opts.Language
	}

	var resp struct {
		Text string `json:"text"`
	}
	err := a.client.doJSON(ctx, "POST", a.baseURL+"/audio/transcriptions", map[string]string{
		"Authorization": "Bearer " + a.apiKey,
	}, requestBody, &resp)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Capability: CapabilityTranscription,
		Text:       strings.TrimSpace(resp.Text),
	}, nil
}
