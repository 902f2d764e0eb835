package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func chatReply(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	resp := map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"content": content}},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.Fatalf("encode reply: %v", err)
	}
}

func TestVisionAdapterParsesLabels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Fatalf("unexpected auth header %q", got)
		}
		chatReply(t, w, `{"labels":[{"name":"dog","confidence":0.95}],"warnings":["graphic"]}`)
	}))
	defer srv.Close()

	a := NewVisionAdapter("key", srv.URL, "gpt-4o-mini", time.Second, 0, 0.01)
	res, err := a.Analyze(context.Background(), "s3://bucket/a.jpg", Options{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Capability != CapabilityVisionLabels {
		t.Fatalf("unexpected capability %s", res.Capability)
	}
	if len(res.Labels) != 1 || res.Labels[0].Name != "dog" || res.Labels[0].Confidence != 0.95 {
		t.Fatalf("unexpected labels: %+v", res.Labels)
	}
	if len(res.Warnings) != 1 || res.Warnings[0] != "graphic" {
		t.Fatalf("unexpected warnings: %v", res.Warnings)
	}
}

func TestVisionAdapterEmptyLocatorIsPermanent(t *testing.T) {
	a := NewVisionAdapter("key", "http://unused", "gpt-4o-mini", time.Second, 0, 0.01)
	_, err := a.Analyze(context.Background(), "  ", Options{})
	if ClassOf(err) != ErrorClassPermanent {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestAdapterRetriesThrottlingThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":"rate limited"}`)
			return
		}
		chatReply(t, w, `{"labels":[{"name":"cat","confidence":0.9}]}`)
	}))
	defer srv.Close()

	a := NewVisionAdapter("key", srv.URL, "gpt-4o-mini", time.Second, 2, 0.01)
	a.client.backoff = time.Millisecond
	res, err := a.Analyze(context.Background(), "s3://bucket/a.jpg", Options{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if len(res.Labels) != 1 || res.Labels[0].Name != "cat" {
		t.Fatalf("unexpected labels: %+v", res.Labels)
	}
}

func TestAdapterClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		class  ErrorClass
	}{
		{http.StatusUnauthorized, ErrorClassPermanent},
		{http.StatusBadRequest, ErrorClassPermanent},
		{http.StatusTooManyRequests, ErrorClassTransient},
		{http.StatusInternalServerError, ErrorClassTransient},
		{http.StatusBadGateway, ErrorClassTransient},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			fmt.Fprint(w, `{"error":"boom"}`)
		}))
		a := NewVisionAdapter("key", srv.URL, "gpt-4o-mini", time.Second, 0, 0.01)
		_, err := a.Analyze(context.Background(), "s3://bucket/a.jpg", Options{})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if got := ClassOf(err); got != tc.class {
			t.Fatalf("status %d: expected class %s, got %s (%v)", tc.status, tc.class, got, err)
		}
		var pe *ProviderError
		if !errors.As(err, &pe) || pe.Status != tc.status {
			t.Fatalf("status %d: expected status carried on error, got %v", tc.status, err)
		}
	}
}

func TestTranscriptionAdapterParsesTranscript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":"good boy, fetch the ball"}`)
	}))
	defer srv.Close()

	a := NewTranscriptionAdapter("key", srv.URL, "whisper-1", time.Second, 0, 0.06)
	res, err := a.Analyze(context.Background(), "s3://bucket/a.mp4", Options{})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Capability != CapabilityTranscription {
		t.Fatalf("unexpected capability %s", res.Capability)
	}
	if res.Text != "good boy, fetch the ball" {
		t.Fatalf("unexpected transcript: %q", res.Text)
	}
}

func TestCelebrityAdapterChargesOnSuccessOnly(t *testing.T) {
	a := NewCelebrityAdapter("key", "http://unused", "gpt-4o-mini", time.Second, 0, 0.02)
	if a.ChargesPerAttempt() {
		t.Fatalf("celebrity matching bills on success only")
	}
	if a.Capability() != CapabilityCelebrity {
		t.Fatalf("unexpected capability %s", a.Capability())
	}
}

func TestRegistryLookup(t *testing.T) {
	vision := NewVisionAdapter("key", "http://unused", "gpt-4o-mini", time.Second, 0, 0.01)
	reg := NewRegistry(vision)

	got, err := reg.Adapter(CapabilityVisionLabels)
	if err != nil || got != Adapter(vision) {
		t.Fatalf("expected vision adapter, got %v (%v)", got, err)
	}
	if _, err := reg.Adapter(CapabilityTranscription); err == nil {
		t.Fatalf("expected error for unregistered capability")
	}
}

func TestRequirementsFor(t *testing.T) {
	reqs := RequirementsFor("video", "pro")
	caps := map[Capability]bool{}
	for _, r := range reqs {
		caps[r.Capability] = r.Mandatory
	}
	if !caps[CapabilityVisionLabels] || !caps[CapabilityTranscription] {
		t.Fatalf("video requires vision and transcription as mandatory: %+v", reqs)
	}
	if mandatory, ok := caps[CapabilityCelebrity]; !ok || mandatory {
		t.Fatalf("pro tier adds celebrity matching as optional: %+v", reqs)
	}

	for _, r := range RequirementsFor("image", "free") {
		if r.Capability == CapabilityTranscription {
			t.Fatalf("images have no transcription requirement")
		}
		if r.Capability == CapabilityCelebrity {
			t.Fatalf("free tier has no celebrity matching")
		}
	}
}
