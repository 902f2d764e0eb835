package streams

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRegisterBaseSchemasValidation(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		t.Fatalf("RegisterBaseSchemas: %v", err)
	}

	good, _ := json.Marshal(MediaEnqueuedPayload{MediaID: "m1", Capabilities: []string{"vision_labels"}})
	if err := reg.Validate(EventMediaEnqueued, "v1", good); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	if err := reg.Validate(EventMediaEnqueued, "v1", []byte(`{"capabilities":[]}`)); err == nil {
		t.Fatalf("payload missing media_id must be rejected")
	}

	if err := reg.Validate(EventMediaSettled, "v1", []byte(`{"media_id":"m1","status":"queued"}`)); err == nil {
		t.Fatalf("non-terminal status must be rejected")
	}

	if err := reg.Validate("media.unknown", "v1", good); err == nil {
		t.Fatalf("unregistered event type must be rejected")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{
		EventID:        "e1",
		EventType:      EventMediaEnqueued,
		OccurredAt:     time.Now().UTC(),
		PayloadVersion: "v1",
		Data:           json.RawMessage(`{"media_id":"m1"}`),
	}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if decoded.EventID != "e1" || decoded.EventType != EventMediaEnqueued {
		t.Fatalf("round-trip mismatch: %+v", decoded)
	}
}

func TestEnvelopeValidateBasicRejectsEmptyData(t *testing.T) {
	env := Envelope{EventID: "e1", EventType: EventMediaEnqueued, PayloadVersion: "v1"}
	if err := env.ValidateBasic(); err == nil {
		t.Fatalf("envelope without data must be rejected")
	}
}
