package streams

import "fmt"

const (
	// StreamMediaJobs carries wake-up events for claimable processing jobs.
	StreamMediaJobs = "media.jobs"
	// StreamMediaLifecycle carries terminal media state transitions for
	// downstream consumers (webhooks, audit).
	StreamMediaLifecycle = "media.lifecycle"

	// EventMediaEnqueued is published when processing jobs become claimable.
	EventMediaEnqueued = "media.enqueued"
	// EventMediaSettled is published when a media item reaches a terminal
	// status.
	EventMediaSettled = "media.settled"
)

// MediaEnqueuedPayload is the data of an EventMediaEnqueued envelope.
type MediaEnqueuedPayload struct {
	MediaID      string   `json:"media_id"`
	UserID       string   `json:"user_id,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// MediaSettledPayload is the data of an EventMediaSettled envelope.
type MediaSettledPayload struct {
	MediaID string `json:"media_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventMediaEnqueued,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["media_id"],
  "properties": {
    "media_id": {"type": "string", "minLength": 1},
    "user_id": {"type": "string"},
    "capabilities": {"type": "array", "items": {"type": "string"}}
  },
  "additionalProperties": false
}`),
	},
	{
		EventType: EventMediaSettled,
		Version:   "v1",
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["media_id", "status"],
  "properties": {
    "media_id": {"type": "string", "minLength": 1},
    "status": {"type": "string", "enum": ["completed", "failed"]},
    "reason": {"type": "string"}
  },
  "additionalProperties": false
}`),
	},
}

// RegisterBaseSchemas loads the built-in event schemas into a registry.
func RegisterBaseSchemas(r *SchemaRegistry) error {
	for _, def := range baseDefinitions {
		if err := r.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}
