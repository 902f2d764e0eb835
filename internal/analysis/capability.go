package analysis

import "fmt"

// Capability identifies one external analysis type. The set is closed: the
// worker dispatches on it through a registry rather than inspecting job
// payloads at runtime.
type Capability string

const (
	CapabilityVisionLabels  Capability = "vision_labels"
	CapabilityTranscription Capability = "transcription"
	CapabilityTextAnalytics Capability = "text_analytics"
	CapabilityCelebrity     Capability = "celebrity_match"

	// CapabilityEmbed is the terminal pipeline stage: aggregate completed
	// results, embed the text and link the vector. It is not an adapter
	// capability and never appears in the registry.
	CapabilityEmbed Capability = "embed"
)

// ParseCapability validates a capability string coming from persisted rows.
func ParseCapability(s string) (Capability, error) {
	switch Capability(s) {
	case CapabilityVisionLabels, CapabilityTranscription, CapabilityTextAnalytics, CapabilityCelebrity, CapabilityEmbed:
		return Capability(s), nil
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// Requirement pairs a capability with whether it is mandatory for completion.
type Requirement struct {
	Capability Capability
	Mandatory  bool
}

// RequirementsFor returns the analysis fan-out for a media kind and owner
// tier. Optional capabilities fail soft and are excluded from aggregation.
func RequirementsFor(mediaKind, tier string) []Requirement {
	reqs := []Requirement{
		{Capability: CapabilityVisionLabels, Mandatory: true},
		{Capability: CapabilityTextAnalytics, Mandatory: true},
	}
	if mediaKind == "video" {
		reqs = append(reqs, Requirement{Capability: CapabilityTranscription, Mandatory: true})
	}
	if tier == "pro" {
		reqs = append(reqs, Requirement{Capability: CapabilityCelebrity, Mandatory: false})
	}
	return reqs
}
