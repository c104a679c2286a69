// Package codec implements the tagged, versioned wire envelope used to
// serialize Submission values into the Workload Store's work blob column.
//
// The original collector pickled Submission objects directly; SPEC_FULL.md
// §9 calls that out as a risk ("the queue survives upgrades" only if the
// encoding is versioned and introspectable) and resolves it by defining a
// plain JSON envelope with an explicit version tag instead of a
// language-native object graph.
package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fairyhunter13/ace-collector/internal/domain"
)

// envelopeVersion is bumped whenever the wire shape changes in a
// non-backward-compatible way.
const envelopeVersion = 1

// envelope is the on-disk shape of a Submission. Field names are stable wire
// identifiers independent of the in-memory domain.Submission struct tags.
type envelope struct {
	Version      int                  `json:"v"`
	Description  string               `json:"description"`
	AnalysisMode string               `json:"analysis_mode"`
	Tool         string               `json:"tool"`
	ToolInstance string               `json:"tool_instance"`
	Type         string               `json:"type"`
	EventTime    time.Time            `json:"event_time"`
	Details      map[string]any       `json:"details,omitempty"`
	Observables  []envelopeObservable `json:"observables,omitempty"`
	Tags         []string             `json:"tags,omitempty"`
	Files        []string             `json:"files,omitempty"`
}

type envelopeObservable struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// EncodeSubmission serializes a Submission into the versioned envelope.
func EncodeSubmission(s *domain.Submission) ([]byte, error) {
	env := envelope{
		Version:      envelopeVersion,
		Description:  s.Description,
		AnalysisMode: s.AnalysisMode,
		Tool:         s.Tool,
		ToolInstance: s.ToolInstance,
		Type:         s.Type,
		EventTime:    s.EventTime,
		Details:      s.Details,
		Tags:         s.Tags,
		Files:        s.Files,
	}
	for _, o := range s.Observables {
		env.Observables = append(env.Observables, envelopeObservable{Type: o.Type, Value: o.Value})
	}

	blob, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("op=codec.EncodeSubmission: %w", err)
	}
	return blob, nil
}

// DecodeSubmission deserializes a work blob back into a Submission. Any
// failure — malformed JSON, or an envelope version this build does not
// understand — is wrapped in domain.ErrDeserialization so callers can treat
// it as the spec's dead-letter case rather than a transient error.
func DecodeSubmission(blob []byte) (*domain.Submission, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDeserialization, err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", domain.ErrDeserialization, env.Version)
	}

	observables := make([]domain.Observable, 0, len(env.Observables))
	for _, o := range env.Observables {
		observables = append(observables, domain.Observable{Type: o.Type, Value: o.Value})
	}

	s := domain.NewSubmission(
		env.Description,
		env.AnalysisMode,
		env.Tool,
		env.ToolInstance,
		env.Type,
		env.EventTime,
		env.Details,
		observables,
		env.Tags,
		env.Files,
	)
	return s, nil
}
