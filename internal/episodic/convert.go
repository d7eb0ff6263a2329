package episodic

import (
	"encoding/json"

	"github.com/familyos/cogfabric/internal/segmentation"
)

// payloadFields are the episodic-relevant scalars an event's payload
// may carry. Unlike schema-bound topic payloads (spec §3.1), these
// fields are optional best-effort extractions: a payload missing any
// of them simply yields zero values rather than an error, since the
// episodic store must accept events from topics it knows nothing
// about the shape of.
type payloadFields struct {
	Title           string          `json:"title,omitempty"`
	Summary         string          `json:"summary,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
	Affect          *affectFields   `json:"affect,omitempty"`
	AttachmentsMeta json.RawMessage `json:"attachments_meta,omitempty"`
	Salience        float64         `json:"salience,omitempty"`
	RedactionMeta   json.RawMessage `json:"redaction_meta,omitempty"`
	GoalLabel       string          `json:"goal_label,omitempty"`
	Embedding       []float64       `json:"embedding,omitempty"`
}

type affectFields struct {
	Valence float64 `json:"valence"`
	Arousal float64 `json:"arousal"`
}

func extractPayloadFields(payload json.RawMessage) payloadFields {
	var f payloadFields
	// Best effort: a topic payload that isn't a JSON object (or that
	// has none of these keys) just leaves f at its zero value.
	_ = json.Unmarshal(payload, &f)
	return f
}

func (f payloadFields) affect() segmentation.Affect {
	if f.Affect == nil {
		return segmentation.Affect{}
	}
	return segmentation.Affect{Valence: f.Affect.Valence, Arousal: f.Affect.Arousal}
}

// tokenSet builds the fallback token set segmentation's novelty score
// uses when no embedding is available (spec §4.8), drawn from the
// title, summary, and tags — the only text the episodic store has
// without decoding arbitrary topic-specific payload bodies.
func tokenSet(f payloadFields) map[string]bool {
	if len(f.Embedding) > 0 {
		return nil
	}
	toks := make(map[string]bool)
	addWords(toks, f.Title)
	addWords(toks, f.Summary)
	for _, tag := range f.Tags {
		toks[tag] = true
	}
	if len(toks) == 0 {
		return nil
	}
	return toks
}

func addWords(toks map[string]bool, text string) {
	word := make([]rune, 0, 16)
	flush := func() {
		if len(word) > 0 {
			toks[string(word)] = true
			word = word[:0]
		}
	}
	for _, r := range text {
		if r == ' ' || r == '\t' || r == '\n' {
			flush()
			continue
		}
		word = append(word, r)
	}
	flush()
}
