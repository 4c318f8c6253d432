package derive

import (
	"bytes"
	"encoding/json"

	"stagewatch/internal/stage"
)

// Payload is a stage output: an opaque JSON object.
type Payload = map[string]any

// DerivedKey marks payloads produced locally rather than fetched.
const DerivedKey = "derived"

// FinalResult is the subset of an item's final evaluation result that stage
// projections read. Unknown fields are ignored.
type FinalResult struct {
	Media      map[string]any `json:"media"`
	Verdict    string         `json:"verdict"`
	Summary    string         `json:"summary"`
	Score      *float64       `json:"score"`
	Violations []any          `json:"violations"`
	Evidence   Evidence       `json:"evidence"`
}

// Evidence groups per-stage evidence inside a final result.
type Evidence struct {
	Frames     []any      `json:"frames"`
	Vision     []any      `json:"vision"`
	Transcript Transcript `json:"transcript"`
	Fusion     []any      `json:"fusion"`
}

// Transcript is the transcription evidence.
type Transcript struct {
	Text   string `json:"text"`
	Chunks []any  `json:"chunks"`
}

// Derive projects the part of finalResult that corresponds to stageID. It is
// total: a missing, empty, or malformed result yields a payload with every
// expected key present and empty collections.
func Derive(stageID string, finalResult json.RawMessage) Payload {
	result := parse(finalResult)

	var out Payload
	switch stageID {
	case stage.Ingest:
		out = Payload{"media": media(result.Media)}
	case stage.Frames:
		frames := nonNil(result.Evidence.Frames)
		out = Payload{"frames": frames, "frame_count": len(frames)}
	case stage.Vision:
		out = Payload{"detections": nonNil(result.Evidence.Vision)}
	case stage.Transcription:
		out = Payload{
			"text":   result.Evidence.Transcript.Text,
			"chunks": nonNil(result.Evidence.Transcript.Chunks),
		}
	case stage.Fusion:
		out = Payload{"signals": nonNil(result.Evidence.Fusion)}
	case stage.Policy:
		out = Payload{"verdict": result.Verdict, "violations": nonNil(result.Violations)}
	case stage.Report:
		var score any
		if result.Score != nil {
			score = *result.Score
		}
		out = Payload{"summary": result.Summary, "score": score, "verdict": result.Verdict}
	default:
		out = Payload{"stage_id": stageID, "evidence": map[string]any{}}
	}
	out[DerivedKey] = true
	return out
}

// IsDerived reports whether p was produced by Derive.
func IsDerived(p Payload) bool {
	v, ok := p[DerivedKey].(bool)
	return ok && v
}

func parse(raw json.RawMessage) FinalResult {
	var result FinalResult
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return result
	}
	if err := json.Unmarshal(trimmed, &result); err == nil {
		return result
	}
	// A type mismatch in one field must not discard the others.
	var loose map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &loose); err != nil {
		return FinalResult{}
	}
	return parseLoose(loose)
}

func parseLoose(fields map[string]json.RawMessage) FinalResult {
	var result FinalResult
	decodeInto(fields["media"], &result.Media)
	decodeInto(fields["verdict"], &result.Verdict)
	decodeInto(fields["summary"], &result.Summary)
	decodeInto(fields["score"], &result.Score)
	decodeInto(fields["violations"], &result.Violations)

	var evidence map[string]json.RawMessage
	decodeInto(fields["evidence"], &evidence)
	decodeInto(evidence["frames"], &result.Evidence.Frames)
	decodeInto(evidence["vision"], &result.Evidence.Vision)
	decodeInto(evidence["fusion"], &result.Evidence.Fusion)

	var transcript map[string]json.RawMessage
	decodeInto(evidence["transcript"], &transcript)
	decodeInto(transcript["text"], &result.Evidence.Transcript.Text)
	decodeInto(transcript["chunks"], &result.Evidence.Transcript.Chunks)
	return result
}

func decodeInto[T any](raw json.RawMessage, dst *T) {
	if len(raw) == 0 {
		return
	}
	var v T
	if err := json.Unmarshal(raw, &v); err == nil {
		*dst = v
	}
}

func media(m map[string]any) map[string]any {
	out := map[string]any{"name": "", "duration_seconds": 0.0, "mime_type": ""}
	if v, ok := m["name"].(string); ok {
		out["name"] = v
	}
	if v, ok := m["durationSeconds"].(float64); ok {
		out["duration_seconds"] = v
	} else if v, ok := m["duration_seconds"].(float64); ok {
		out["duration_seconds"] = v
	}
	if v, ok := m["mimeType"].(string); ok {
		out["mime_type"] = v
	} else if v, ok := m["mime_type"].(string); ok {
		out["mime_type"] = v
	}
	return out
}

func nonNil(items []any) []any {
	if items == nil {
		return []any{}
	}
	return items
}
