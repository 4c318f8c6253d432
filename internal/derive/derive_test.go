package derive_test

import (
	"encoding/json"
	"testing"

	"stagewatch/internal/derive"
	"stagewatch/internal/stage"
)

const fullResult = `{
	"media": {"name": "clip.mp4", "durationSeconds": 12.5, "mimeType": "video/mp4"},
	"verdict": "flagged",
	"summary": "one violation",
	"score": 0.42,
	"violations": [{"rule": "r1"}],
	"evidence": {
		"frames": [{"t": 0}, {"t": 1}],
		"vision": [{"label": "knife", "confidence": 0.9}],
		"transcript": {"text": "hello", "chunks": [{"start": 0, "end": 1, "text": "hello"}]},
		"fusion": [{"signal": "s"}]
	}
}`

func TestDeriveProjectsEvidence(t *testing.T) {
	raw := json.RawMessage(fullResult)

	vision := derive.Derive(stage.Vision, raw)
	if d, ok := vision["detections"].([]any); !ok || len(d) != 1 {
		t.Fatalf("unexpected detections %v", vision)
	}
	if !derive.IsDerived(vision) {
		t.Fatal("expected derived marker")
	}

	tr := derive.Derive(stage.Transcription, raw)
	if tr["text"] != "hello" {
		t.Fatalf("unexpected text %v", tr["text"])
	}
	if c, ok := tr["chunks"].([]any); !ok || len(c) != 1 {
		t.Fatalf("unexpected chunks %v", tr["chunks"])
	}

	frames := derive.Derive(stage.Frames, raw)
	if frames["frame_count"] != 2 {
		t.Fatalf("unexpected frame count %v", frames["frame_count"])
	}

	ingest := derive.Derive(stage.Ingest, raw)
	media := ingest["media"].(map[string]any)
	if media["name"] != "clip.mp4" || media["duration_seconds"] != 12.5 || media["mime_type"] != "video/mp4" {
		t.Fatalf("unexpected media %v", media)
	}

	policy := derive.Derive(stage.Policy, raw)
	if policy["verdict"] != "flagged" || len(policy["violations"].([]any)) != 1 {
		t.Fatalf("unexpected policy %v", policy)
	}

	report := derive.Derive(stage.Report, raw)
	if report["score"] != 0.42 || report["summary"] != "one violation" {
		t.Fatalf("unexpected report %v", report)
	}
}

func TestDeriveIsTotalOnEmptyResults(t *testing.T) {
	inputs := []json.RawMessage{nil, json.RawMessage(``), json.RawMessage(`{}`), json.RawMessage(`null`), json.RawMessage(`{"evidence":{"vision":[]}}`), json.RawMessage(`not json`)}
	for _, raw := range inputs {
		vision := derive.Derive(stage.Vision, raw)
		d, ok := vision["detections"].([]any)
		if !ok || len(d) != 0 {
			t.Fatalf("input %q: expected empty detections, got %v", raw, vision)
		}

		tr := derive.Derive(stage.Transcription, raw)
		if tr["text"] != "" {
			t.Fatalf("input %q: expected empty text, got %v", raw, tr["text"])
		}
		if c, ok := tr["chunks"].([]any); !ok || len(c) != 0 {
			t.Fatalf("input %q: expected empty chunks, got %v", raw, tr["chunks"])
		}

		for _, d := range stage.DefaultTable().Stages() {
			if p := derive.Derive(d.ID, raw); len(p) < 2 {
				t.Fatalf("input %q: stage %s produced %v", raw, d.ID, p)
			}
		}
	}
}

func TestDeriveKeepsGoodFieldsWhenOthersHaveWrongTypes(t *testing.T) {
	raw := json.RawMessage(`{"verdict": 7, "evidence": {"vision": [{"label":"dog"}], "transcript": "oops"}}`)
	vision := derive.Derive(stage.Vision, raw)
	if d := vision["detections"].([]any); len(d) != 1 {
		t.Fatalf("expected detections to survive, got %v", vision)
	}
	tr := derive.Derive(stage.Transcription, raw)
	if tr["text"] != "" || len(tr["chunks"].([]any)) != 0 {
		t.Fatalf("expected empty transcript, got %v", tr)
	}
}

func TestDeriveUnknownStage(t *testing.T) {
	p := derive.Derive("thumbnail", json.RawMessage(fullResult))
	if p["stage_id"] != "thumbnail" {
		t.Fatalf("unexpected payload %v", p)
	}
	if ev, ok := p["evidence"].(map[string]any); !ok || len(ev) != 0 {
		t.Fatalf("expected empty evidence, got %v", p["evidence"])
	}
}
