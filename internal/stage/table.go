package stage

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Pipeline stage identifiers reported by the evaluation service.
const (
	Ingest        = "ingest"
	Frames        = "frames"
	Vision        = "vision"
	Transcription = "transcription"
	Fusion        = "fusion"
	Policy        = "policy"
	Report        = "report"
)

// Ceiling is the implicit upper bound after the last stage.
const Ceiling = 100

// Descriptor pairs a stage id with the overall percentage at which it starts.
type Descriptor struct {
	ID          string
	BasePercent int
}

// Table is an ordered, immutable list of stages with strictly increasing bases.
type Table struct {
	stages []Descriptor
	index  map[string]int
}

// NewTable validates descriptors and builds a Table. Bases must be strictly
// increasing, lie in [0, Ceiling), and ids must be unique and non-empty.
func NewTable(descriptors ...Descriptor) (*Table, error) {
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("stage table: no stages")
	}
	t := &Table{
		stages: make([]Descriptor, len(descriptors)),
		index:  make(map[string]int, len(descriptors)),
	}
	prev := -1
	for i, d := range descriptors {
		if strings.TrimSpace(d.ID) == "" {
			return nil, fmt.Errorf("stage table: empty id at position %d", i)
		}
		if _, dup := t.index[d.ID]; dup {
			return nil, fmt.Errorf("stage table: duplicate id %q", d.ID)
		}
		if d.BasePercent <= prev || d.BasePercent < 0 || d.BasePercent >= Ceiling {
			return nil, fmt.Errorf("stage table: base %d for %q must be strictly increasing below %d", d.BasePercent, d.ID, Ceiling)
		}
		prev = d.BasePercent
		t.stages[i] = d
		t.index[d.ID] = i
	}
	return t, nil
}

// MustTable is NewTable for static definitions.
func MustTable(descriptors ...Descriptor) *Table {
	t, err := NewTable(descriptors...)
	if err != nil {
		panic(err)
	}
	return t
}

var defaultTable = MustTable(
	Descriptor{ID: Ingest, BasePercent: 5},
	Descriptor{ID: Frames, BasePercent: 15},
	Descriptor{ID: Vision, BasePercent: 30},
	Descriptor{ID: Transcription, BasePercent: 50},
	Descriptor{ID: Fusion, BasePercent: 70},
	Descriptor{ID: Policy, BasePercent: 80},
	Descriptor{ID: Report, BasePercent: 90},
)

// DefaultTable returns the evaluation pipeline's stage table.
func DefaultTable() *Table {
	return defaultTable
}

// Stages returns a copy of the ordered descriptors.
func (t *Table) Stages() []Descriptor {
	out := make([]Descriptor, len(t.stages))
	copy(out, t.stages)
	return out
}

// Known reports whether id is part of the table.
func (t *Table) Known(id string) bool {
	_, ok := t.index[id]
	return ok
}

// Bounds returns the stage's base and the next stage's base (or Ceiling).
func (t *Table) Bounds(id string) (base, next int, ok bool) {
	i, ok := t.index[id]
	if !ok {
		return 0, 0, false
	}
	base = t.stages[i].BasePercent
	next = Ceiling
	if i+1 < len(t.stages) {
		next = t.stages[i+1].BasePercent
	}
	return base, next, true
}

// Normalize maps an in-stage fraction onto the overall 0-100 scale:
// round(base + f*(next-base)), clamped to [base, next]. Unknown stages leave
// lastKnown untouched.
func (t *Table) Normalize(stageID string, fraction float64, lastKnown int) int {
	base, next, ok := t.Bounds(stageID)
	if !ok {
		return lastKnown
	}
	f := clampFraction(fraction)
	pct := int(math.Round(float64(base) + f*float64(next-base)))
	if pct < base {
		return base
	}
	if pct > next {
		return next
	}
	return pct
}

// Normalize applies the default table.
func Normalize(stageID string, fraction float64, lastKnown int) int {
	return defaultTable.Normalize(stageID, fraction, lastKnown)
}

// Fraction converts wire progress into [0, 1]. The service reports either a
// fraction or a percentage; values above 1 are treated as percentages.
func Fraction(progress float64) float64 {
	if math.IsNaN(progress) || progress <= 0 {
		return 0
	}
	if progress > 1 {
		progress /= 100
	}
	return clampFraction(progress)
}

func clampFraction(f float64) float64 {
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

// Label renders a stage id for display ("speech_to_text" -> "Speech To Text").
func Label(stageID string) string {
	trimmed := strings.TrimSpace(stageID)
	if trimmed == "" {
		return "Pending"
	}
	trimmed = strings.NewReplacer("_", " ", "-", " ").Replace(trimmed)
	return cases.Title(language.English).String(trimmed)
}
