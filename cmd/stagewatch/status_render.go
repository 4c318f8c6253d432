package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-isatty"

	"stagewatch/internal/queue"
)

// tone classifies a status line: it picks the bracketed label and colour.
type tone uint8

const (
	toneInfo tone = iota
	toneOK
	toneWarn
	toneError
)

// toneStyles holds the label and SGR colour parameter per tone.
var toneStyles = [...]struct{ label, sgr string }{
	toneInfo:  {"INFO", "34"},
	toneOK:    {"OK", "32"},
	toneWarn:  {"WARN", "33"},
	toneError: {"ERROR", "31"},
}

var statusTones = map[queue.Status]tone{
	queue.StatusCompleted: toneOK,
	queue.StatusFailed:    toneError,
	queue.StatusCancelled: toneWarn,
}

const (
	sgrReset       = "\x1b[0m"
	lineIndent     = "  "
	lineLabelWidth = 20
)

func (t tone) label() string {
	if int(t) >= len(toneStyles) {
		t = toneInfo
	}
	return toneStyles[t].label
}

func (t tone) paint(s string) string {
	if int(t) >= len(toneStyles) {
		t = toneInfo
	}
	return "\x1b[" + toneStyles[t].sgr + "m" + s + sgrReset
}

// toneForStatus maps an item lifecycle state to a tone. Queued and
// processing items are informational.
func toneForStatus(status queue.Status) tone {
	if t, ok := statusTones[status]; ok {
		return t
	}
	return toneInfo
}

// statusLine renders "  Label:   [TONE] message" with labels padded so the
// bracketed column lines up across rows.
func statusLine(label string, t tone, message string, colorize bool) string {
	var b strings.Builder
	b.WriteString(lineIndent)
	fmt.Fprintf(&b, "%-*s [%s]", lineLabelWidth, label+":", t.label())
	if message != "" {
		b.WriteByte(' ')
		b.WriteString(message)
	}
	if !colorize {
		return b.String()
	}
	return t.paint(b.String())
}

func sectionHeader(title string, colorize bool) []string {
	heading := "== " + strings.TrimSpace(title) + " =="
	underline := strings.Repeat("─", utf8.RuneCountInString(heading))
	if colorize {
		return []string{toneInfo.paint(heading), toneInfo.paint(underline)}
	}
	return []string{heading, underline}
}

// colorEnabled reports whether w is a terminal that should receive ANSI
// colour. NO_COLOR turns colour off regardless.
func colorEnabled(w io.Writer) bool {
	if _, set := os.LookupEnv("NO_COLOR"); set {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
