package logging

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Stream and poll events arrive within the same second, so console output
// keeps milliseconds.
const logTimestampLayout = "2006-01-02 15:04:05.000"

// maxConsoleValue caps a single rendered value. Service error bodies and
// result payloads can run to kilobytes.
const maxConsoleValue = 240

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.Local().Format(logTimestampLayout)
}

// plainText renders v without quoting. It is used for the subject fields
// (component, job, item, stage) printed ahead of the message.
func plainText(v slog.Value) string {
	text, _ := render(v)
	return text
}

// fieldText renders v as the right-hand side of a key=value pair. Free-form
// text is quoted when it would otherwise break the pair apart.
func fieldText(v slog.Value) string {
	text, freeform := render(v)
	text = clip(text)
	if freeform && unsafeBare(text) {
		return strconv.Quote(text)
	}
	return text
}

// render reports the text of v and whether it came from free-form input.
func render(v slog.Value) (string, bool) {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String(), true
	case slog.KindBool:
		return strconv.FormatBool(v.Bool()), false
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10), false
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10), false
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64), false
	case slog.KindDuration:
		return v.Duration().String(), false
	case slog.KindTime:
		return formatTimestamp(v.Time()), false
	case slog.KindAny:
		switch x := v.Any().(type) {
		case error:
			return x.Error(), true
		case []byte:
			return string(x), true
		case fmt.Stringer:
			return x.String(), true
		default:
			return fmt.Sprint(x), true
		}
	}
	return v.String(), true
}

func clip(s string) string {
	if utf8.RuneCountInString(s) <= maxConsoleValue {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxConsoleValue]) + "…"
}

func unsafeBare(s string) bool {
	return s == "" || strings.ContainsFunc(s, func(r rune) bool {
		return r <= ' ' || r == '=' || r == '"'
	})
}
