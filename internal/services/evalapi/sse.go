package evalapi

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// sseReader pulls server-sent events one frame at a time.
type sseReader struct {
	br *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{br: bufio.NewReader(r)}
}

// next returns the next event name and data payload. Frames without data
// lines are skipped. io.EOF is returned once the stream ends; a trailing frame
// without a blank line terminator is still delivered first.
func (s *sseReader) next() (string, string, error) {
	var (
		eventName string
		dataLines []string
	)
	for {
		line, err := s.br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				line = strings.TrimRight(line, "\r\n")
				if line != "" {
					eventName, dataLines = parseSSELine(line, eventName, dataLines)
				}
				if len(dataLines) > 0 {
					return eventName, strings.Join(dataLines, "\n"), nil
				}
				return "", "", io.EOF
			}
			return "", "", err
		}
		line = strings.TrimRight(line, "\r\n")

		// Blank line ends event.
		if line == "" {
			if len(dataLines) == 0 {
				eventName = ""
				continue
			}
			return eventName, strings.Join(dataLines, "\n"), nil
		}
		eventName, dataLines = parseSSELine(line, eventName, dataLines)
	}
}

func parseSSELine(line, eventName string, dataLines []string) (string, []string) {
	switch {
	case strings.HasPrefix(line, ":"):
		// Comment.
	case strings.HasPrefix(line, "event:"):
		eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
	case strings.HasPrefix(line, "data:"):
		dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
	}
	return eventName, dataLines
}
