package stagecache

import (
	"fmt"
	"net/url"
	"strings"
)

// Key addresses one stage output. ItemID is empty for job-level outputs.
type Key struct {
	JobID   string `json:"jobId"`
	ItemID  string `json:"itemId,omitempty"`
	StageID string `json:"stageId"`
}

// jobLevelItem stands in for the empty item id of a job-level output.
const jobLevelItem = "-"

// String renders the composite cache key. Components are path-escaped so the
// separator cannot collide with ids; comparison is case-sensitive. A literal
// "-" item id is written as %2D so it stays distinct from a job-level key.
func (k Key) String() string {
	var item string
	switch k.ItemID {
	case "":
		item = jobLevelItem
	case jobLevelItem:
		item = "%2D"
	default:
		item = url.PathEscape(k.ItemID)
	}
	return url.PathEscape(k.JobID) + "/" + item + "/" + url.PathEscape(k.StageID)
}

// ParseKey reverses Key.String.
func ParseKey(value string) (Key, error) {
	parts := strings.Split(value, "/")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("stagecache: malformed key %q", value)
	}
	job, err := url.PathUnescape(parts[0])
	if err != nil {
		return Key{}, fmt.Errorf("stagecache: job in key %q: %w", value, err)
	}
	var item string
	if parts[1] != jobLevelItem {
		if item, err = url.PathUnescape(parts[1]); err != nil {
			return Key{}, fmt.Errorf("stagecache: item in key %q: %w", value, err)
		}
	}
	stageID, err := url.PathUnescape(parts[2])
	if err != nil {
		return Key{}, fmt.Errorf("stagecache: stage in key %q: %w", value, err)
	}
	return Key{JobID: job, ItemID: item, StageID: stageID}, nil
}
