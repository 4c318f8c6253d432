package queue

import "encoding/json"

// applyUpdate merges u into item and reports whether item changed.
//
// Rules:
//   - Terminal writes always apply to a non-terminal item.
//   - Once terminal, the status is fixed. A repeat of the same terminal status
//     may only fill an empty ErrorMessage (failed) or Result (completed).
//   - Non-terminal writes with a percent lower than the stored percent are
//     dropped entirely.
//   - A non-terminal write never moves processing back to queued.
func applyUpdate(item *Item, u Update) bool {
	if item.Status.IsTerminal() {
		return fillTerminal(item, u)
	}

	if u.Status.IsTerminal() {
		item.Status = u.Status
		if u.Percent != nil {
			item.ProgressPercent = clampPercent(*u.Percent)
		}
		if u.StageID != "" {
			item.CurrentStageID = u.StageID
		}
		if u.Message != "" {
			item.StatusMessage = u.Message
		}
		switch u.Status {
		case StatusFailed:
			item.ErrorMessage = u.ErrorMessage
		case StatusCompleted:
			item.ErrorMessage = ""
			item.Result = cloneRaw(u.Result)
		}
		return true
	}

	if u.Percent != nil && clampPercent(*u.Percent) < item.ProgressPercent {
		return false
	}

	changed := false
	if u.Status == StatusProcessing && item.Status != StatusProcessing {
		item.Status = StatusProcessing
		changed = true
	}
	if u.Percent != nil {
		if pct := clampPercent(*u.Percent); pct != item.ProgressPercent {
			item.ProgressPercent = pct
			changed = true
		}
	}
	if u.StageID != "" && u.StageID != item.CurrentStageID {
		item.CurrentStageID = u.StageID
		changed = true
	}
	if u.Message != "" && u.Message != item.StatusMessage {
		item.StatusMessage = u.Message
		changed = true
	}
	return changed
}

func fillTerminal(item *Item, u Update) bool {
	if u.Status != item.Status {
		return false
	}
	switch item.Status {
	case StatusFailed:
		if item.ErrorMessage == "" && u.ErrorMessage != "" {
			item.ErrorMessage = u.ErrorMessage
			return true
		}
	case StatusCompleted:
		if len(item.Result) == 0 && len(u.Result) > 0 {
			item.Result = cloneRaw(u.Result)
			return true
		}
	}
	return false
}

func clampPercent(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
