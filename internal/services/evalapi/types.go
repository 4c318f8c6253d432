package evalapi

import "encoding/json"

// ItemSpec describes one media item submitted for evaluation.
type ItemSpec struct {
	Name      string `json:"name"`
	Source    string `json:"source,omitempty"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
	ClientRef string `json:"clientRef,omitempty"`
}

// CreateJobRequest is the body of a job creation call.
type CreateJobRequest struct {
	Items []ItemSpec `json:"items"`
}

// CreatedItem is one item id issued by the service, echoed with the caller's ref.
type CreatedItem struct {
	ItemID    string `json:"itemId"`
	ClientRef string `json:"clientRef,omitempty"`
}

// CreateJobResponse carries the issued job id and per-item ids in request order.
type CreateJobResponse struct {
	JobID string        `json:"jobId"`
	Items []CreatedItem `json:"items"`
}

// ItemStatus is one item's entry in a status response.
type ItemStatus struct {
	ItemID          string          `json:"itemId"`
	Status          string          `json:"status"`
	ProgressPercent float64         `json:"progressPercent"`
	CurrentStageID  string          `json:"currentStageId,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
}

// JobStatus is the full status response for a job.
type JobStatus struct {
	JobID  string       `json:"jobId"`
	Status string       `json:"status,omitempty"`
	Items  []ItemStatus `json:"items"`
}

// Event is one progress message from the job's push stream. Progress may be a
// fraction or a percentage. An empty ItemID addresses every item in the job.
type Event struct {
	StageID        string  `json:"stageId"`
	Progress       float64 `json:"progress"`
	Message        string  `json:"message,omitempty"`
	ItemID         string  `json:"itemId,omitempty"`
	TerminalForJob bool    `json:"terminalForJob,omitempty"`
	Status         string  `json:"status,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// HealthResponse is returned by the service health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
