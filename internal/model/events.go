package model

// Stream event names
const (
	EventScanLine EventType = "scan_line"
	EventStatus   EventType = "status"
	EventDone     EventType = "done"
)

type EventType string

// Client-originated WebSocket control messages
const (
	WSMessageTypePing = "ping"
	WSMessageTypePong = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// ScanLinePayload is a human-readable progress line.
type ScanLinePayload struct {
	JobID string    `json:"jobId"`
	Stage JobStatus `json:"stage"`
	Line  string    `json:"line"`
}

// StatusPayload accompanies every stage transition.
type StatusPayload struct {
	JobID    string    `json:"jobId"`
	Status   JobStatus `json:"status"`
	Message  string    `json:"message,omitempty"`
	TimedOut bool      `json:"timedOut,omitempty"`
	Error    *JobError `json:"error,omitempty"`
}

// DonePayload is the terminal event of a job stream.
type DonePayload struct {
	JobID      string    `json:"jobId"`
	Status     JobStatus `json:"status"`
	OutputURL  *string   `json:"outputUrl,omitempty"`
	PromptText *string   `json:"promptText,omitempty"`
	Error      *JobError `json:"error,omitempty"`
}

// DonePayloadFor builds the terminal event for a job.
func DonePayloadFor(job *Job) DonePayload {
	return DonePayload{
		JobID:      job.ID,
		Status:     job.Status,
		OutputURL:  job.OutputURL,
		PromptText: job.PromptText,
		Error:      job.Error,
	}
}
