package model

import "time"

// Job is one end-to-end generation request tracked as a state machine.
type Job struct {
	ID         string           `json:"jobId"`
	ParentID   *string          `json:"parentId,omitempty"`
	OwnerID    string           `json:"ownerId"`
	Mode       Mode             `json:"mode"`
	Status     JobStatus        `json:"status"`
	Vars       WorkingVariables `json:"workingVariables"`
	PromptText *string          `json:"promptText,omitempty"`
	OutputURL  *string          `json:"outputUrl,omitempty"`
	Error      *JobError        `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// JobError is the persisted failure detail of a job in the error state.
type JobError struct {
	Class   FailureClass `json:"class"`
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Detail  string       `json:"detail,omitempty"`
}

// Recoverable reports whether the job is parked in generating with a
// provider handle and no output yet.
func (j *Job) Recoverable() bool {
	return j.Status == JobStatusGenerating &&
		j.Vars.Meta.ProviderJobID != "" &&
		j.OutputURL == nil
}

// Step is one append-only audit record of a job.
type Step struct {
	JobID      string      `json:"jobId"`
	SequenceNo int         `json:"sequenceNo"`
	Type       StepType    `json:"type"`
	Payload    StepPayload `json:"payload"`
	CreatedAt  time.Time   `json:"createdAt"`
}

type StepPayload struct {
	Input  interface{} `json:"input,omitempty"`
	Output interface{} `json:"output,omitempty"`
	Timing StepTiming  `json:"timing"`
	Error  string      `json:"error,omitempty"`
}

type StepTiming struct {
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
}

// LedgerEntry is an immutable balance delta. (ReferenceType, ReferenceID)
// is unique across the ledger.
type LedgerEntry struct {
	ID            int64         `json:"id"`
	OwnerID       string        `json:"ownerId"`
	Delta         int           `json:"delta"`
	Reason        string        `json:"reason"`
	Source        string        `json:"source"`
	ReferenceType ReferenceType `json:"referenceType"`
	ReferenceID   string        `json:"referenceId"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// OwnerPreferences is the small per-owner document the orchestrator
// reads and rewrites. Last writer wins.
type OwnerPreferences struct {
	OwnerID           string        `json:"ownerId"`
	HardBlockTags     []string      `json:"hardBlockTags,omitempty"`
	Assist            AssistCounter `json:"assist"`
	CourtesyRefundDay string        `json:"courtesyRefundDay,omitempty"` // YYYY-MM-DD, UTC
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// AssistCounter meters suggest-only runs per UTC day.
type AssistCounter struct {
	PeriodStart string `json:"periodStart,omitempty"`
	Count       int    `json:"count"`
}
