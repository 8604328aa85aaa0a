package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrJobFinalized       = errors.New("job already finalized")
	ErrDuplicateReference = errors.New("duplicate ledger reference")
	ErrNotRecoverable     = errors.New("job is not recoverable")
)

// FailureClass groups errors by how the system reacts to them.
type FailureClass string

const (
	ClassValidation          FailureClass = "validation"
	ClassInsufficientCredits FailureClass = "insufficient_credits"
	ClassProviderTimeout     FailureClass = "provider_timeout"
	ClassProviderFailed      FailureClass = "provider_failed"
	ClassSafetyBlocked       FailureClass = "safety_blocked"
	ClassPipeline            FailureClass = "pipeline"
)

// Code is the API error code for the class.
func (c FailureClass) Code() string {
	switch c {
	case ClassValidation:
		return "VALIDATION_ERROR"
	case ClassInsufficientCredits:
		return "INSUFFICIENT_CREDITS"
	case ClassProviderTimeout:
		return "PROVIDER_TIMEOUT"
	case ClassProviderFailed:
		return "PROVIDER_FAILED"
	case ClassSafetyBlocked:
		return "SAFETY_BLOCKED"
	}
	return "PIPELINE_ERROR"
}

// ValidationError is caller-correctable and never charges.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Suggestion proposes an affordable alternative to a rejected request.
type Suggestion struct {
	Lane            Lane   `json:"lane"`
	Cost            int    `json:"cost"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	Message         string `json:"message"`
}

type InsufficientCreditsError struct {
	Balance    int
	Needed     int
	Suggestion *Suggestion
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %d, needed %d", e.Balance, e.Needed)
}

// ProviderTimeoutError marks a provider job that outlived the hard deadline.
// The job stays recoverable until it is abandoned.
type ProviderTimeoutError struct {
	ProviderJobID string
	Waited        time.Duration
	Abandoned     bool
}

func (e *ProviderTimeoutError) Error() string {
	if e.Abandoned {
		return fmt.Sprintf("provider job %s abandoned after %s", e.ProviderJobID, e.Waited.Round(time.Second))
	}
	return fmt.Sprintf("provider job %s still running after %s", e.ProviderJobID, e.Waited.Round(time.Second))
}

type ProviderFailedError struct {
	ProviderJobID string
	Status        string
	Diagnostic    string
}

func (e *ProviderFailedError) Error() string {
	if e.Diagnostic == "" {
		return fmt.Sprintf("provider job %s %s", e.ProviderJobID, e.Status)
	}
	return fmt.Sprintf("provider job %s %s: %s", e.ProviderJobID, e.Status, e.Diagnostic)
}

type SafetyBlockedError struct {
	Reason string
}

func (e *SafetyBlockedError) Error() string {
	return "blocked by content safety: " + e.Reason
}

// PipelineError wraps a failure with the stage it happened in.
type PipelineError struct {
	Stage JobStatus
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

var safetyMarkers = []string{
	"nsfw",
	"safety",
	"flagged",
	"content policy",
	"moderation",
	"sensitive content",
}

// IsSafetyDiagnostic reports whether a provider diagnostic describes a
// content-safety block.
func IsSafetyDiagnostic(diagnostic string) bool {
	d := strings.ToLower(diagnostic)
	for _, marker := range safetyMarkers {
		if strings.Contains(d, marker) {
			return true
		}
	}
	return false
}

// Classify maps any error onto the failure taxonomy.
func Classify(err error) FailureClass {
	if err == nil {
		return ""
	}

	var safety *SafetyBlockedError
	if errors.As(err, &safety) {
		return ClassSafetyBlocked
	}

	var failed *ProviderFailedError
	if errors.As(err, &failed) {
		if IsSafetyDiagnostic(failed.Diagnostic) {
			return ClassSafetyBlocked
		}
		return ClassProviderFailed
	}

	var timeout *ProviderTimeoutError
	if errors.As(err, &timeout) {
		return ClassProviderTimeout
	}

	var credits *InsufficientCreditsError
	if errors.As(err, &credits) {
		return ClassInsufficientCredits
	}

	var validation *ValidationError
	if errors.As(err, &validation) {
		return ClassValidation
	}

	return ClassPipeline
}

// NewJobError builds the persisted failure detail for err.
func NewJobError(err error) *JobError {
	class := Classify(err)
	je := &JobError{
		Class:   class,
		Code:    class.Code(),
		Message: userMessage(class),
		Detail:  err.Error(),
	}

	var timeout *ProviderTimeoutError
	if errors.As(err, &timeout) && timeout.Abandoned {
		je.Code = "PROVIDER_ABANDONED"
	}
	if errors.Is(err, context.DeadlineExceeded) && class == ClassPipeline {
		je.Code = "STAGE_TIMEOUT"
	}

	return je
}

func userMessage(class FailureClass) string {
	switch class {
	case ClassValidation:
		return "The request could not be processed as submitted."
	case ClassInsufficientCredits:
		return "Not enough credits for this generation."
	case ClassProviderTimeout:
		return "The generation took too long and was stopped."
	case ClassProviderFailed:
		return "The generation provider reported a failure."
	case ClassSafetyBlocked:
		return "The request was blocked by content safety checks."
	}
	return "Something went wrong while generating."
}
