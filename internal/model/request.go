package model

import (
	"strings"
	"time"
)

// CreateJobRequest is the body of POST /api/jobs
type CreateJobRequest struct {
	Mode              Mode     `json:"mode" validate:"required,oneof=still video"`
	Lane              Lane     `json:"lane,omitempty" validate:"omitempty,oneof=economy niche standard motion voice"`
	Brief             string   `json:"brief" validate:"required_without=ParentID,max=4000"`
	ParentID          string   `json:"parentId,omitempty" validate:"omitempty,uuid"`
	DeclaredCost      int      `json:"declaredCost,omitempty" validate:"omitempty,min=1"`
	AspectRatio       string   `json:"aspectRatio,omitempty" validate:"omitempty,oneof=1:1 16:9 9:16 4:3 3:4"`
	DurationSeconds   int      `json:"durationSeconds,omitempty" validate:"omitempty,min=1,max=10"`
	ReferenceImages   []string `json:"referenceImages,omitempty" validate:"omitempty,max=4,dive,url"`
	ReferenceVideoURL string   `json:"referenceVideoUrl,omitempty" validate:"omitempty,url"`
	ReferenceAudioURL string   `json:"referenceAudioUrl,omitempty" validate:"omitempty,url"`
	ReferenceSeconds  int      `json:"referenceSeconds,omitempty" validate:"omitempty,min=1,max=600"`
	SuggestOnly       bool     `json:"suggestOnly,omitempty"`
}

// Normalize trims free-text fields in place.
func (r *CreateJobRequest) Normalize() {
	r.Brief = strings.TrimSpace(r.Brief)
	r.ParentID = strings.TrimSpace(r.ParentID)
	r.Lane = Lane(strings.ToLower(strings.TrimSpace(string(r.Lane))))
}

// Inputs converts the request into the job's input section.
func (r *CreateJobRequest) Inputs() Inputs {
	return Inputs{
		Brief:             r.Brief,
		Lane:              r.Lane,
		AspectRatio:       r.AspectRatio,
		DurationSeconds:   r.DurationSeconds,
		ReferenceImages:   append([]string(nil), r.ReferenceImages...),
		ReferenceVideoURL: r.ReferenceVideoURL,
		ReferenceAudioURL: r.ReferenceAudioURL,
		ReferenceSeconds:  r.ReferenceSeconds,
		SuggestOnly:       r.SuggestOnly,
	}
}

// CreateJobResponse is returned once the job row exists and the run is scheduled.
type CreateJobResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	StreamURL string    `json:"streamUrl"`
	Lane      Lane      `json:"lane"`
	Cost      int       `json:"cost"`
	CreatedAt time.Time `json:"createdAt"`
}

// RecoverOutcome describes what a recovery attempt achieved.
type RecoverOutcome string

const (
	RecoverFinalized    RecoverOutcome = "finalized"
	RecoverFailed       RecoverOutcome = "failed"
	RecoverPending      RecoverOutcome = "pending"
	RecoverAbandoned    RecoverOutcome = "abandoned"
	RecoverAlreadyFinal RecoverOutcome = "already_final"
)

type RecoverResponse struct {
	JobID    string         `json:"jobId"`
	Status   JobStatus      `json:"status"`
	Outcome  RecoverOutcome `json:"outcome"`
	Attempts int            `json:"attempts"`
	Job      *Job           `json:"job"`
}

type CreditsResponse struct {
	OwnerID string         `json:"ownerId"`
	Balance int            `json:"balance"`
	Entries []*LedgerEntry `json:"entries"`
}
