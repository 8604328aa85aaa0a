package model

// Mode is the kind of media a job produces.
type Mode string

const (
	ModeStill Mode = "still"
	ModeVideo Mode = "video"
)

var ValidModes = []Mode{ModeStill, ModeVideo}

// Lane selects the cost/quality tier and therefore the model.
type Lane string

const (
	LaneEconomy  Lane = "economy"
	LaneNiche    Lane = "niche"
	LaneStandard Lane = "standard"
	LaneMotion   Lane = "motion"
	LaneVoice    Lane = "voice"
)

var ValidLanes = []Lane{LaneEconomy, LaneNiche, LaneStandard, LaneMotion, LaneVoice}

// ForMode reports whether the lane can serve the given mode.
func (l Lane) ForMode(m Mode) bool {
	switch l {
	case LaneEconomy, LaneNiche:
		return m == ModeStill
	case LaneStandard, LaneMotion, LaneVoice:
		return m == ModeVideo
	}
	return false
}

// JobStatus is both the persisted job state and the pipeline stage.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusScanning   JobStatus = "scanning"
	JobStatusPrompting  JobStatus = "prompting"
	JobStatusGenerating JobStatus = "generating"
	JobStatusPostscan   JobStatus = "postscan"
	JobStatusDone       JobStatus = "done"
	JobStatusSuggested  JobStatus = "suggested"
	JobStatusError      JobStatus = "error"
)

var statusRank = map[JobStatus]int{
	JobStatusQueued:     0,
	JobStatusProcessing: 1,
	JobStatusScanning:   2,
	JobStatusPrompting:  3,
	JobStatusGenerating: 4,
	JobStatusPostscan:   5,
	JobStatusDone:       6,
	JobStatusSuggested:  6,
	JobStatusError:      6,
}

// TerminalStatuses lists the states after which a job is immutable.
var TerminalStatuses = []JobStatus{JobStatusDone, JobStatusSuggested, JobStatusError}

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusSuggested || s == JobStatusError
}

func (s JobStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanTransitionTo enforces forward-only movement. error is reachable from
// any non-terminal state.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.IsTerminal() || !next.Valid() {
		return false
	}
	if next == JobStatusError {
		return true
	}
	if next == JobStatusSuggested && s != JobStatusPrompting {
		return false
	}
	return statusRank[next] > statusRank[s]
}

// ReferenceType namespaces ledger reference ids.
type ReferenceType string

const (
	ReferenceCharge   ReferenceType = "charge"
	ReferenceRefund   ReferenceType = "refund"
	ReferenceGrant    ReferenceType = "grant"
	ReferencePurchase ReferenceType = "purchase"
)

// StepType classifies entries of the per-job audit log.
type StepType string

const (
	StepStage          StepType = "stage"
	StepCharge         StepType = "charge"
	StepScan           StepType = "scan"
	StepCompletion     StepType = "completion"
	StepProviderSubmit StepType = "provider_submit"
	StepProviderResult StepType = "provider_result"
	StepTimeout        StepType = "provider_timeout"
	StepRelocate       StepType = "relocate"
	StepCaption        StepType = "caption"
	StepRecover        StepType = "recover"
	StepRefund         StepType = "refund"
	StepError          StepType = "error"
)
