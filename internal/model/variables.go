package model

import (
	"fmt"
	"time"
)

// WorkingVariables is the accumulated, additively merged state of a job.
type WorkingVariables struct {
	Inputs       Inputs            `json:"inputs"`
	Assets       map[string]string `json:"assets,omitempty"`
	Prompts      Prompts           `json:"prompts"`
	Scans        Scans             `json:"scans"`
	Outputs      Outputs           `json:"outputs"`
	Meta         Meta              `json:"meta"`
	UserMessages []string          `json:"userMessages,omitempty"`
}

type Inputs struct {
	Brief             string   `json:"brief,omitempty"`
	Lane              Lane     `json:"lane,omitempty"`
	AspectRatio       string   `json:"aspectRatio,omitempty"`
	DurationSeconds   int      `json:"durationSeconds,omitempty"`
	ReferenceImages   []string `json:"referenceImages,omitempty"`
	ReferenceVideoURL string   `json:"referenceVideoUrl,omitempty"`
	ReferenceAudioURL string   `json:"referenceAudioUrl,omitempty"`
	ReferenceSeconds  int      `json:"referenceSeconds,omitempty"`
	SuggestOnly       bool     `json:"suggestOnly,omitempty"`
	BasePrompt        string   `json:"basePrompt,omitempty"`
}

type Prompts struct {
	System   string `json:"system,omitempty"`
	Final    string `json:"final,omitempty"`
	Negative string `json:"negative,omitempty"`
}

type Scans struct {
	References []ScanLine `json:"references,omitempty"`
	Output     string     `json:"output,omitempty"`
}

type ScanLine struct {
	Source  string `json:"source"`
	Caption string `json:"caption"`
}

type Outputs struct {
	ProviderURL  string `json:"providerUrl,omitempty"`
	PermanentURL string `json:"permanentUrl,omitempty"`
	ContentType  string `json:"contentType,omitempty"`
}

type Meta struct {
	Engine              Lane             `json:"engine,omitempty"`
	Model               string           `json:"model,omitempty"`
	Cost                int              `json:"cost,omitempty"`
	BilledSeconds       int              `json:"billedSeconds,omitempty"`
	ProviderJobID       string           `json:"providerJobId,omitempty"`
	ProviderStatus      string           `json:"providerStatus,omitempty"`
	Charged             bool             `json:"charged,omitempty"`
	TimedOut            bool             `json:"timedOut,omitempty"`
	RecoveryAttempts    int              `json:"recoveryAttempts,omitempty"`
	GeneratingStartedAt *time.Time       `json:"generatingStartedAt,omitempty"`
	StageTimings        map[string]int64 `json:"stageTimings,omitempty"`
}

// Merge folds other into v. Non-zero scalars overwrite, slices append and
// maps merge key by key. Nothing already set is cleared.
func (v *WorkingVariables) Merge(other WorkingVariables) {
	v.Inputs.merge(other.Inputs)
	v.Prompts.merge(other.Prompts)
	v.Scans.merge(other.Scans)
	v.Outputs.merge(other.Outputs)
	v.Meta.merge(other.Meta)

	if len(other.Assets) > 0 && v.Assets == nil {
		v.Assets = make(map[string]string, len(other.Assets))
	}
	for k, val := range other.Assets {
		v.Assets[k] = val
	}
	v.UserMessages = append(v.UserMessages, other.UserMessages...)
}

func (in *Inputs) merge(o Inputs) {
	setString(&in.Brief, o.Brief)
	if o.Lane != "" {
		in.Lane = o.Lane
	}
	setString(&in.AspectRatio, o.AspectRatio)
	setInt(&in.DurationSeconds, o.DurationSeconds)
	in.ReferenceImages = append(in.ReferenceImages, o.ReferenceImages...)
	setString(&in.ReferenceVideoURL, o.ReferenceVideoURL)
	setString(&in.ReferenceAudioURL, o.ReferenceAudioURL)
	setInt(&in.ReferenceSeconds, o.ReferenceSeconds)
	in.SuggestOnly = in.SuggestOnly || o.SuggestOnly
	setString(&in.BasePrompt, o.BasePrompt)
}

func (p *Prompts) merge(o Prompts) {
	setString(&p.System, o.System)
	setString(&p.Final, o.Final)
	setString(&p.Negative, o.Negative)
}

func (s *Scans) merge(o Scans) {
	s.References = append(s.References, o.References...)
	setString(&s.Output, o.Output)
}

func (out *Outputs) merge(o Outputs) {
	setString(&out.ProviderURL, o.ProviderURL)
	setString(&out.PermanentURL, o.PermanentURL)
	setString(&out.ContentType, o.ContentType)
}

func (m *Meta) merge(o Meta) {
	if o.Engine != "" {
		m.Engine = o.Engine
	}
	setString(&m.Model, o.Model)
	setInt(&m.Cost, o.Cost)
	setInt(&m.BilledSeconds, o.BilledSeconds)
	setString(&m.ProviderJobID, o.ProviderJobID)
	setString(&m.ProviderStatus, o.ProviderStatus)
	m.Charged = m.Charged || o.Charged
	m.TimedOut = m.TimedOut || o.TimedOut
	if o.RecoveryAttempts > m.RecoveryAttempts {
		m.RecoveryAttempts = o.RecoveryAttempts
	}
	if o.GeneratingStartedAt != nil {
		m.GeneratingStartedAt = o.GeneratingStartedAt
	}
	if len(o.StageTimings) > 0 && m.StageTimings == nil {
		m.StageTimings = make(map[string]int64, len(o.StageTimings))
	}
	for k, val := range o.StageTimings {
		m.StageTimings[k] = val
	}
}

// ValidateFor checks that the variables carry what the given stage needs
// before the stage starts.
func (v *WorkingVariables) ValidateFor(stage JobStatus) error {
	switch stage {
	case JobStatusScanning:
		if len(v.Inputs.ReferenceImages) == 0 {
			return fmt.Errorf("scanning requires reference images")
		}
	case JobStatusPrompting:
		if v.Inputs.Brief == "" && v.Inputs.BasePrompt == "" {
			return fmt.Errorf("prompting requires a brief or a base prompt")
		}
		if v.Meta.Engine == "" {
			return fmt.Errorf("prompting requires a selected engine")
		}
	case JobStatusGenerating:
		if v.Prompts.Final == "" {
			return fmt.Errorf("generating requires a final prompt")
		}
		if v.Meta.Model == "" {
			return fmt.Errorf("generating requires a provider model")
		}
		if !v.Inputs.SuggestOnly && !v.Meta.Charged {
			return fmt.Errorf("generating requires a charged job")
		}
	case JobStatusPostscan, JobStatusDone:
		if v.Outputs.PermanentURL == "" {
			return fmt.Errorf("%s requires a relocated output", stage)
		}
	case JobStatusSuggested:
		if v.Prompts.Final == "" {
			return fmt.Errorf("suggested requires a final prompt")
		}
	}
	return nil
}

func setString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func setInt(dst *int, src int) {
	if src != 0 {
		*dst = src
	}
}
