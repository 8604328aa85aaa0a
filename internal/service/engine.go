package service

import (
	"fmt"

	"github.com/makeastudio/api/internal/config"
	"github.com/makeastudio/api/internal/model"
)

// Lane costs in credits
const (
	costStillEconomy = 1
	costStillNiche   = 2

	costVideoShort      = 5
	costVideoLong       = 10
	videoShortMaxSecond = 5
	videoDefaultSeconds = 5

	billingBlockSeconds = 5
	motionCapSeconds    = 30
	voiceCapSeconds     = 60
)

// Catalog maps each lane to the provider model that serves it.
type Catalog struct {
	StillEconomy  string
	StillNiche    string
	VideoStandard string
	VideoMotion   string
	VideoVoice    string
}

func NewCatalog(cfg *config.ReplicateConfig) Catalog {
	return Catalog{
		StillEconomy:  cfg.Models.StillEconomy,
		StillNiche:    cfg.Models.StillNiche,
		VideoStandard: cfg.Models.VideoStandard,
		VideoMotion:   cfg.Models.VideoMotion,
		VideoVoice:    cfg.Models.VideoVoice,
	}
}

func (c Catalog) modelFor(lane model.Lane) string {
	switch lane {
	case model.LaneEconomy:
		return c.StillEconomy
	case model.LaneNiche:
		return c.StillNiche
	case model.LaneStandard:
		return c.VideoStandard
	case model.LaneMotion:
		return c.VideoMotion
	case model.LaneVoice:
		return c.VideoVoice
	}
	return ""
}

// Engine is the selected lane with its model and price.
type Engine struct {
	Lane          model.Lane `json:"lane"`
	Model         string     `json:"model"`
	Cost          int        `json:"cost"`
	BilledSeconds int        `json:"billedSeconds,omitempty"`
}

// SelectEngine picks lane, model and cost from the declared inputs. It
// never calls out and is safe to run at create time and again at run time.
func SelectEngine(mode model.Mode, in model.Inputs, cat Catalog) (Engine, error) {
	lane := in.Lane
	if lane == "" {
		lane = inferLane(mode, in)
	}
	if !lane.ForMode(mode) {
		return Engine{}, &model.ValidationError{
			Field:   "lane",
			Message: fmt.Sprintf("lane %s cannot produce %s output", lane, mode),
		}
	}

	eng := Engine{Lane: lane, Model: cat.modelFor(lane)}
	if eng.Model == "" {
		return Engine{}, &model.ValidationError{Field: "lane", Message: fmt.Sprintf("lane %s is not available", lane)}
	}

	switch lane {
	case model.LaneEconomy:
		eng.Cost = costStillEconomy
	case model.LaneNiche:
		eng.Cost = costStillNiche
	case model.LaneStandard:
		seconds := in.DurationSeconds
		if seconds <= 0 {
			seconds = videoDefaultSeconds
		}
		eng.BilledSeconds = seconds
		eng.Cost = costVideoLong
		if seconds <= videoShortMaxSecond {
			eng.Cost = costVideoShort
		}
	case model.LaneMotion:
		if in.ReferenceVideoURL == "" {
			return Engine{}, &model.ValidationError{Field: "referenceVideoUrl", Message: "motion lane requires a reference video"}
		}
		seconds, err := referenceSeconds(in, motionCapSeconds)
		if err != nil {
			return Engine{}, err
		}
		eng.BilledSeconds, eng.Cost = seconds, seconds
	case model.LaneVoice:
		if in.ReferenceAudioURL == "" {
			return Engine{}, &model.ValidationError{Field: "referenceAudioUrl", Message: "voice lane requires a reference audio track"}
		}
		seconds, err := referenceSeconds(in, voiceCapSeconds)
		if err != nil {
			return Engine{}, err
		}
		eng.BilledSeconds, eng.Cost = seconds, seconds
	}

	return eng, nil
}

func inferLane(mode model.Mode, in model.Inputs) model.Lane {
	if mode == model.ModeStill {
		return model.LaneEconomy
	}
	switch {
	case in.ReferenceAudioURL != "":
		return model.LaneVoice
	case in.ReferenceVideoURL != "":
		return model.LaneMotion
	}
	return model.LaneStandard
}

// referenceSeconds rounds the reference duration up to the billing block
// and clamps it to the lane cap.
func referenceSeconds(in model.Inputs, capSeconds int) (int, error) {
	if in.ReferenceSeconds <= 0 {
		return 0, &model.ValidationError{Field: "referenceSeconds", Message: "reference duration is required"}
	}
	return BilledReferenceSeconds(in.ReferenceSeconds, capSeconds), nil
}

// BilledReferenceSeconds rounds seconds up to a multiple of five, capped.
func BilledReferenceSeconds(seconds, capSeconds int) int {
	billed := (seconds + billingBlockSeconds - 1) / billingBlockSeconds * billingBlockSeconds
	if billed > capSeconds {
		billed = capSeconds
	}
	return billed
}

// Cheaper proposes an affordable alternative to eng, or nil when nothing
// fits the balance.
func Cheaper(mode model.Mode, eng Engine, balance int, cat Catalog) *model.Suggestion {
	if mode == model.ModeStill {
		if eng.Lane != model.LaneEconomy && balance >= costStillEconomy && cat.StillEconomy != "" {
			return &model.Suggestion{
				Lane:    model.LaneEconomy,
				Cost:    costStillEconomy,
				Message: "Switch to the economy lane for a cheaper still.",
			}
		}
		return nil
	}

	if eng.Cost > costVideoShort && balance >= costVideoShort && cat.VideoStandard != "" {
		return &model.Suggestion{
			Lane:            model.LaneStandard,
			Cost:            costVideoShort,
			DurationSeconds: videoShortMaxSecond,
			Message:         "Try a 5 second standard video instead.",
		}
	}
	return nil
}

// ProviderInput builds the prediction input for the engine's model.
func (e Engine) ProviderInput(prompt, negative string, in model.Inputs) map[string]interface{} {
	input := map[string]interface{}{"prompt": prompt}
	if negative != "" {
		input["negative_prompt"] = negative
	}
	if in.AspectRatio != "" {
		input["aspect_ratio"] = in.AspectRatio
	}

	switch e.Lane {
	case model.LaneEconomy, model.LaneNiche:
		input["num_outputs"] = 1
		input["output_format"] = "png"
		if len(in.ReferenceImages) > 0 {
			input["image"] = in.ReferenceImages[0]
		}
	case model.LaneStandard:
		input["duration"] = e.BilledSeconds
		if len(in.ReferenceImages) > 0 {
			input["start_image"] = in.ReferenceImages[0]
		}
	case model.LaneMotion:
		input["duration"] = e.BilledSeconds
		input["reference_video"] = in.ReferenceVideoURL
		if len(in.ReferenceImages) > 0 {
			input["character_image"] = in.ReferenceImages[0]
		}
	case model.LaneVoice:
		input["duration"] = e.BilledSeconds
		input["audio"] = in.ReferenceAudioURL
		if len(in.ReferenceImages) > 0 {
			input["image"] = in.ReferenceImages[0]
		}
	}
	return input
}

// ContentType is the MIME type the engine's output is stored under.
func (e Engine) ContentType() string {
	if e.Lane.ForMode(model.ModeStill) {
		return "image/png"
	}
	return "video/mp4"
}
