package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeastudio/api/internal/model"
)

var testCatalog = Catalog{
	StillEconomy:  "black-forest-labs/flux-schnell",
	StillNiche:    "black-forest-labs/flux-1.1-pro",
	VideoStandard: "kwaivgi/kling-v2.1",
	VideoMotion:   "runwayml/act-two",
	VideoVoice:    "bytedance/omni-human",
}

func TestSelectEngine_Stills(t *testing.T) {
	eng, err := SelectEngine(model.ModeStill, model.Inputs{}, testCatalog)
	require.NoError(t, err)
	assert.Equal(t, Engine{Lane: model.LaneEconomy, Model: testCatalog.StillEconomy, Cost: 1}, eng)

	eng, err = SelectEngine(model.ModeStill, model.Inputs{Lane: model.LaneNiche}, testCatalog)
	require.NoError(t, err)
	assert.Equal(t, 2, eng.Cost)
	assert.Equal(t, testCatalog.StillNiche, eng.Model)

	_, err = SelectEngine(model.ModeStill, model.Inputs{Lane: model.LaneMotion}, testCatalog)
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "lane", ve.Field)
}

func TestSelectEngine_Video(t *testing.T) {
	tests := []struct {
		name        string
		in          model.Inputs
		wantLane    model.Lane
		wantCost    int
		wantSeconds int
	}{
		{"default duration", model.Inputs{}, model.LaneStandard, 5, 5},
		{"short", model.Inputs{DurationSeconds: 4}, model.LaneStandard, 5, 4},
		{"long", model.Inputs{DurationSeconds: 10}, model.LaneStandard, 10, 10},
		{"motion inferred", model.Inputs{ReferenceVideoURL: "https://x/v.mp4", ReferenceSeconds: 12}, model.LaneMotion, 15, 15},
		{"motion capped", model.Inputs{ReferenceVideoURL: "https://x/v.mp4", ReferenceSeconds: 44}, model.LaneMotion, 30, 30},
		{"voice 47s", model.Inputs{ReferenceAudioURL: "https://x/a.mp3", ReferenceSeconds: 47}, model.LaneVoice, 50, 50},
		{"voice capped", model.Inputs{ReferenceAudioURL: "https://x/a.mp3", ReferenceSeconds: 90}, model.LaneVoice, 60, 60},
		{"voice exact block", model.Inputs{ReferenceAudioURL: "https://x/a.mp3", ReferenceSeconds: 20}, model.LaneVoice, 20, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, err := SelectEngine(model.ModeVideo, tt.in, testCatalog)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLane, eng.Lane)
			assert.Equal(t, tt.wantCost, eng.Cost)
			assert.Equal(t, tt.wantSeconds, eng.BilledSeconds)
		})
	}
}

func TestSelectEngine_ReferenceRequired(t *testing.T) {
	_, err := SelectEngine(model.ModeVideo, model.Inputs{Lane: model.LaneVoice, ReferenceSeconds: 10}, testCatalog)
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "referenceAudioUrl", ve.Field)

	_, err = SelectEngine(model.ModeVideo, model.Inputs{Lane: model.LaneMotion, ReferenceVideoURL: "https://x/v.mp4"}, testCatalog)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "referenceSeconds", ve.Field)
}

func TestSelectEngine_UnavailableModel(t *testing.T) {
	_, err := SelectEngine(model.ModeStill, model.Inputs{Lane: model.LaneNiche}, Catalog{StillEconomy: "x"})
	assert.Equal(t, model.ClassValidation, model.Classify(err))
}

func TestCheaper(t *testing.T) {
	niche := Engine{Lane: model.LaneNiche, Cost: 2}
	s := Cheaper(model.ModeStill, niche, 1, testCatalog)
	require.NotNil(t, s)
	assert.Equal(t, model.LaneEconomy, s.Lane)
	assert.Equal(t, 1, s.Cost)

	assert.Nil(t, Cheaper(model.ModeStill, niche, 0, testCatalog))
	assert.Nil(t, Cheaper(model.ModeStill, Engine{Lane: model.LaneEconomy, Cost: 1}, 0, testCatalog))

	voice := Engine{Lane: model.LaneVoice, Cost: 50}
	s = Cheaper(model.ModeVideo, voice, 7, testCatalog)
	require.NotNil(t, s)
	assert.Equal(t, model.LaneStandard, s.Lane)
	assert.Equal(t, 5, s.DurationSeconds)

	assert.Nil(t, Cheaper(model.ModeVideo, voice, 4, testCatalog))
}

func TestEngine_ProviderInput(t *testing.T) {
	eng := Engine{Lane: model.LaneVoice, BilledSeconds: 50}
	in := model.Inputs{ReferenceAudioURL: "https://x/a.mp3", ReferenceImages: []string{"https://x/face.png"}, AspectRatio: "9:16"}

	input := eng.ProviderInput("a singer on stage", "", in)
	assert.Equal(t, "a singer on stage", input["prompt"])
	assert.Equal(t, "https://x/a.mp3", input["audio"])
	assert.Equal(t, "https://x/face.png", input["image"])
	assert.Equal(t, 50, input["duration"])
	assert.Equal(t, "9:16", input["aspect_ratio"])
	assert.NotContains(t, input, "negative_prompt")

	assert.Equal(t, "video/mp4", eng.ContentType())
	assert.Equal(t, "image/png", Engine{Lane: model.LaneEconomy}.ContentType())
}
