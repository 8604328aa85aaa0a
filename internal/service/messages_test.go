package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/makeastudio/api/internal/model"
)

func TestStageMessages_EveryStatusHasLines(t *testing.T) {
	for _, s := range []model.JobStatus{
		model.JobStatusQueued,
		model.JobStatusProcessing,
		model.JobStatusScanning,
		model.JobStatusPrompting,
		model.JobStatusGenerating,
		model.JobStatusPostscan,
		model.JobStatusDone,
		model.JobStatusSuggested,
		model.JobStatusError,
	} {
		assert.NotEmpty(t, StageMessages(s), s)
	}
	assert.Nil(t, StageMessages("unknown"))
}

func TestStageMessages_ReturnsFreshSlice(t *testing.T) {
	lines := StageMessages(model.JobStatusGenerating)
	lines[0] = "mutated"
	assert.NotEqual(t, "mutated", StageMessages(model.JobStatusGenerating)[0])
}

func TestPickMessage_Rotates(t *testing.T) {
	pool := StageMessages(model.JobStatusGenerating)
	assert.Equal(t, pool[0], PickMessage(model.JobStatusGenerating, 0))
	assert.Equal(t, pool[1], PickMessage(model.JobStatusGenerating, 1))
	assert.Equal(t, pool[0], PickMessage(model.JobStatusGenerating, len(pool)))
	assert.Equal(t, pool[2], PickMessage(model.JobStatusGenerating, -2))
	assert.Equal(t, "mystery", PickMessage("mystery", 3))
}
