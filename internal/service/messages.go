package service

import "github.com/makeastudio/api/internal/model"

// StageMessages returns the human-facing lines a stage may publish.
func StageMessages(stage model.JobStatus) []string {
	switch stage {
	case model.JobStatusQueued:
		return []string{"Waiting for a free worker.", "Your job is in line."}
	case model.JobStatusProcessing:
		return []string{"Picked up your job.", "Getting things ready."}
	case model.JobStatusScanning:
		return []string{
			"Looking closely at your references.",
			"Studying shapes and light.",
			"Reading the details in your images.",
		}
	case model.JobStatusPrompting:
		return []string{
			"Writing the prompt.",
			"Turning your brief into directions.",
			"Choosing the right words.",
		}
	case model.JobStatusGenerating:
		return []string{
			"Rendering.",
			"The model is at work.",
			"Still rendering, good things take a moment.",
			"Adding the finishing frames.",
			"Almost there, hang tight.",
		}
	case model.JobStatusPostscan:
		return []string{"Checking the result.", "Describing what came out."}
	case model.JobStatusDone:
		return []string{"Done."}
	case model.JobStatusSuggested:
		return []string{"Here is the prompt we would use."}
	case model.JobStatusError:
		return []string{"Something went wrong."}
	}
	return nil
}

// PickMessage rotates through the stage's lines; n is usually a tick count.
func PickMessage(stage model.JobStatus, n int) string {
	pool := StageMessages(stage)
	if len(pool) == 0 {
		return string(stage)
	}
	if n < 0 {
		n = -n
	}
	return pool[n%len(pool)]
}
