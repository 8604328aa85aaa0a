package service

import (
	"fmt"
	"strings"

	"github.com/makeastudio/api/internal/model"
)

const scanSystemPrompt = `You describe images for an art director. Answer with one or two plain sentences covering subject, composition, lighting and style. No preamble.`

const scanUserPrompt = "Describe this reference image."

const postscanUserPrompt = "Describe this generated image as a short caption."

const stillSystemPrompt = `You write prompts for a text-to-image model.
Turn the brief into one vivid prompt of at most 80 words: subject first, then setting, lighting, lens and style.
Use the reference notes when given. When a base prompt is given, keep its intent and apply the brief as a change.
Reply with the prompt only.`

const videoSystemPrompt = `You write prompts for a text-to-video model.
Turn the brief into one prompt of at most 80 words describing the subject, the motion over time and the camera movement.
Use the reference notes when given. When a base prompt is given, keep its intent and apply the brief as a change.
Reply with the prompt only.`

func promptSystem(mode model.Mode, lane model.Lane) string {
	if mode == model.ModeStill {
		return stillSystemPrompt
	}
	switch lane {
	case model.LaneMotion:
		return videoSystemPrompt + "\nThe motion is driven by a reference performance video, so describe the character and scene rather than the movement."
	case model.LaneVoice:
		return videoSystemPrompt + "\nThe subject is speaking or singing to a reference audio track. Describe the face, framing and expression."
	}
	return videoSystemPrompt
}

// promptBrief assembles the user message from everything gathered so far.
func promptBrief(v *model.WorkingVariables) string {
	var b strings.Builder
	if v.Inputs.BasePrompt != "" {
		fmt.Fprintf(&b, "Base prompt: %s\n", v.Inputs.BasePrompt)
	}
	if v.Inputs.Brief != "" {
		fmt.Fprintf(&b, "Brief: %s\n", v.Inputs.Brief)
	}
	if len(v.Scans.References) > 0 {
		b.WriteString("Reference notes:\n")
		for _, line := range v.Scans.References {
			fmt.Fprintf(&b, "- %s\n", line.Caption)
		}
	}
	if v.Inputs.AspectRatio != "" {
		fmt.Fprintf(&b, "Aspect ratio: %s\n", v.Inputs.AspectRatio)
	}
	if v.Meta.BilledSeconds > 0 {
		fmt.Fprintf(&b, "Duration: %d seconds\n", v.Meta.BilledSeconds)
	}
	return strings.TrimSpace(b.String())
}

// cleanPrompt strips labels and quotes models like to wrap prompts in.
func cleanPrompt(text string) string {
	p := strings.TrimSpace(text)
	for _, label := range []string{"prompt:", "final prompt:"} {
		if len(p) >= len(label) && strings.EqualFold(p[:len(label)], label) {
			p = strings.TrimSpace(p[len(label):])
		}
	}
	p = strings.Trim(p, "\"'`")
	return strings.TrimSpace(p)
}

func negativePrompt(mode model.Mode) string {
	if mode == model.ModeStill {
		return "blurry, low quality, watermark, text artifacts"
	}
	return ""
}
