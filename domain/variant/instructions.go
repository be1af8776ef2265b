package variant

import (
	"fmt"

	"variantlab/domain/core"
)

// instructionTable maps dimension -> value -> writing instruction handed to the
// content generator alongside the selected variant.
var instructionTable = map[string]map[string]string{
	"hook_style": {
		"question":      "Open with a thought-provoking question aimed at the reader",
		"statistic":     "Open with a concrete, surprising number",
		"story":         "Open with a short first-person anecdote",
		"controversial": "Open with a bold claim that challenges conventional wisdom",
		"direct":        "Open by stating the main point in the first sentence",
	},
	"tone": {
		"engaging":     "Keep the tone warm and conversational",
		"professional": "Keep the tone measured and professional",
		"edgy":         "Use a provocative, slightly irreverent tone",
		"bold":         "Write with confident, assertive phrasing",
		"casual":       "Write casually, as if talking to a friend",
	},
	"length": {
		"short":  "Keep it under 300 characters",
		"medium": "Aim for 300 to 800 characters",
		"long":   "Use up to 1500 characters with short paragraphs",
	},
	"emotion": {
		"curiosity":   "Leave an open loop that rewards reading to the end",
		"urgency":     "Convey why this matters right now",
		"inspiration": "End on an uplifting, forward-looking note",
		"humor":       "Include one light joke or wry observation",
	},
}

// Instructions renders one instruction per dimension, in sorted dimension order
func Instructions(dimensions core.StringMap) []string {
	out := make([]string, 0, len(dimensions))
	for _, name := range dimensions.SortedKeys() {
		value := dimensions[name]
		if text, ok := instructionTable[name][value]; ok {
			out = append(out, text)
			continue
		}
		out = append(out, fmt.Sprintf("%s: %s", name, value))
	}
	return out
}
