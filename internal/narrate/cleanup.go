package narrate

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	fenceRe      = regexp.MustCompile("(?s)```.*?```")
	danglingRe   = regexp.MustCompile("(?s)```.*$")
	inlineCodeRe = regexp.MustCompile("`[^`]*`")
	toolTagRe    = regexp.MustCompile(`(?s)<tool_call>.*?</tool_call>`)
	functionRe   = regexp.MustCompile(`(?s)<function=[^>]*>.*?(</function>|$)`)
	headingRe    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	emphasisRe   = regexp.MustCompile(`[*_]{1,3}([^*_]+)[*_]{1,3}`)
	linkRe       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	spaceRe      = regexp.MustCompile(`\s+`)
)

// maxSpokenLength bounds fallback summaries to a comfortable spoken size.
const maxSpokenLength = 300

// fallbackSummary is spoken when cleanup strips a turn down to nothing.
const fallbackSummary = "The agent finished a step."

// Cleanup deterministically reduces raw agent output to speakable text:
// code fences, tool-call markers and markdown formatting are stripped and
// the result is truncated at a word boundary. Never returns empty text.
func Cleanup(text string) string {
	out := fenceRe.ReplaceAllString(text, " ")
	out = danglingRe.ReplaceAllString(out, " ")
	out = toolTagRe.ReplaceAllString(out, " ")
	out = functionRe.ReplaceAllString(out, " ")
	out = inlineCodeRe.ReplaceAllString(out, " ")
	out = headingRe.ReplaceAllString(out, "")
	out = emphasisRe.ReplaceAllString(out, "$1")
	out = linkRe.ReplaceAllString(out, "$1")
	out = spaceRe.ReplaceAllString(out, " ")
	out = strings.TrimSpace(out)

	if out == "" {
		return fallbackSummary
	}

	if len(out) > maxSpokenLength {
		n := maxSpokenLength
		for n > 0 && !utf8.RuneStart(out[n]) {
			n--
		}
		cut := out[:n]
		if idx := strings.LastIndexByte(cut, ' '); idx > maxSpokenLength/2 {
			cut = cut[:idx]
		}
		out = strings.TrimRight(cut, " .,;:") + "…"
	}

	return out
}
