// Package response cleans assistant output and judges task completion.
package response

import (
	"regexp"
	"strings"
)

// Some models leak internal reasoning or simulated tool-call syntax into
// their visible text. Sanitize strips those in a fixed order: paired
// reasoning tags, vendor tool-call sections (closed or cut off mid-stream),
// residual closers, XML preambles, and finally whole lines that look like a
// hand-written tool invocation.
var (
	reThinking    = regexp.MustCompile(`(?s)<thinking>.*?</thinking>`)
	reThink       = regexp.MustCompile(`(?s)<think>.*?</think>`)
	reMinimaxCall = regexp.MustCompile(`(?s)<minimax:tool_call>.*?(</minimax:tool_call>|$)`)
	reToolSection = regexp.MustCompile(`(?s)<<\|tool_calls_section_begin\|>>.*?(<<\|tool_calls_section_end\|>>|$)`)
	reInvokeBlock = regexp.MustCompile(`(?s)<invoke\b[^>]*>.*?(</invoke>|$)`)
	reXMLPreamble = regexp.MustCompile(`<\?xml[^?]*\?>`)

	residualClosers = []string{
		"</thinking>",
		"</think>",
		"</minimax:tool_call>",
		"<<|tool_calls_section_end|>>",
		"</invoke>",
	}

	// Simulated call shapes: `name(args)` alone on a line, the indexed
	// `name:0{...}` form, and bare `{"tool": ...}` JSON stubs.
	reBareCall    = regexp.MustCompile(`^\s*[\w.]+\([^()]*\)\s*$`)
	reIndexedCall = regexp.MustCompile(`^\s*[\w.]+:\d+\s*\{`)
	reToolStub    = regexp.MustCompile(`^\s*\{"tool"\s*:`)
)

// Sanitize returns user-safe text with all model-internal markers removed.
func Sanitize(text string) string {
	if text == "" {
		return ""
	}
	out := reThinking.ReplaceAllString(text, "")
	out = reThink.ReplaceAllString(out, "")
	out = reMinimaxCall.ReplaceAllString(out, "")
	out = reToolSection.ReplaceAllString(out, "")
	out = reInvokeBlock.ReplaceAllString(out, "")
	for _, closer := range residualClosers {
		out = strings.ReplaceAll(out, closer, "")
	}
	out = reXMLPreamble.ReplaceAllString(out, "")

	lines := strings.Split(out, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if reBareCall.MatchString(line) || reIndexedCall.MatchString(line) || reToolStub.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
