package agent

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/praxisworks/praxis/pkg/models"
)

// Loop detection thresholds: with the same round signature appearing in the
// ring this many times, nudge the model, then kill the task.
const (
	loopNudgeThreshold = 3
	loopFailThreshold  = 5
)

// tinyParamsBytes marks a browser read-state call whose input carries no
// distinguishing content (empty selector, bare {}), so the page URL must
// salt the signature.
const tinyParamsBytes = 32

// browserReadTools are tools that read page state without changing it.
// Calling them repeatedly against the same URL is the classic dead loop.
var browserReadTools = map[string]bool{
	"browser_get_content": true,
	"browser_screenshot":  true,
}

// callSignature fingerprints one tool call: name(md5(params)[:8]), with the
// last-known browser URL mixed in for trivially-parameterized page reads.
func callSignature(call models.ToolCall, lastBrowserURL string) string {
	sum := md5.Sum(call.Input)
	sig := call.Name + "(" + hex.EncodeToString(sum[:])[:8]
	if browserReadTools[call.Name] && len(call.Input) <= tinyParamsBytes && lastBrowserURL != "" {
		sig += "|url=" + lastBrowserURL
	}
	return sig + ")"
}

// roundSignature fingerprints one decision's batch: the sorted join of the
// per-call signatures, so {A,B} and {B,A} count as the same round.
func roundSignature(calls []models.ToolCall, lastBrowserURL string) string {
	sigs := make([]string, len(calls))
	for i, call := range calls {
		sigs[i] = callSignature(call, lastBrowserURL)
	}
	sort.Strings(sigs)
	return strings.Join(sigs, "+")
}
