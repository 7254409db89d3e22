// Package extraction wraps the single call-contract to the external AI
// inference capability: document bytes plus instructions in, one candidate
// order or a classified failure out. The gateway never retries; the retry
// and escalation policy belongs to the pipeline processor.
package extraction

import "errors"

// Mode selects the extraction behaviour of the inference capability.
type Mode string

const (
	// ModeStandard is the plain extraction request.
	ModeStandard Mode = "STANDARD"
	// ModeSelfChecked additionally asks the model to recompute and report
	// its own arithmetic before answering. Slower and costlier; used on
	// retry. The self-check result is a confidence signal, never an
	// acceptance decision.
	ModeSelfChecked Mode = "SELF_CHECKED"
)

// Escalate returns the mode to use after a failed attempt. Escalation is
// monotonic: SELF_CHECKED never downgrades within a run.
func (m Mode) Escalate() Mode {
	return ModeSelfChecked
}

// Classified gateway failures.
var (
	// ErrTimeout covers deadline expiry and transport failures reaching
	// the inference endpoint.
	ErrTimeout = errors.New("extraction: inference call timed out")
	// ErrMalformedResponse covers responses that could not be decoded or
	// that failed schema validation.
	ErrMalformedResponse = errors.New("extraction: malformed inference response")
	// ErrQuota covers quota and rate-limit rejections.
	ErrQuota = errors.New("extraction: inference quota exhausted")
)
