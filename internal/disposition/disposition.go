// Package disposition resolves the final action for a scanned file from
// its verdict and per-tenant rules: pass it through, quarantine it, or
// block it outright.
//
// Fail-secure: scan errors default to block, AV threats default to block,
// and a failed quarantine store falls back to block. A file is never
// silently passed through because rule evaluation went wrong.
package disposition

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/filesentry/filesentry/internal/scanner"
)

// Action is the resolved handling for a file.
type Action string

const (
	ActionPass       Action = "pass"
	ActionQuarantine Action = "quarantine"
	ActionBlock      Action = "block"
)

func validAction(a Action) bool {
	switch a {
	case ActionPass, ActionQuarantine, ActionBlock:
		return true
	}
	return false
}

// Defaults applied when a rule key is unset or carries an unknown value.
const (
	defaultOnError    = ActionBlock
	defaultOnAVThreat = ActionBlock
	defaultOnPII      = ActionPass
)

// RuleSet configures disposition per tenant. Unset (empty) actions fall
// through to the fail-secure defaults; so do unrecognized values, so a
// malformed rule entry can never open a pass-through.
type RuleSet struct {
	OnError    Action `json:"on_error,omitempty"`
	OnAVThreat Action `json:"on_av_threat,omitempty"`
	OnPII      Action `json:"on_pii,omitempty"`

	// MIMEOverrides refines individual rule keys for specific MIME types.
	MIMEOverrides map[string]RuleSet `json:"mime_type_overrides,omitempty"`
}

// resolve returns the action for one rule key, trying the MIME override
// first, then the top-level rule, then the default.
func (r *RuleSet) resolve(mimeType string, pick func(RuleSet) Action, fallback Action) Action {
	if r != nil {
		if override, ok := r.MIMEOverrides[mimeType]; ok {
			if a := pick(override); validAction(a) {
				return a
			}
		}
		if a := pick(*r); validAction(a) {
			return a
		}
	}
	return fallback
}

// Quarantiner stores a file in quarantine and returns an opaque reference.
// The binding to a tenant and a database transaction is the caller's
// concern; the engine only needs this one capability.
type Quarantiner interface {
	Store(ctx context.Context, data []byte, mimeType string, findings []scanner.Finding) (string, error)
}

// Result is the immutable outcome of a disposition evaluation.
type Result struct {
	Action Action
	Status scanner.Status
	// QuarantineRef is the opaque reference returned by the Quarantiner
	// when Action is ActionQuarantine, empty otherwise.
	QuarantineRef string
	// Reasons are human-readable strings explaining which rules fired.
	Reasons []string
}

// Engine evaluates verdicts against disposition rules. Stateless after
// construction and safe for concurrent use.
type Engine struct {
	quarantiner Quarantiner
}

// NewEngine returns a disposition engine. quarantiner may be nil, in which
// case a quarantine decision falls back to block.
func NewEngine(quarantiner Quarantiner) *Engine {
	return &Engine{quarantiner: quarantiner}
}

// Decide resolves the action for a scanned file. rules may be nil to apply
// the built-in defaults.
func (e *Engine) Decide(ctx context.Context, data []byte, mimeType string, verdict scanner.Verdict, rules *RuleSet) Result {
	var reasons []string

	// Rejected verdicts carry no findings; the scan itself failed or was
	// refused, which is the highest-priority condition.
	if verdict.Status == scanner.StatusRejected {
		action := rules.resolve(mimeType, func(r RuleSet) Action { return r.OnError }, defaultOnError)
		reasons = append(reasons, fmt.Sprintf("scan rejected by engine %s", verdict.Engine))
		return e.apply(ctx, action, data, mimeType, verdict, reasons)
	}

	var avFindings, piiFindings []scanner.Finding
	for _, f := range verdict.Findings {
		switch f.Kind {
		case scanner.KindAVThreat:
			avFindings = append(avFindings, f)
		case "pii":
			piiFindings = append(piiFindings, f)
		}
	}

	if len(avFindings) > 0 {
		action := rules.resolve(mimeType, func(r RuleSet) Action { return r.OnAVThreat }, defaultOnAVThreat)
		for _, f := range avFindings {
			reasons = append(reasons, fmt.Sprintf("av_threat: category=%s match=%q", f.Category, f.Match))
		}
		return e.apply(ctx, action, data, mimeType, verdict, reasons)
	}

	if len(piiFindings) > 0 {
		action := rules.resolve(mimeType, func(r RuleSet) Action { return r.OnPII }, defaultOnPII)
		for _, f := range piiFindings {
			reasons = append(reasons, fmt.Sprintf("pii: category=%s severity=%s", f.Category, f.Severity))
		}
		return e.apply(ctx, action, data, mimeType, verdict, reasons)
	}

	return Result{Action: ActionPass, Status: scanner.StatusClean}
}

func (e *Engine) apply(ctx context.Context, action Action, data []byte, mimeType string, verdict scanner.Verdict, reasons []string) Result {
	if action == ActionQuarantine {
		ref, err := e.storeQuarantine(ctx, data, mimeType, verdict.Findings)
		if err != nil {
			log.Error().Err(err).Msg("Quarantine store failed, falling back to block")
			return Result{
				Action:  ActionBlock,
				Status:  scanner.StatusRejected,
				Reasons: append(reasons, "quarantine store unavailable, falling back to block"),
			}
		}
		return Result{
			Action:        ActionQuarantine,
			Status:        scanner.StatusRejected,
			QuarantineRef: ref,
			Reasons:       reasons,
		}
	}

	result := Result{Action: action, Reasons: reasons}
	switch {
	case action == ActionBlock:
		result.Status = scanner.StatusRejected
	case len(verdict.Findings) > 0:
		result.Status = scanner.StatusFlagged
	default:
		result.Status = scanner.StatusClean
	}
	return result
}

func (e *Engine) storeQuarantine(ctx context.Context, data []byte, mimeType string, findings []scanner.Finding) (string, error) {
	if e.quarantiner == nil {
		return "", fmt.Errorf("no quarantine store configured")
	}
	return e.quarantiner.Store(ctx, data, mimeType, findings)
}
