// Package scanner defines the scan verdict model and the adapter contract
// that every anti-malware engine integration must satisfy.
//
// The contract is fail-secure: no adapter method returns an error. Any
// engine failure, timeout, or protocol anomaly collapses into a rejected
// verdict so a broken engine can never become a silent pass-through.
package scanner

import (
	"context"
	"time"
)

// Status is the overall outcome of a scan.
type Status string

const (
	// StatusClean means no threats were detected.
	StatusClean Status = "clean"
	// StatusFlagged means one or more threats were detected.
	StatusFlagged Status = "flagged"
	// StatusRejected means the scan could not be completed and the file is
	// blocked by fail-secure policy.
	StatusRejected Status = "rejected"
)

// Severity ranks a finding. The zero value is SeverityLow.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// FindingKind tags the detection source. AV engine adapters always emit
// KindAVThreat.
const KindAVThreat = "av_threat"

// Finding describes a single threat detection. Findings are value objects;
// adapters construct them once and never mutate them.
type Finding struct {
	Kind     string   `json:"kind"`
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
	Match    string   `json:"match"`
}

// Verdict is the result of one scan operation. Findings is empty unless
// Status is StatusFlagged.
type Verdict struct {
	Status   Status        `json:"status"`
	Findings []Finding     `json:"findings,omitempty"`
	Duration time.Duration `json:"duration"`
	Engine   string        `json:"engine"`
}

// Adapter is the capability interface for scan engine integrations.
//
// Implementations must never propagate an error: Scan and ScanBytes resolve
// every failure mode to a rejected Verdict, and Ping returns false on any
// error or unexpected reply. Retry policy belongs to the caller.
type Adapter interface {
	// Scan asks the engine to read and scan the file at path. The engine
	// process must have read access to the path.
	Scan(ctx context.Context, path string) Verdict

	// ScanBytes streams in-memory content to the engine, for deployments
	// where the engine does not share a filesystem with the caller.
	ScanBytes(ctx context.Context, data []byte) Verdict

	// Ping reports whether the engine is reachable and healthy.
	Ping(ctx context.Context) bool
}
