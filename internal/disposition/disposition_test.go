package disposition

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/filesentry/filesentry/internal/scanner"
)

type fakeQuarantiner struct {
	ref    string
	err    error
	calls  int
	lastMT string
}

func (f *fakeQuarantiner) Store(_ context.Context, _ []byte, mimeType string, _ []scanner.Finding) (string, error) {
	f.calls++
	f.lastMT = mimeType
	if f.err != nil {
		return "", f.err
	}
	return f.ref, nil
}

func avVerdict(threats ...string) scanner.Verdict {
	v := scanner.Verdict{Status: scanner.StatusFlagged, Engine: "clamav"}
	for _, name := range threats {
		v.Findings = append(v.Findings, scanner.Finding{
			Kind:     scanner.KindAVThreat,
			Category: name,
			Severity: scanner.SeverityHigh,
			Match:    name,
		})
	}
	return v
}

func piiVerdict() scanner.Verdict {
	return scanner.Verdict{
		Status: scanner.StatusFlagged,
		Engine: "pii",
		Findings: []scanner.Finding{
			{Kind: "pii", Category: "ssn", Severity: scanner.SeverityMedium},
		},
	}
}

func TestDecide_CleanPasses(t *testing.T) {
	e := NewEngine(nil)
	result := e.Decide(context.Background(), []byte("ok"), "text/plain",
		scanner.Verdict{Status: scanner.StatusClean, Engine: "clamav"}, nil)

	if result.Action != ActionPass {
		t.Fatalf("action = %q, want pass", result.Action)
	}
	if result.Status != scanner.StatusClean {
		t.Fatalf("status = %q, want clean", result.Status)
	}
	if len(result.Reasons) != 0 {
		t.Fatalf("reasons = %v, want none", result.Reasons)
	}
}

func TestDecide_RejectedDefaultsToBlock(t *testing.T) {
	e := NewEngine(nil)
	result := e.Decide(context.Background(), nil, "text/plain",
		scanner.Verdict{Status: scanner.StatusRejected, Engine: "clamav"}, nil)

	if result.Action != ActionBlock {
		t.Fatalf("action = %q, want block (fail-secure default)", result.Action)
	}
	if result.Status != scanner.StatusRejected {
		t.Fatalf("status = %q, want rejected", result.Status)
	}
	if len(result.Reasons) == 0 || !strings.Contains(result.Reasons[0], "scan rejected") {
		t.Fatalf("reasons = %v, want a scan-rejected reason", result.Reasons)
	}
}

func TestDecide_AVThreatDefaultsToBlock(t *testing.T) {
	e := NewEngine(nil)
	result := e.Decide(context.Background(), nil, "application/octet-stream",
		avVerdict("Win.Test.EICAR_HDB-1"), nil)

	if result.Action != ActionBlock {
		t.Fatalf("action = %q, want block", result.Action)
	}
	if len(result.Reasons) != 1 || !strings.Contains(result.Reasons[0], "Win.Test.EICAR_HDB-1") {
		t.Fatalf("reasons = %v, want the threat name", result.Reasons)
	}
}

func TestDecide_PIIDefaultsToPass(t *testing.T) {
	e := NewEngine(nil)
	result := e.Decide(context.Background(), nil, "text/csv", piiVerdict(), nil)

	if result.Action != ActionPass {
		t.Fatalf("action = %q, want pass (pii default)", result.Action)
	}
	if result.Status != scanner.StatusFlagged {
		t.Fatalf("status = %q, want flagged (findings are preserved)", result.Status)
	}
}

func TestDecide_RuleOverridesDefault(t *testing.T) {
	q := &fakeQuarantiner{ref: "q-123"}
	e := NewEngine(q)
	rules := &RuleSet{OnAVThreat: ActionQuarantine}

	result := e.Decide(context.Background(), []byte("payload"), "application/pdf",
		avVerdict("Trojan.PDF.Agent"), rules)

	if result.Action != ActionQuarantine {
		t.Fatalf("action = %q, want quarantine", result.Action)
	}
	if result.QuarantineRef != "q-123" {
		t.Fatalf("quarantine ref = %q, want q-123", result.QuarantineRef)
	}
	if result.Status != scanner.StatusRejected {
		t.Fatalf("status = %q, want rejected (quarantined files never pass)", result.Status)
	}
	if q.calls != 1 || q.lastMT != "application/pdf" {
		t.Fatalf("quarantiner called %d times with mime %q", q.calls, q.lastMT)
	}
}

func TestDecide_MIMEOverrideWins(t *testing.T) {
	q := &fakeQuarantiner{ref: "q-pdf"}
	e := NewEngine(q)
	rules := &RuleSet{
		OnAVThreat: ActionBlock,
		MIMEOverrides: map[string]RuleSet{
			"application/pdf": {OnAVThreat: ActionQuarantine},
		},
	}

	pdf := e.Decide(context.Background(), nil, "application/pdf", avVerdict("Trojan.PDF.Agent"), rules)
	if pdf.Action != ActionQuarantine {
		t.Fatalf("pdf action = %q, want quarantine via override", pdf.Action)
	}

	other := e.Decide(context.Background(), nil, "application/zip", avVerdict("Trojan.Zip.Agent"), rules)
	if other.Action != ActionBlock {
		t.Fatalf("zip action = %q, want top-level block", other.Action)
	}
}

func TestDecide_UnknownRuleValueFallsThrough(t *testing.T) {
	e := NewEngine(nil)
	rules := &RuleSet{OnAVThreat: "allow"} // not a valid action

	result := e.Decide(context.Background(), nil, "text/plain", avVerdict("EICAR"), rules)
	if result.Action != ActionBlock {
		t.Fatalf("action = %q, want the fail-secure default despite the malformed rule", result.Action)
	}
}

func TestDecide_QuarantineStoreFailureBlocks(t *testing.T) {
	q := &fakeQuarantiner{err: fmt.Errorf("redis down")}
	e := NewEngine(q)
	rules := &RuleSet{OnAVThreat: ActionQuarantine}

	result := e.Decide(context.Background(), []byte("x"), "text/plain", avVerdict("EICAR"), rules)
	if result.Action != ActionBlock {
		t.Fatalf("action = %q, want block fallback when the store fails", result.Action)
	}
	if result.QuarantineRef != "" {
		t.Fatalf("quarantine ref = %q, want empty", result.QuarantineRef)
	}
}

func TestDecide_NilQuarantinerBlocks(t *testing.T) {
	e := NewEngine(nil)
	rules := &RuleSet{OnAVThreat: ActionQuarantine}

	result := e.Decide(context.Background(), []byte("x"), "text/plain", avVerdict("EICAR"), rules)
	if result.Action != ActionBlock {
		t.Fatalf("action = %q, want block when no quarantine store is wired", result.Action)
	}
}
