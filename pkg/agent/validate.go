package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/docket-ai/docket/pkg/models"
	"github.com/docket-ai/docket/pkg/tabular"
)

// PostValidate applies the per-kind semantic checks that a JSON schema
// cannot express. It may normalize values in place. A returned error is a
// validation failure: the caller keeps the partial output and records a
// validation_error entry.
func PostValidate(kind models.AgentKind, output any) error {
	switch kind {
	case models.AgentTimeline:
		return validateTimeline(output.(*TimelineOutput))
	case models.AgentDiscrepancy:
		return validateDiscrepancies(output.(*DiscrepancyOutput))
	case models.AgentRisk:
		return validateRisks(output.(*RiskOutput))
	default:
		return nil
	}
}

// validateTimeline normalizes every event date to YYYY-MM-DD and bounds the
// chronology to plausible years.
func validateTimeline(out *TimelineOutput) error {
	var bad []string
	for i := range out.Events {
		iso, err := tabular.NormalizeDate(out.Events[i].Date, time.Time{})
		if err != nil {
			bad = append(bad, fmt.Sprintf("event %d: %v", i, err))
			continue
		}
		out.Events[i].Date = iso
	}
	if len(bad) > 0 {
		return fmt.Errorf("timeline has invalid dates: %s", strings.Join(bad, "; "))
	}
	return nil
}

// validateDiscrepancies requires every finding to cross-reference at least
// two distinct documents. An empty list is legitimate.
func validateDiscrepancies(out *DiscrepancyOutput) error {
	for i, d := range out.Discrepancies {
		distinct := make(map[string]bool)
		for _, s := range d.Sources {
			distinct[s.Document] = true
		}
		if len(distinct) < 2 {
			return fmt.Errorf("discrepancy %d cites %d distinct document(s), need 2", i, len(distinct))
		}
	}
	return nil
}

var riskLevels = map[string]bool{"critical": true, "high": true, "medium": true, "low": true}

func validateRisks(out *RiskOutput) error {
	for i := range out.Risks {
		level := strings.ToLower(strings.TrimSpace(out.Risks[i].Level))
		if !riskLevels[level] {
			return fmt.Errorf("risk %d has level %q, want critical|high|medium|low", i, out.Risks[i].Level)
		}
		out.Risks[i].Level = level
	}
	return nil
}

// ExpectedEmpty reports whether an empty output is a legitimate success for
// the kind rather than a failed extraction.
func ExpectedEmpty(kind models.AgentKind, output any) bool {
	if kind != models.AgentDiscrepancy {
		return false
	}
	d, ok := output.(*DiscrepancyOutput)
	return ok && len(d.Discrepancies) == 0
}
