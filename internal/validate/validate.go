// Package validate inspects a freshly written store and reports findings.
// Findings flag expected publication lag and drift for humans reading the run
// report; they never fail a run.
package validate

import (
	"fmt"

	"github.com/futvision/klinewatch/internal/model"
	"github.com/futvision/klinewatch/internal/store"
)

// CrossCheckThreshold is the minimum live-set match ratio on the latest date.
const CrossCheckThreshold = 0.95

// Finding is one validator observation, serialized into the run report.
type Finding struct {
	Check  string `json:"check"`
	Date   string `json:"date,omitempty"`
	Detail string `json:"detail"`
}

const (
	CheckContinuity   = "continuity"
	CheckCompleteness = "completeness"
	CheckCrossCheck   = "cross_check"
)

// Band is the plausible per-day count of available symbols.
type Band struct {
	Min int
	Max int
}

// Continuity reports every calendar day missing between the first and last
// date present. days must be ascending, as the store returns them.
func Continuity(days []model.Day) []Finding {
	if len(days) < 2 {
		return nil
	}

	var findings []Finding
	prev := days[0]
	for _, d := range days[1:] {
		for missing := prev.AddDays(1); missing.Before(d); missing = missing.AddDays(1) {
			findings = append(findings, Finding{
				Check:  CheckContinuity,
				Date:   missing.String(),
				Detail: "no rows for this date",
			})
		}
		prev = d
	}
	return findings
}

// Completeness flags dates whose available-symbol count falls outside the
// configured band.
func Completeness(counts []store.DayCount, band Band) []Finding {
	var findings []Finding
	for _, c := range counts {
		if c.AvailableCount < band.Min || c.AvailableCount > band.Max {
			findings = append(findings, Finding{
				Check:  CheckCompleteness,
				Date:   model.DayOf(c.Date).String(),
				Detail: fmt.Sprintf("%d available symbols, expected %d-%d", c.AvailableCount, band.Min, band.Max),
			})
		}
	}
	return findings
}

// CrossCheck compares the latest date's available set against the live
// contract set. An unreachable live endpoint (geo-block included) yields a
// "skipped" finding, never a failure.
func CrossCheck(latest model.Day, available, live []string, liveErr error) []Finding {
	if liveErr != nil {
		return []Finding{{
			Check:  CheckCrossCheck,
			Date:   latest.String(),
			Detail: fmt.Sprintf("skipped: live set unavailable: %v", liveErr),
		}}
	}
	if len(live) == 0 {
		return []Finding{{
			Check:  CheckCrossCheck,
			Date:   latest.String(),
			Detail: "skipped: live set empty",
		}}
	}

	have := make(map[string]struct{}, len(available))
	for _, s := range available {
		have[s] = struct{}{}
	}
	matched := 0
	for _, s := range live {
		if _, ok := have[s]; ok {
			matched++
		}
	}

	ratio := float64(matched) / float64(len(live))
	if ratio >= CrossCheckThreshold {
		return nil
	}
	return []Finding{{
		Check:  CheckCrossCheck,
		Date:   latest.String(),
		Detail: fmt.Sprintf("match ratio %.3f (%d/%d live contracts present) below %.2f", ratio, matched, len(live), CrossCheckThreshold),
	}}
}
