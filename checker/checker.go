// Package checker performs the second-look review of a prepared return:
// prepared values against source documents, year-over-year swings
// against documented reasons, and recall of deliberately injected
// errors. It is pure computation; it never transitions a task — humans
// act on the report.
package checker

import (
	"fmt"
	"math"
	"sort"
)

// Review thresholds.
const (
	// ValueEpsilon is the tolerance for comparing monetary values.
	ValueEpsilon = 0.005
	// SwingThreshold flags year-over-year changes above this fraction
	// when no reason is documented.
	SwingThreshold = 0.5
)

// Input is everything the checker reviews.
type Input struct {
	// SourceValues are field values extracted from source documents.
	SourceValues map[string]float64 `json:"source_values"`
	// PreparedValues are the corresponding fields on the prepared return.
	PreparedValues map[string]float64 `json:"prepared_values"`
	// PriorYearValues are last year's values, when available.
	PriorYearValues map[string]float64 `json:"prior_year_values,omitempty"`
	// DocumentedReasons maps field names to preparer notes explaining a
	// deliberate deviation or swing.
	DocumentedReasons map[string]string `json:"documented_reasons,omitempty"`
	// InjectedErrorFields names fields deliberately perturbed upstream
	// to measure checker recall.
	InjectedErrorFields []string `json:"injected_error_fields,omitempty"`
}

// FindingKind classifies one checker finding.
type FindingKind string

// Finding kinds.
const (
	// FindingMismatch is a prepared value that disagrees with its source.
	FindingMismatch FindingKind = "mismatch"
	// FindingMissingField is a source field absent from the return.
	FindingMissingField FindingKind = "missing_field"
	// FindingUndocumentedSwing is a large year-over-year change with no
	// documented reason.
	FindingUndocumentedSwing FindingKind = "undocumented_swing"
)

// Finding is one issue the checker raises.
type Finding struct {
	Kind     FindingKind `json:"kind"`
	Field    string      `json:"field"`
	Detail   string      `json:"detail"`
	Expected float64     `json:"expected,omitempty"`
	Actual   float64     `json:"actual,omitempty"`
}

// Report is the checker's output.
type Report struct {
	Findings []Finding `json:"findings"`
	// InjectedFound lists injected error fields the checker caught.
	InjectedFound []string `json:"injected_found,omitempty"`
	// InjectedMissed lists injected error fields that slipped through.
	InjectedMissed []string `json:"injected_missed,omitempty"`
	Clean          bool     `json:"clean"`
}

// Run reviews the input and returns a report. Fields are processed in
// sorted order so the report is deterministic.
func Run(in Input) Report {
	var report Report
	flagged := make(map[string]bool)

	for _, field := range sortedKeys(in.SourceValues) {
		source := in.SourceValues[field]
		prepared, ok := in.PreparedValues[field]
		if !ok {
			report.Findings = append(report.Findings, Finding{
				Kind:     FindingMissingField,
				Field:    field,
				Detail:   fmt.Sprintf("source value %.2f has no prepared counterpart", source),
				Expected: source,
			})
			flagged[field] = true
			continue
		}
		if math.Abs(prepared-source) > ValueEpsilon {
			if reason, ok := in.DocumentedReasons[field]; ok {
				_ = reason // documented deviations are the preparer's call
				continue
			}
			report.Findings = append(report.Findings, Finding{
				Kind:     FindingMismatch,
				Field:    field,
				Detail:   fmt.Sprintf("prepared %.2f disagrees with source %.2f", prepared, source),
				Expected: source,
				Actual:   prepared,
			})
			flagged[field] = true
		}
	}

	for _, field := range sortedKeys(in.PriorYearValues) {
		prior := in.PriorYearValues[field]
		prepared, ok := in.PreparedValues[field]
		if !ok {
			continue
		}
		if _, documented := in.DocumentedReasons[field]; documented {
			continue
		}
		if swingFraction(prior, prepared) > SwingThreshold {
			report.Findings = append(report.Findings, Finding{
				Kind:     FindingUndocumentedSwing,
				Field:    field,
				Detail:   fmt.Sprintf("changed %.2f to %.2f year over year with no documented reason", prior, prepared),
				Expected: prior,
				Actual:   prepared,
			})
			flagged[field] = true
		}
	}

	for _, field := range in.InjectedErrorFields {
		if flagged[field] {
			report.InjectedFound = append(report.InjectedFound, field)
		} else {
			report.InjectedMissed = append(report.InjectedMissed, field)
		}
	}
	sort.Strings(report.InjectedFound)
	sort.Strings(report.InjectedMissed)

	report.Clean = len(report.Findings) == 0
	return report
}

// swingFraction returns the relative year-over-year change. The
// denominator floors at 1 so small prior values do not explode the
// ratio.
func swingFraction(prior, current float64) float64 {
	denom := math.Abs(prior)
	if denom < 1 {
		denom = 1
	}
	return math.Abs(current-prior) / denom
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
