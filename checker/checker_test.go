package checker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CleanReturn(t *testing.T) {
	report := Run(Input{
		SourceValues:   map[string]float64{"wages": 85000, "interest": 420},
		PreparedValues: map[string]float64{"wages": 85000, "interest": 420},
	})
	assert.True(t, report.Clean)
	assert.Empty(t, report.Findings)
}

func TestRun_MismatchAgainstSource(t *testing.T) {
	report := Run(Input{
		SourceValues:   map[string]float64{"wages": 85000},
		PreparedValues: map[string]float64{"wages": 87500},
	})
	require.Len(t, report.Findings, 1)
	f := report.Findings[0]
	assert.Equal(t, FindingMismatch, f.Kind)
	assert.Equal(t, "wages", f.Field)
	assert.Equal(t, 85000.0, f.Expected)
	assert.Equal(t, 87500.0, f.Actual)
	assert.False(t, report.Clean)
}

func TestRun_DocumentedDeviationAccepted(t *testing.T) {
	report := Run(Input{
		SourceValues:      map[string]float64{"wages": 85000},
		PreparedValues:    map[string]float64{"wages": 84000},
		DocumentedReasons: map[string]string{"wages": "statutory employee adjustment"},
	})
	assert.True(t, report.Clean)
}

func TestRun_MissingPreparedField(t *testing.T) {
	report := Run(Input{
		SourceValues:   map[string]float64{"interest": 420},
		PreparedValues: map[string]float64{},
	})
	require.Len(t, report.Findings, 1)
	assert.Equal(t, FindingMissingField, report.Findings[0].Kind)
}

func TestRun_UndocumentedSwing(t *testing.T) {
	report := Run(Input{
		SourceValues:    map[string]float64{"schedule_c_income": 30000},
		PreparedValues:  map[string]float64{"schedule_c_income": 30000},
		PriorYearValues: map[string]float64{"schedule_c_income": 12000},
	})
	require.Len(t, report.Findings, 1)
	assert.Equal(t, FindingUndocumentedSwing, report.Findings[0].Kind)

	// Same swing with a documented reason passes.
	report = Run(Input{
		SourceValues:      map[string]float64{"schedule_c_income": 30000},
		PreparedValues:    map[string]float64{"schedule_c_income": 30000},
		PriorYearValues:   map[string]float64{"schedule_c_income": 12000},
		DocumentedReasons: map[string]string{"schedule_c_income": "client went full-time freelance"},
	})
	assert.True(t, report.Clean)
}

func TestRun_SmallSwingNotFlagged(t *testing.T) {
	report := Run(Input{
		SourceValues:    map[string]float64{"wages": 88000},
		PreparedValues:  map[string]float64{"wages": 88000},
		PriorYearValues: map[string]float64{"wages": 85000},
	})
	assert.True(t, report.Clean)
}

func TestRun_InjectedErrorRecall(t *testing.T) {
	report := Run(Input{
		SourceValues: map[string]float64{
			"wages":    85000,
			"interest": 420,
		},
		PreparedValues: map[string]float64{
			"wages":    85000,
			"interest": 240, // transposed, and injected
		},
		InjectedErrorFields: []string{"interest", "dividends"},
	})

	assert.Equal(t, []string{"interest"}, report.InjectedFound)
	assert.Equal(t, []string{"dividends"}, report.InjectedMissed)
}

func TestRun_Deterministic(t *testing.T) {
	in := Input{
		SourceValues:   map[string]float64{"b": 1, "a": 2, "c": 3},
		PreparedValues: map[string]float64{"b": 9, "a": 9, "c": 9},
	}
	first := Run(in)
	second := Run(in)
	require.Equal(t, first, second)
	assert.Equal(t, "a", first.Findings[0].Field)
	assert.Equal(t, "b", first.Findings[1].Field)
	assert.Equal(t, "c", first.Findings[2].Field)
}
