package skill

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSkillYAML = `
metadata:
  name: w2_income
  version: "2.1"
  effective_date: "2025-01-01"
  tags: [income, wages]
content:
  instructions: |
    Classify each W-2 box into the wage worksheet. Box 1 is federal
    taxable wages; box 12 codes map per the code table.
  examples:
    - "Box 12 code D is a 401(k) elective deferral."
  constraints:
    - "Never infer missing box values."
  escalation_triggers:
    - "Box 1 disagrees with box 3 + box 7 by more than pension limits."
`

func TestParse_Valid(t *testing.T) {
	doc, issues := Parse([]byte(validSkillYAML))
	require.Empty(t, issues)
	require.NotNil(t, doc)

	assert.Equal(t, "w2_income", doc.Metadata.Name)
	assert.Equal(t, "2.1", doc.Metadata.Version)
	assert.Equal(t, []string{"income", "wages"}, doc.Metadata.Tags)
	assert.Len(t, doc.Content.Examples, 1)
	assert.Len(t, doc.Content.EscalationTriggers, 1)
}

func TestParse_CollectsAllIssues(t *testing.T) {
	doc, issues := Parse([]byte(`
metadata:
  effective_date: "01/01/2025"
content:
  examples: ["lonely example"]
`))
	require.NotNil(t, doc)

	fields := make([]string, len(issues))
	for i, issue := range issues {
		fields[i] = issue.Field
	}
	assert.ElementsMatch(t, []string{
		"metadata.name",
		"metadata.version",
		"metadata.effective_date",
		"content.instructions",
	}, fields, "every problem reported in one pass")
}

func TestParse_MalformedYAML(t *testing.T) {
	doc, issues := Parse([]byte("metadata: [unterminated"))
	assert.Nil(t, doc)
	require.Len(t, issues, 1)
	assert.Equal(t, "document", issues[0].Field)
}

func TestDumpParseRoundTrip(t *testing.T) {
	doc, issues := Parse([]byte(validSkillYAML))
	require.Empty(t, issues)

	out, err := Dump(doc)
	require.NoError(t, err)

	again, issues := Parse(out)
	require.Empty(t, issues)
	assert.Equal(t, doc, again)
}

func TestToSkillToDocumentRoundTrip(t *testing.T) {
	doc, issues := Parse([]byte(validSkillYAML))
	require.Empty(t, issues)

	s, err := doc.ToSkill()
	require.NoError(t, err)
	assert.Equal(t, 2025, s.EffectiveDate.Year())

	assert.Equal(t, doc, s.ToDocument())
}
