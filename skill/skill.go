// Package skill provides versioned, date-effective rule packs. A skill
// document is authored as YAML, validated into a list of issues (dry-run
// friendly), stored with its effective date, and selected per tax year:
// the version in force for year Y is the one with the greatest
// effective_date on or before January 1 of Y.
package skill

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// DateFormat is the wire format for effective dates.
const DateFormat = "2006-01-02"

// Document is the YAML authoring form of a skill.
type Document struct {
	Metadata Metadata `yaml:"metadata"`
	Content  Content  `yaml:"content"`
}

// Metadata identifies a skill version.
type Metadata struct {
	Name          string   `yaml:"name"`
	Version       string   `yaml:"version"`
	EffectiveDate string   `yaml:"effective_date"`
	Tags          []string `yaml:"tags,omitempty"`
}

// Content is the rule pack body. Its fields are domain-defined and
// evolve with tax law; the engine treats them as opaque text.
type Content struct {
	Instructions       string   `yaml:"instructions"`
	Examples           []string `yaml:"examples,omitempty"`
	Constraints        []string `yaml:"constraints,omitempty"`
	EscalationTriggers []string `yaml:"escalation_triggers,omitempty"`
}

// Issue is one validation finding.
type Issue struct {
	Field   string
	Message string
}

func (i Issue) String() string {
	return i.Field + ": " + i.Message
}

// Skill is the stored form of one skill version.
type Skill struct {
	Name          string    `json:"name" db:"skill_name"`
	Version       string    `json:"version" db:"version"`
	EffectiveDate time.Time `json:"effective_date" db:"effective_date"`
	Tags          []string  `json:"tags,omitempty" db:"-"`
	Content       Content   `json:"content" db:"-"`
}

// Parse unmarshals and validates a YAML skill document. Validation
// findings are returned as a list rather than an error so callers can
// report every problem at once.
func Parse(data []byte) (*Document, []Issue) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, []Issue{{Field: "document", Message: fmt.Sprintf("invalid YAML: %v", err)}}
	}
	if issues := doc.Validate(); len(issues) > 0 {
		return &doc, issues
	}
	return &doc, nil
}

// Validate checks required fields and date formats.
func (d *Document) Validate() []Issue {
	var issues []Issue

	if d.Metadata.Name == "" {
		issues = append(issues, Issue{Field: "metadata.name", Message: "name is required"})
	}
	if d.Metadata.Version == "" {
		issues = append(issues, Issue{Field: "metadata.version", Message: "version is required"})
	}
	if d.Metadata.EffectiveDate == "" {
		issues = append(issues, Issue{Field: "metadata.effective_date", Message: "effective_date is required"})
	} else if _, err := time.Parse(DateFormat, d.Metadata.EffectiveDate); err != nil {
		issues = append(issues, Issue{
			Field:   "metadata.effective_date",
			Message: fmt.Sprintf("must be %s, got %q", DateFormat, d.Metadata.EffectiveDate),
		})
	}
	if d.Content.Instructions == "" {
		issues = append(issues, Issue{Field: "content.instructions", Message: "instructions must not be empty"})
	}

	return issues
}

// Dump marshals a document back to YAML. A dumped document re-parses to
// an equal model.
func Dump(d *Document) ([]byte, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal skill document: %w", err)
	}
	return data, nil
}

// ToSkill converts a validated document into its stored form.
func (d *Document) ToSkill() (*Skill, error) {
	effective, err := time.Parse(DateFormat, d.Metadata.EffectiveDate)
	if err != nil {
		return nil, fmt.Errorf("parse effective_date: %w", err)
	}
	return &Skill{
		Name:          d.Metadata.Name,
		Version:       d.Metadata.Version,
		EffectiveDate: effective,
		Tags:          d.Metadata.Tags,
		Content:       d.Content,
	}, nil
}

// ToDocument converts a stored skill back to its authoring form.
func (s *Skill) ToDocument() *Document {
	return &Document{
		Metadata: Metadata{
			Name:          s.Name,
			Version:       s.Version,
			EffectiveDate: s.EffectiveDate.Format(DateFormat),
			Tags:          s.Tags,
		},
		Content: s.Content,
	}
}
