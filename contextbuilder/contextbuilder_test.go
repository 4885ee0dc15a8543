package contextbuilder_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preparedhq/prepflow/contextbuilder"
	"github.com/preparedhq/prepflow/profile"
	"github.com/preparedhq/prepflow/skill"
	"github.com/preparedhq/prepflow/store"
	"github.com/preparedhq/prepflow/task"
)

func date(y, m, d int) time.Time {
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

func putSkill(t *testing.T, mem *store.Memory, name, version string, effective time.Time) {
	t.Helper()
	require.NoError(t, mem.PutSkill(context.Background(), &skill.Skill{
		Name:          name,
		Version:       version,
		EffectiveDate: effective,
		Content: skill.Content{
			Instructions: "follow the current-year rules",
		},
	}))
}

func TestBuildAssemblesFullContext(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	profiles := profile.NewService(mem)
	author := profile.Author{Kind: profile.AuthorHuman, ID: "preparer-1"}
	_, err := profiles.Append(ctx, "client-1", "filing_status", json.RawMessage(`{"status":"single"}`), author)
	require.NoError(t, err)

	require.NoError(t, mem.AddDocument(ctx, &contextbuilder.DocumentMeta{
		ID:           "doc-1",
		ClientID:     "client-1",
		TaxYear:      2025,
		DocumentType: "w2",
		FileName:     "w2_acme.pdf",
		UploadedAt:   date(2026, 1, 20),
	}))
	// A different year's document must not leak in.
	require.NoError(t, mem.AddDocument(ctx, &contextbuilder.DocumentMeta{
		ID:           "doc-2",
		ClientID:     "client-1",
		TaxYear:      2024,
		DocumentType: "w2",
		FileName:     "w2_prior.pdf",
		UploadedAt:   date(2025, 1, 18),
	}))

	putSkill(t, mem, "w2_intake", "2024.1", date(2024, 1, 1))
	putSkill(t, mem, "w2_intake", "2025.1", date(2025, 1, 1))

	// Completed prior-year task with a worksheet artifact.
	prior := task.New("client-1", "prepare_return", 2024, nil)
	require.NoError(t, mem.CreateTask(ctx, prior))
	machine := task.NewMachine(mem, nil)
	_, err = machine.Assign(ctx, prior.ID, "a")
	require.NoError(t, err)
	_, err = machine.Start(ctx, prior.ID)
	require.NoError(t, err)
	_, err = machine.Complete(ctx, prior.ID)
	require.NoError(t, err)
	require.NoError(t, mem.AddArtifact(ctx, &task.Artifact{
		ID:        "art-1",
		TaskID:    prior.ID,
		Kind:      task.ArtifactWorksheet,
		Path:      "artifacts/2024/worksheet.json",
		Attempt:   1,
		CreatedAt: date(2025, 3, 10),
	}))

	builder := contextbuilder.New(profiles, mem, skill.NewEngine(mem, nil), mem, nil)

	current := task.New("client-1", "prepare_return", 2025, nil)
	require.NoError(t, mem.CreateTask(ctx, current))

	ac, err := builder.Build(ctx, current, []string{"w2_intake"})
	require.NoError(t, err)

	assert.JSONEq(t, `{"status":"single"}`, string(ac.ProfileView["filing_status"]))

	require.Len(t, ac.Documents, 1)
	assert.Equal(t, "doc-1", ac.Documents[0].ID)

	require.Len(t, ac.Skills, 1)
	assert.Equal(t, "2025.1", ac.Skills[0].Version)

	require.NotNil(t, ac.PriorYearArtifact)
	assert.Equal(t, "art-1", ac.PriorYearArtifact.ID)
}

func TestBuildOmitsAbsentSkills(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	putSkill(t, mem, "w2_intake", "2025.1", date(2025, 1, 1))

	builder := contextbuilder.New(profile.NewService(mem), mem, skill.NewEngine(mem, nil), mem, nil)

	tk := task.New("client-1", "prepare_return", 2025, nil)
	require.NoError(t, mem.CreateTask(ctx, tk))

	ac, err := builder.Build(ctx, tk, []string{"w2_intake", "crypto_basis"})
	require.NoError(t, err)
	require.Len(t, ac.Skills, 1)
	assert.Equal(t, "w2_intake", ac.Skills[0].Name)
}

func TestBuildFirstYearClient(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	builder := contextbuilder.New(profile.NewService(mem), mem, skill.NewEngine(mem, nil), mem, nil)

	tk := task.New("client-new", "prepare_return", 2025, nil)
	require.NoError(t, mem.CreateTask(ctx, tk))

	ac, err := builder.Build(ctx, tk, nil)
	require.NoError(t, err)
	assert.Empty(t, ac.ProfileView)
	assert.Empty(t, ac.Documents)
	assert.Empty(t, ac.Skills)
	assert.Nil(t, ac.PriorYearArtifact)
}
