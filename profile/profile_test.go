package profile_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preparedhq/prepflow/profile"
	"github.com/preparedhq/prepflow/store"
)

func TestViewLatestPayloadPerType(t *testing.T) {
	ctx := context.Background()
	svc := profile.NewService(store.NewMemory())
	author := profile.Author{Kind: profile.AuthorHuman, ID: "preparer-1"}

	appends := []struct {
		entryType string
		payload   string
	}{
		{"filing_status", `{"status":"single"}`},
		{"dependents", `{"count":0}`},
		{"filing_status", `{"status":"married_filing_jointly"}`},
		{"address", `{"state":"CO"}`},
		{"dependents", `{"count":2}`},
	}
	for _, a := range appends {
		_, err := svc.Append(ctx, "client-1", a.entryType, json.RawMessage(a.payload), author)
		require.NoError(t, err)
	}

	view, err := svc.View(ctx, "client-1")
	require.NoError(t, err)
	require.Len(t, view, 3)
	assert.JSONEq(t, `{"status":"married_filing_jointly"}`, string(view["filing_status"]))
	assert.JSONEq(t, `{"count":2}`, string(view["dependents"]))
	assert.JSONEq(t, `{"state":"CO"}`, string(view["address"]))

	// The full history is still there, untouched.
	count, err := svc.Count(ctx, "client-1", profile.HistoryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestAppendRejectsNilPayload(t *testing.T) {
	ctx := context.Background()
	svc := profile.NewService(store.NewMemory())
	author := profile.Author{Kind: profile.AuthorAgent, ID: "agent-1"}

	_, err := svc.Append(ctx, "client-1", "filing_status", nil, author)
	assert.ErrorIs(t, err, profile.ErrNilPayload)

	_, err = svc.Append(ctx, "client-1", "filing_status", json.RawMessage("null"), author)
	assert.ErrorIs(t, err, profile.ErrNilPayload)
}

func TestAppendValidation(t *testing.T) {
	ctx := context.Background()
	svc := profile.NewService(store.NewMemory())
	payload := json.RawMessage(`{"ok":true}`)

	_, err := svc.Append(ctx, "", "filing_status", payload, profile.Author{Kind: profile.AuthorHuman, ID: "p"})
	assert.Error(t, err)

	_, err = svc.Append(ctx, "client-1", "", payload, profile.Author{Kind: profile.AuthorHuman, ID: "p"})
	assert.Error(t, err)

	_, err = svc.Append(ctx, "client-1", "filing_status", payload, profile.Author{Kind: "robot", ID: "p"})
	assert.Error(t, err)
}

func TestConcurrentAppendsAllLand(t *testing.T) {
	ctx := context.Background()
	svc := profile.NewService(store.NewMemory())
	author := profile.Author{Kind: profile.AuthorAgent, ID: "agent-1"}

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
			_, err := svc.Append(ctx, "client-1", fmt.Sprintf("note_%d", i), payload, author)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	count, err := svc.Count(ctx, "client-1", profile.HistoryFilter{})
	require.NoError(t, err)
	assert.Equal(t, writers, count)

	view, err := svc.View(ctx, "client-1")
	require.NoError(t, err)
	assert.Len(t, view, writers)
}

func TestHistoryFilterByType(t *testing.T) {
	ctx := context.Background()
	svc := profile.NewService(store.NewMemory())
	author := profile.Author{Kind: profile.AuthorHuman, ID: "preparer-1"}

	for i := 0; i < 3; i++ {
		_, err := svc.Append(ctx, "client-1", "filing_status", json.RawMessage(fmt.Sprintf(`{"v":%d}`, i)), author)
		require.NoError(t, err)
	}
	_, err := svc.Append(ctx, "client-1", "address", json.RawMessage(`{"state":"NY"}`), author)
	require.NoError(t, err)

	entries, err := svc.History(ctx, "client-1", profile.HistoryFilter{EntryType: "filing_status"})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, "filing_status", e.EntryType)
		assert.JSONEq(t, fmt.Sprintf(`{"v":%d}`, i), string(e.Payload))
	}
}

func TestArchiveDropsFromViewKeepsHistory(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	svc := profile.NewService(mem)
	author := profile.Author{Kind: profile.AuthorHuman, ID: "preparer-1"}

	old := &profile.Entry{
		ID:        "old-entry",
		ClientID:  "client-1",
		EntryType: "filing_status",
		Payload:   json.RawMessage(`{"status":"single"}`),
		Author:    author,
		CreatedAt: time.Now().UTC().Add(-4 * 365 * 24 * time.Hour),
	}
	require.NoError(t, mem.AppendEntry(ctx, old))

	_, err := svc.Append(ctx, "client-1", "dependents", json.RawMessage(`{"count":1}`), author)
	require.NoError(t, err)

	archived, err := svc.Archive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, archived)

	view, err := svc.View(ctx, "client-1")
	require.NoError(t, err)
	assert.NotContains(t, view, "filing_status")
	assert.Contains(t, view, "dependents")

	// Archived rows stay readable on request.
	entries, err := svc.History(ctx, "client-1", profile.HistoryFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = svc.History(ctx, "client-1", profile.HistoryFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
