package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/quill"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "quill.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleReport() Report {
	at := time.UnixMilli(1_700_000_000_000)
	return Report{
		SessionID: "session-1",
		Topic:     "Solid-state batteries",
		Mode:      quill.ModeDeep,
		Outline:   "# Overview\n## Chemistry",
		Document:  "# Overview\n\nText [1].",
		Warnings:  []string{"section 2 (Chemistry): citation [9] is outside the known range 1-1"},
		Usage:     quill.TokenUsage{Prompt: 100, Completion: 50, Total: 150},
		Citations: []quill.Citation{
			{ID: 1, URL: "https://example.com/a", Title: "A", Authors: []string{"Ng", "Ito"}, Year: "2024", AccessDate: "2026-01-02", UsageCount: 2},
			{ID: 2, URL: "https://example.com/b", Title: "B"},
		},
		Turns: []quill.TurnEvent{
			{Persona: quill.PersonaStrategist, Round: 1, Reasoning: "scope it", Action: quill.ActionContinue, At: at},
			{Persona: quill.PersonaImplementer, Round: 2, Reasoning: "agreed", Action: quill.ActionFinalize, At: at.Add(time.Second)},
		},
		CreatedAt: at,
	}
}

func TestOpenIdempotentMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quill.db")

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestSaveAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	want := sampleReport()

	id, err := s.Save(ctx, want)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, id, got.ID)
	assert.Equal(t, want.SessionID, got.SessionID)
	assert.Equal(t, want.Topic, got.Topic)
	assert.Equal(t, want.Mode, got.Mode)
	assert.Equal(t, want.Outline, got.Outline)
	assert.Equal(t, want.Document, got.Document)
	assert.Equal(t, want.Warnings, got.Warnings)
	assert.Equal(t, want.Usage, got.Usage)
	assert.Equal(t, want.Citations, got.Citations)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))

	require.Len(t, got.Turns, 2)
	assert.Equal(t, quill.PersonaImplementer, got.Turns[1].Persona)
	assert.Equal(t, quill.ActionFinalize, got.Turns[1].Action)
	assert.True(t, want.Turns[1].At.Equal(got.Turns[1].At))
}

func TestGetUnknown(t *testing.T) {
	s := openStore(t)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListNewestFirst(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	older := sampleReport()
	older.Topic = "older"
	newer := sampleReport()
	newer.Topic = "newer"
	newer.Citations = nil
	newer.CreatedAt = older.CreatedAt.Add(time.Hour)

	_, err := s.Save(ctx, older)
	require.NoError(t, err)
	_, err = s.Save(ctx, newer)
	require.NoError(t, err)

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "newer", all[0].Topic)
	assert.Equal(t, 0, all[0].Citations)
	assert.Equal(t, "older", all[1].Topic)
	assert.Equal(t, 2, all[1].Citations)

	limited, err := s.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSaveRejectsDuplicateID(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	r := sampleReport()
	r.ID = "fixed"

	_, err := s.Save(ctx, r)
	require.NoError(t, err)
	_, err = s.Save(ctx, r)
	assert.Error(t, err)

	// The failed save must not leave partial rows behind.
	got, err := s.Get(ctx, "fixed")
	require.NoError(t, err)
	assert.Len(t, got.Citations, 2)
}

func TestDeleteCascades(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	id, err := s.Save(ctx, sampleReport())
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, id))

	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, id), ErrNotFound)

	var orphans int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM report_citations`).Scan(&orphans))
	assert.Zero(t, orphans)
}
