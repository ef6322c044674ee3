package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicquest/xp-ledger/internal/domain/mission"
	"github.com/civicquest/xp-ledger/internal/domain/xp"
	"github.com/civicquest/xp-ledger/internal/infrastructure/persistence/memory"
	"github.com/civicquest/xp-ledger/pkg/logger"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batch.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReadBatch_Formats(t *testing.T) {
	cases := map[string]string{
		"array":  `[{"user_id":"u1","xp_amount":10,"source_type":"BONUS"},{"user_id":"u2","xp_amount":-5,"source_type":"BONUS"}]`,
		"object": `{"entries":[{"user_id":"u1","xp_amount":10,"source_type":"BONUS"},{"user_id":"u2","xp_amount":-5,"source_type":"BONUS"}]}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			entries, err := readBatch(writeFile(t, content))
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "u1", entries[0].UserID)
			assert.Equal(t, xp.SourceBonus, entries[0].SourceType)
			assert.Equal(t, -5, entries[1].Amount)
		})
	}
}

func TestReadBatch_Errors(t *testing.T) {
	_, err := readBatch(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = readBatch(writeFile(t, `not json`))
	assert.Error(t, err)
}

func TestImportMissions(t *testing.T) {
	path := writeFile(t, `[
		{"id":"m1","title":"Post Flyers","difficulty":2,"required_artifact_type":"POSTING"},
		{"id":"m2","slug":"poster","title":"Hang a poster","is_featured":true,"required_artifact_type":"POSTER"}
	]`)
	catalog := memory.NewMissions()

	require.NoError(t, importMissions(context.Background(), catalog, path, logger.Nop()))

	m1, err := catalog.GetMission(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "post-flyers", m1.Slug)
	assert.Equal(t, mission.ArtifactPosting, m1.ArtifactType)
	assert.Equal(t, 2, m1.Difficulty)

	m2, err := catalog.GetMission(context.Background(), "m2")
	require.NoError(t, err)
	assert.True(t, m2.Featured)
	assert.Equal(t, "poster", m2.Slug)
}

func TestReadMissions_RequiresID(t *testing.T) {
	_, err := readMissions(writeFile(t, `[{"title":"no id"}]`))
	assert.Error(t, err)
}
