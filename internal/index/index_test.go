package index

import (
	"path/filepath"
	"testing"

	"go-mod-downloads/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, idx *Index) {
	t.Helper()
	items := []Item{
		ItemFor(models.Download{ID: "d1", LocalPath: "cool-armor.zip", Games: models.GameList{"skyrim"}, State: models.StateFinished}, []string{"Skyrim"}),
		ItemFor(models.Download{ID: "d2", LocalPath: "better-water.7z", Games: models.GameList{"skyrimse", "skyrim"}, State: models.StateFinished}, []string{"Skyrim Special Edition", "Skyrim"}),
		ItemFor(models.Download{ID: "d3", LocalPath: "power-armor.rar", Games: models.GameList{"fallout4"}, State: models.StateStarted}, []string{"Fallout 4"}),
	}
	for _, item := range items {
		require.NoError(t, idx.IndexDownload(item))
	}
}

func TestSearch(t *testing.T) {
	idx, err := OpenOrCreateIndex("")
	require.NoError(t, err)
	defer idx.Close()
	seed(t, idx)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"word in file name", "armor", []string{"d1", "d3"}},
		{"game id field", "games:skyrimse", []string{"d2"}},
		{"game display name", "fallout", []string{"d3"}},
		{"compatible game", "games:skyrim", []string{"d1", "d2"}},
		{"no match", "morrowind", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := idx.Search(tt.query, 10)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestSearch_EmptyQueryMatchesAll(t *testing.T) {
	idx, err := OpenOrCreateIndex("")
	require.NoError(t, err)
	defer idx.Close()
	seed(t, idx)

	got, err := idx.Search("  ", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2", "d3"}, got)

	got, err = idx.Search("", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestReindexAndDelete(t *testing.T) {
	idx, err := OpenOrCreateIndex("")
	require.NoError(t, err)
	defer idx.Close()
	seed(t, idx)

	moved := models.Download{ID: "d1", LocalPath: "cool-armor.1.zip", Games: models.GameList{"skyrimse"}, State: models.StateFinished}
	require.NoError(t, idx.IndexDownload(ItemFor(moved, []string{"Skyrim Special Edition"})))

	got, err := idx.Search("games:skyrimse", 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d1", "d2"}, got)

	require.NoError(t, idx.DeleteDownload("d1"))
	require.NoError(t, idx.DeleteDownload("unknown"))

	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
}

func TestOpenOrCreateIndex_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "downloads.bleve")

	idx, err := OpenOrCreateIndex(path)
	require.NoError(t, err)
	seed(t, idx)
	require.NoError(t, idx.Close())

	idx, err = OpenOrCreateIndex(path)
	require.NoError(t, err)
	defer idx.Close()

	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)
}
