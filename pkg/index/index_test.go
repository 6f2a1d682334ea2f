package index

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	toks := Tokenize("Deploy-Service v2: rollout FAILED (timeout)")
	assert.Equal(t, []string{"deploy", "service", "v2", "rollout", "failed", "timeout"}, toks)

	assert.Empty(t, Tokenize(""))
	assert.Empty(t, Tokenize("! @ # a"))
}

func TestSearchRanking(t *testing.T) {
	x := NewKeywordIndex()

	require.NoError(t, x.Add(Doc{ID: "ep-1", Text: "deploy rollout failed with timeout"}))
	require.NoError(t, x.Add(Doc{ID: "ep-2", Text: "deploy succeeded quickly"}))
	require.NoError(t, x.Add(Doc{ID: "ep-3", Text: "database migration applied"}))

	hits := x.Search("deploy timeout", 10)
	require.Len(t, hits, 2)
	assert.Equal(t, "ep-1", hits[0].ID, "document sharing both terms ranks first")
	assert.Equal(t, "ep-2", hits[1].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestSearchNoOverlap(t *testing.T) {
	x := NewKeywordIndex()
	require.NoError(t, x.Add(Doc{ID: "ep-1", Text: "deploy rollout"}))

	assert.Empty(t, x.Search("unrelated query terms", 10))
	assert.Empty(t, x.Search("", 10))
	assert.Empty(t, x.Search("!!!", 10))
}

func TestSearchDeterministicTieBreak(t *testing.T) {
	x := NewKeywordIndex()
	// Identical content scores identically; order must fall back to ID.
	require.NoError(t, x.Add(Doc{ID: "b", Text: "deploy failed"}))
	require.NoError(t, x.Add(Doc{ID: "a", Text: "deploy failed"}))
	require.NoError(t, x.Add(Doc{ID: "c", Text: "deploy failed"}))

	for i := 0; i < 5; i++ {
		hits := x.Search("deploy", 10)
		require.Len(t, hits, 3)
		assert.Equal(t, "a", hits[0].ID)
		assert.Equal(t, "b", hits[1].ID)
		assert.Equal(t, "c", hits[2].ID)
	}
}

func TestSearchLimit(t *testing.T) {
	x := NewKeywordIndex()
	for i := 0; i < 10; i++ {
		require.NoError(t, x.Add(Doc{ID: fmt.Sprintf("ep-%d", i), Text: "deploy"}))
	}

	assert.Len(t, x.Search("deploy", 3), 3)
	assert.Len(t, x.Search("deploy", 0), 10, "zero limit means unbounded")
}

func TestTagsOutweighBody(t *testing.T) {
	x := NewKeywordIndex()

	require.NoError(t, x.Add(Doc{ID: "tagged", Text: "routine maintenance work", Tags: []string{"deploy"}}))
	require.NoError(t, x.Add(Doc{ID: "body", Text: "deploy mentioned once among many other words here today"}))

	hits := x.Search("deploy", 10)
	require.Len(t, hits, 2)
	assert.Equal(t, "tagged", hits[0].ID)
}

func TestAddReplacesAndRemove(t *testing.T) {
	x := NewKeywordIndex()

	require.NoError(t, x.Add(Doc{ID: "ep-1", Text: "deploy"}))
	require.NoError(t, x.Add(Doc{ID: "ep-1", Text: "migration"}))
	assert.Equal(t, 1, x.Len())

	assert.Empty(t, x.Search("deploy", 10), "re-add must replace the old vector")
	assert.Len(t, x.Search("migration", 10), 1)

	x.Remove("ep-1")
	assert.Equal(t, 0, x.Len())
	x.Remove("ep-1") // no-op
}

func TestNullIndex(t *testing.T) {
	var x Index = NullIndex{}
	require.NoError(t, x.Add(Doc{ID: "ep-1", Text: "deploy"}))
	assert.Empty(t, x.Search("deploy", 10))
	assert.Equal(t, 0, x.Len())
}
