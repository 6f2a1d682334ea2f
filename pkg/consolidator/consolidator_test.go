package consolidator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/engramlabs/engram/pkg/backend"
	"github.com/engramlabs/engram/pkg/codec"
	"github.com/engramlabs/engram/pkg/config"
	"github.com/engramlabs/engram/pkg/index"
	"github.com/engramlabs/engram/pkg/kv"
	"github.com/engramlabs/engram/pkg/locking"
	"github.com/engramlabs/engram/pkg/memory"
	"github.com/engramlabs/engram/pkg/storage"
	"github.com/engramlabs/engram/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	episodic     *memory.EpisodicStore
	semantic     *memory.SemanticStore
	consolidator *Consolidator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()

	mem := storage.NewMemStore()
	adapter := backend.New(backend.Config{InstanceID: "test"}, kv.NullKV{}, codec.New(), nil)
	adapter.Bind(backend.TierEpisodic, mem, storage.BucketEpisodes)
	adapter.Bind(backend.TierSemantic, mem, storage.BucketPatterns)

	lockCfg := locking.DefaultManagerConfig(t.TempDir())
	lockCfg.ReadTimeout = 2 * time.Second
	lockCfg.WriteTimeout = 2 * time.Second
	locks := locking.NewManager(lockCfg)

	scorer := memory.NewScorer(cfg.ScoreWeights, cfg.RecencyTau)
	episodic := memory.NewEpisodicStore(adapter, locks, index.NewKeywordIndex(), scorer, cfg.MaxQueryLimit)
	semantic := memory.NewSemanticStore(adapter, locks, index.NewKeywordIndex(), cfg.ReinforceRate, cfg.MaxQueryLimit)

	return &fixture{
		episodic:     episodic,
		semantic:     semantic,
		consolidator: New(DefaultConfig(), episodic, semantic),
	}
}

func seedEpisodes(t *testing.T, f *fixture, n int) []string {
	t.Helper()
	ctx := context.Background()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ep, err := f.episodic.Add(ctx, &types.Episode{
			SessionID:  fmt.Sprintf("S%d", i),
			TaskPrompt: "log into the portal",
			Outcome:    "logged in via the generic form",
			Success:    true,
			Importance: 0.5,
			Tags:       []string{"login", "generic"},
		})
		require.NoError(t, err)
		ids[i] = ep.MemoryID
	}
	return ids
}

// Five similar successes become one procedure pattern whose support covers
// every source episode; a second pass adds nothing.
func TestConsolidationProducesPattern(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := seedEpisodes(t, f, 5)

	report, err := f.consolidator.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PatternsCreated)
	assert.Equal(t, 5, report.EpisodesConsolidated)

	patterns, err := f.semantic.Query(ctx, types.PatternFilter{Kind: types.PatternProcedure}, 10)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	pat := patterns[0]
	assert.GreaterOrEqual(t, pat.SupportCount, 5)
	assert.ElementsMatch(t, ids, pat.DerivedFrom)

	for _, id := range ids {
		ep, err := f.episodic.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, ep.Consolidated)
		assert.Equal(t, types.EpisodeStateConsolidated, ep.State)
		assert.Equal(t, 1, ep.DerivedPatterns)
	}

	// Idempotent re-run: consolidated episodes are out of the sample, so
	// support does not double-count.
	report, err = f.consolidator.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.PatternsCreated)
	assert.Zero(t, report.PatternsReinforced)

	patterns, err = f.semantic.Query(ctx, types.PatternFilter{Kind: types.PatternProcedure}, 10)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, pat.SupportCount, patterns[0].SupportCount)
}

// New episodes with the same tag profile reinforce the existing pattern
// rather than minting a duplicate, and known sources are never re-counted.
func TestConsolidationReinforcesExistingPattern(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedEpisodes(t, f, 3)
	_, err := f.consolidator.RunOnce(ctx)
	require.NoError(t, err)

	seedEpisodes(t, f, 2)
	report, err := f.consolidator.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PatternsReinforced)
	assert.Zero(t, report.PatternsCreated)

	patterns, err := f.semantic.Query(ctx, types.PatternFilter{Kind: types.PatternProcedure}, 10)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, 5, patterns[0].SupportCount)
	assert.Len(t, patterns[0].DerivedFrom, 5)
}

func TestSmallClustersNotPromoted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seedEpisodes(t, f, 1)

	// A lone failure with different tags clusters with nothing.
	_, err := f.episodic.Add(ctx, &types.Episode{
		SessionID:  "S9",
		TaskPrompt: "download report",
		Outcome:    "timed out",
		Success:    false,
		Tags:       []string{"download"},
	})
	require.NoError(t, err)

	report, err := f.consolidator.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.PatternsCreated)

	n, err := f.semantic.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDissimilarOutcomesSplitClusters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcomes := []string{
		"logged in via the generic form",
		"logged in via the generic form",
		"captcha blocked the login entirely and permanently",
	}
	for i, outcome := range outcomes {
		_, err := f.episodic.Add(ctx, &types.Episode{
			SessionID:  fmt.Sprintf("S%d", i),
			TaskPrompt: "log in",
			Outcome:    outcome,
			Success:    true,
			Tags:       []string{"login"},
		})
		require.NoError(t, err)
	}

	report, err := f.consolidator.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PatternsCreated)
	assert.Equal(t, 2, report.EpisodesConsolidated, "the outlier stays unconsolidated")
}

func TestSingleFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.consolidator.running.Store(true)
	report, err := f.consolidator.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.EpisodesExamined)
	f.consolidator.running.Store(false)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.consolidator.RunOnce(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.consolidator.Start(context.Background())
	f.consolidator.Stop()
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine("logged in ok", "logged in ok"), 1e-9)
	assert.Zero(t, cosine("logged in", "download failed"))
	assert.Greater(t, cosine("logged in via form", "logged in via button"), 0.5)
}

func TestTagKey(t *testing.T) {
	assert.Equal(t, "generic,login", tagKey([]string{"Login", "generic", "login"}))
	assert.Empty(t, tagKey(nil))
}
