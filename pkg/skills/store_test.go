package skills

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
	"github.com/engramlabs/engram/pkg/errdefs"
	"github.com/engramlabs/engram/pkg/index"
	"github.com/engramlabs/engram/pkg/kv"
	"github.com/engramlabs/engram/pkg/locking"
	"github.com/engramlabs/engram/pkg/storage"
	"github.com/engramlabs/engram/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	store   *Store
	library *Library
	locks   *locking.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mem := storage.NewMemStore()
	adapter := backend.New(backend.Config{InstanceID: "test"}, kv.NullKV{}, codec.New(), nil)
	adapter.Bind(backend.TierSkill, mem, storage.BucketSkills)

	lockCfg := locking.DefaultManagerConfig(t.TempDir())
	lockCfg.ReadTimeout = 2 * time.Second
	lockCfg.WriteTimeout = 2 * time.Second
	locks := locking.NewManager(lockCfg)

	store := NewStore(adapter, locks, index.NewKeywordIndex(), mem, time.Hour, 100)
	history := NewHistoryLog(t.TempDir(), locks)
	library := NewLibrary(store, NewRegistry(), history, 10)

	return &fixture{store: store, library: library, locks: locks}
}

func loginSkill() *types.Skill {
	return &types.Skill{
		Name:        "login_generic",
		Description: "log into a site with a generic username/password form",
		Category:    "auth",
		Status:      types.SkillStatusActive,
		Tags:        []string{"login", "form"},
		ActionSequence: []types.ActionStep{
			{Name: "open", Action: "navigate", Params: []types.ActionParam{
				{Name: "url", Type: types.ParamString, Required: true},
			}},
			{Name: "submit", Action: "fill_form", Params: []types.ActionParam{
				{Name: "username", Type: types.ParamString, Required: true},
				{Name: "password", Type: types.ParamString, Required: true},
				{Name: "remember", Type: types.ParamBool, Required: false, Default: false},
			}},
		},
	}
}

func TestAddAndGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sk, err := f.store.Add(ctx, loginSkill(), 0)
	require.NoError(t, err)
	assert.NotEmpty(t, sk.SkillID)
	assert.Equal(t, 1, sk.Version)
	assert.NotEmpty(t, sk.ContentHash)

	got, err := f.store.Get(ctx, sk.SkillID)
	require.NoError(t, err)
	assert.Equal(t, sk.Name, got.Name)
	assert.Equal(t, sk.ContentHash, got.ContentHash)

	_, err = f.store.Get(ctx, "missing")
	assert.True(t, errdefs.IsNotFound(err))
}

// Two agents hammer get_skill_by_name concurrently: every read succeeds,
// returns the same skill, and the write lock is never taken.
func TestConcurrentSharedReads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	k, err := f.store.Add(ctx, loginSkill(), 0)
	require.NoError(t, err)

	writesBefore := writeAcquisitions(f.locks)

	const agents, reads = 2, 100
	var wg sync.WaitGroup
	for a := 0; a < agents; a++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < reads; i++ {
				got, err := f.store.GetByName(ctx, "login_generic")
				if err != nil {
					t.Error(err)
					return
				}
				if got.SkillID != k.SkillID || got.Version != k.Version {
					t.Errorf("got %s@%d, want %s@%d", got.SkillID, got.Version, k.SkillID, k.Version)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, writesBefore, writeAcquisitions(f.locks), "reads must not take the write lock")
	for _, st := range f.locks.Stats(ResourceSkill) {
		assert.Zero(t, st.Timeouts)
	}
}

func writeAcquisitions(m *locking.Manager) uint64 {
	for _, st := range m.Stats(ResourceSkill) {
		if st.Kind == locking.KindWrite {
			return st.Acquisitions
		}
	}
	return 0
}

func TestActiveNameUniqueness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Add(ctx, loginSkill(), 0)
	require.NoError(t, err)

	dup := loginSkill()
	_, err = f.store.Add(ctx, dup, 0)
	assert.True(t, errdefs.IsNameConflict(err))

	// A draft with the same name is allowed; only active names collide.
	draft := loginSkill()
	draft.Status = types.SkillStatusDraft
	_, err = f.store.Add(ctx, draft, 0)
	require.NoError(t, err)
}

func TestGetByNameActiveOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sk, err := f.store.Add(ctx, loginSkill(), 0)
	require.NoError(t, err)

	got, err := f.store.GetByName(ctx, "login_generic")
	require.NoError(t, err)
	assert.Equal(t, sk.SkillID, got.SkillID)

	require.NoError(t, f.store.Deprecate(ctx, sk.SkillID, ""))

	_, err = f.store.GetByName(ctx, "login_generic")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestRecordExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sk, err := f.store.Add(ctx, loginSkill(), 0)
	require.NoError(t, err)

	got, err := f.store.RecordExecution(ctx, sk.SkillID, true, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)
	assert.Equal(t, 1.0, got.SuccessRate)
	assert.Equal(t, 2.0, got.AvgDuration, "first execution seeds the average")

	got, err = f.store.RecordExecution(ctx, sk.SkillID, false, 4*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UsageCount)
	assert.Equal(t, 0.5, got.SuccessRate)
	assert.InDelta(t, 0.8*2.0+0.2*4.0, got.AvgDuration, 1e-9)
}

func TestDeprecate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, err := f.store.Add(ctx, loginSkill(), 0)
	require.NoError(t, err)

	repl := loginSkill()
	repl.Name = "login_v2"
	replacement, err := f.store.Add(ctx, repl, 0)
	require.NoError(t, err)

	draft := loginSkill()
	draft.Name = "login_draft"
	draft.Status = types.SkillStatusDraft
	inactive, err := f.store.Add(ctx, draft, 0)
	require.NoError(t, err)

	// A non-active replacement is rejected.
	err = f.store.Deprecate(ctx, old.SkillID, inactive.SkillID)
	assert.True(t, errdefs.IsValidation(err))

	require.NoError(t, f.store.Deprecate(ctx, old.SkillID, replacement.SkillID))
	got, err := f.store.Get(ctx, old.SkillID)
	require.NoError(t, err)
	assert.Equal(t, types.SkillStatusDeprecated, got.Status)
	assert.Equal(t, replacement.SkillID, got.ReplacedBy)

	// Deprecating again is a no-op.
	require.NoError(t, f.store.Deprecate(ctx, old.SkillID, ""))
	got, err = f.store.Get(ctx, old.SkillID)
	require.NoError(t, err)
	assert.Equal(t, replacement.SkillID, got.ReplacedBy)
}

func TestQueryOrderingAndFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, rate := range []float64{0.2, 0.9, 0.5} {
		sk := loginSkill()
		sk.SkillID = fmt.Sprintf("sk-%d", i)
		sk.Name = fmt.Sprintf("skill-%d", i)
		sk.SuccessRate = 0 // computed fields start at zero on insert
		stored, err := f.store.Add(ctx, sk, 0)
		require.NoError(t, err)

		// Drive the success rate via executions.
		n := int(rate * 10)
		for j := 0; j < 10; j++ {
			_, err := f.store.RecordExecution(ctx, stored.SkillID, j < n, time.Second)
			require.NoError(t, err)
		}
	}

	list, err := f.store.Query(ctx, types.SkillFilter{Status: types.SkillStatusActive}, 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "sk-1", list[0].SkillID)
	assert.Equal(t, "sk-2", list[1].SkillID)
	assert.Equal(t, "sk-0", list[2].SkillID)

	_, err = f.store.Query(ctx, types.SkillFilter{}, 0)
	assert.True(t, errdefs.IsValidation(err))

	list, err = f.store.Query(ctx, types.SkillFilter{Category: "navigation"}, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSearchExcludesDeprecated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sk, err := f.store.Add(ctx, loginSkill(), 0)
	require.NoError(t, err)

	hits, err := f.store.Search(ctx, "login", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, sk.SkillID, hits[0].SkillID)

	require.NoError(t, f.store.Deprecate(ctx, sk.SkillID, ""))

	hits, err = f.store.Search(ctx, "login", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestContentHashStable(t *testing.T) {
	a := loginSkill()
	b := loginSkill()
	assert.Equal(t, ContentHash(a.ActionSequence), ContentHash(b.ActionSequence))

	b.ActionSequence[0].Action = "navigate_v2"
	assert.NotEqual(t, ContentHash(a.ActionSequence), ContentHash(b.ActionSequence))
}
