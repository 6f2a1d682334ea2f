package memory

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/engramlabs/engram/pkg/backend"
	"github.com/engramlabs/engram/pkg/errdefs"
	"github.com/engramlabs/engram/pkg/index"
	"github.com/engramlabs/engram/pkg/locking"
	"github.com/engramlabs/engram/pkg/log"
	"github.com/engramlabs/engram/pkg/metrics"
	"github.com/engramlabs/engram/pkg/types"
)

// ResourceSemantic is the lock resource name guarding the semantic tier.
const ResourceSemantic = "semantic"

// SemanticStore persists generalized patterns. Confidence grows with support
// and never decreases except through the consolidator's decay pass.
type SemanticStore struct {
	adapter       *backend.Adapter
	locks         *locking.Manager
	idx           index.Index
	reinforceRate float64
	maxLimit      int
	logger        zerolog.Logger
	now           func() time.Time
}

// NewSemanticStore wires the semantic tier. reinforceRate is the α in
// confidence = 1 - exp(-α·support).
func NewSemanticStore(adapter *backend.Adapter, locks *locking.Manager, idx index.Index, reinforceRate float64, maxLimit int) *SemanticStore {
	if reinforceRate <= 0 {
		reinforceRate = 0.3
	}
	if maxLimit <= 0 {
		maxLimit = 100
	}
	if idx == nil {
		idx = index.NullIndex{}
	}
	return &SemanticStore{
		adapter:       adapter,
		locks:         locks,
		idx:           idx,
		reinforceRate: reinforceRate,
		maxLimit:      maxLimit,
		logger:        log.WithComponent("semantic"),
		now:           time.Now,
	}
}

// Confidence maps a support count to confidence.
func (s *SemanticStore) Confidence(support int) float64 {
	if support <= 0 {
		return 0
	}
	return 1 - math.Exp(-s.reinforceRate*float64(support))
}

// Add persists a new pattern. Support defaults to 1 and confidence is
// derived from it.
func (s *SemanticStore) Add(ctx context.Context, p *types.SemanticPattern) (*types.SemanticPattern, error) {
	pat := p.Clone()
	if pat.MemoryID == "" {
		pat.MemoryID = uuid.NewString()
	}
	now := s.now().UTC()
	if pat.CreatedAt.IsZero() {
		pat.CreatedAt = now
	}
	if pat.SupportCount <= 0 {
		pat.SupportCount = 1
	}
	pat.SchemaVersion = types.SchemaVersion
	pat.UpdatedAt = now
	pat.LastReinforced = now
	pat.Confidence = s.Confidence(pat.SupportCount)
	if err := pat.Validate(); err != nil {
		return nil, err
	}

	h, err := s.locks.WriteLock(ctx, ResourceSemantic)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	if err := s.adapter.Put(ctx, backend.TierSemantic, pat.MemoryID, pat, backend.OpAdded); err != nil {
		return nil, err
	}
	s.indexPattern(pat)
	return pat, nil
}

// Get returns the pattern or NotFound.
func (s *SemanticStore) Get(ctx context.Context, memoryID string) (*types.SemanticPattern, error) {
	h, err := s.locks.ReadLock(ctx, ResourceSemantic)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	var pat types.SemanticPattern
	if err := s.adapter.Get(ctx, backend.TierSemantic, memoryID, &pat); err != nil {
		return nil, err
	}
	return &pat, nil
}

// Query returns patterns matching the filter, ordered by confidence
// descending, then updated_at descending, tie-broken on memory_id.
func (s *SemanticStore) Query(ctx context.Context, filter types.PatternFilter, limit int) ([]*types.SemanticPattern, error) {
	if limit <= 0 {
		return nil, errdefs.Validation("query limit is required and must be positive")
	}
	if limit > s.maxLimit {
		return nil, errdefs.Validation("query limit %d exceeds maximum %d", limit, s.maxLimit)
	}

	h, err := s.locks.ReadLock(ctx, ResourceSemantic)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	var out []*types.SemanticPattern
	err = s.adapter.Scan(backend.TierSemantic, func(id string, data []byte) error {
		var pat types.SemanticPattern
		if err := s.adapter.Decode(data, &pat); err != nil {
			s.logger.Warn().Str("memory_id", id).Err(err).Msg("skipping undecodable pattern")
			return nil
		}
		if matchPattern(&pat, filter) {
			out = append(out, &pat)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].MemoryID < out[j].MemoryID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Search retrieves patterns by text similarity, ordered by
// confidence·similarity descending with a stable tie-break on memory_id.
func (s *SemanticStore) Search(ctx context.Context, query string, limit int) ([]*types.SemanticPattern, error) {
	if limit <= 0 || limit > s.maxLimit {
		return nil, errdefs.Validation("search limit must be in [1,%d]", s.maxLimit)
	}

	// Over-fetch so confidence weighting can reorder before truncation.
	hits := s.idx.Search(query, limit*4)
	if len(hits) == 0 {
		return nil, nil
	}

	h, err := s.locks.ReadLock(ctx, ResourceSemantic)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	type ranked struct {
		pat    *types.SemanticPattern
		weight float64
	}
	results := make([]ranked, 0, len(hits))
	for _, hit := range hits {
		var pat types.SemanticPattern
		if err := s.adapter.Get(ctx, backend.TierSemantic, hit.ID, &pat); err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		results = append(results, ranked{pat: &pat, weight: pat.Confidence * hit.Score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].weight != results[j].weight {
			return results[i].weight > results[j].weight
		}
		return results[i].pat.MemoryID < results[j].pat.MemoryID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	out := make([]*types.SemanticPattern, len(results))
	for i, r := range results {
		out[i] = r.pat
	}
	return out, nil
}

// Reinforce adds support to a pattern, recomputing confidence. deltaSupport
// must be positive; decay is the consolidator's job, not reinforcement's.
func (s *SemanticStore) Reinforce(ctx context.Context, memoryID string, deltaSupport int) (*types.SemanticPattern, error) {
	if deltaSupport <= 0 {
		return nil, errdefs.Validation("delta_support must be positive, got %d", deltaSupport)
	}

	h, err := s.locks.WriteLock(ctx, ResourceSemantic)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	var pat types.SemanticPattern
	if err := s.adapter.Get(ctx, backend.TierSemantic, memoryID, &pat); err != nil {
		return nil, err
	}

	pat.SupportCount += deltaSupport
	pat.Confidence = s.Confidence(pat.SupportCount)
	now := s.now().UTC()
	pat.UpdatedAt = now
	pat.LastReinforced = now

	if err := s.adapter.Put(ctx, backend.TierSemantic, pat.MemoryID, &pat, backend.OpUpdated); err != nil {
		return nil, err
	}
	return &pat, nil
}

// ReinforceWith merges new derivation sources into a pattern and adds
// support only for sources not already counted. Used by the consolidator so
// repeated passes never double-count an episode.
func (s *SemanticStore) ReinforceWith(ctx context.Context, memoryID string, derivedFrom []string) (*types.SemanticPattern, error) {
	h, err := s.locks.WriteLock(ctx, ResourceSemantic)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	var pat types.SemanticPattern
	if err := s.adapter.Get(ctx, backend.TierSemantic, memoryID, &pat); err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(pat.DerivedFrom))
	for _, id := range pat.DerivedFrom {
		known[id] = true
	}
	added := 0
	for _, id := range derivedFrom {
		if !known[id] {
			pat.DerivedFrom = append(pat.DerivedFrom, id)
			known[id] = true
			added++
		}
	}
	if added == 0 {
		return &pat, nil
	}

	pat.SupportCount += added
	pat.Confidence = s.Confidence(pat.SupportCount)
	now := s.now().UTC()
	pat.UpdatedAt = now
	pat.LastReinforced = now

	if err := s.adapter.Put(ctx, backend.TierSemantic, pat.MemoryID, &pat, backend.OpUpdated); err != nil {
		return nil, err
	}
	return &pat, nil
}

// Decay multiplies confidence of patterns unreinforced since the cutoff by
// the given factor. Returns the number of decayed patterns.
func (s *SemanticStore) Decay(ctx context.Context, cutoff time.Time, factor float64) (int, error) {
	if factor <= 0 || factor > 1 {
		return 0, errdefs.Validation("decay factor must be in (0,1], got %.3f", factor)
	}

	h, err := s.locks.WriteLock(ctx, ResourceSemantic)
	if err != nil {
		return 0, err
	}
	defer h.Release()

	var stale []*types.SemanticPattern
	err = s.adapter.Scan(backend.TierSemantic, func(id string, data []byte) error {
		var pat types.SemanticPattern
		if err := s.adapter.Decode(data, &pat); err != nil {
			return nil
		}
		if pat.LastReinforced.Before(cutoff) {
			stale = append(stale, &pat)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, pat := range stale {
		pat.Confidence *= factor
		pat.UpdatedAt = s.now().UTC()
		if err := s.adapter.Put(ctx, backend.TierSemantic, pat.MemoryID, pat, backend.OpUpdated); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// Count returns the number of stored patterns.
func (s *SemanticStore) Count() (int, error) {
	return s.adapter.Count(backend.TierSemantic)
}

// Reindex rebuilds the retrieval index from durable state.
func (s *SemanticStore) Reindex(ctx context.Context) error {
	return s.adapter.Scan(backend.TierSemantic, func(id string, data []byte) error {
		var pat types.SemanticPattern
		if err := s.adapter.Decode(data, &pat); err != nil {
			return nil
		}
		s.indexPattern(&pat)
		return nil
	})
}

func (s *SemanticStore) indexPattern(p *types.SemanticPattern) {
	if err := s.idx.Add(index.Doc{ID: p.MemoryID, Text: p.Content}); err != nil {
		metrics.IndexFailuresTotal.WithLabelValues("semantic").Inc()
		s.logger.Warn().Str("memory_id", p.MemoryID).Err(err).Msg("index update failed")
	}
}

func matchPattern(p *types.SemanticPattern, f types.PatternFilter) bool {
	if f.Kind != "" && p.Kind != f.Kind {
		return false
	}
	if f.MinConfidence > 0 && p.Confidence < f.MinConfidence {
		return false
	}
	if f.MinSupport > 0 && p.SupportCount < f.MinSupport {
		return false
	}
	return true
}
