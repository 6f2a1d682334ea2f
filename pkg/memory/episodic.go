package memory

import (
	"context"
	"sort"
	"strings"
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

// ResourceEpisodic is the lock resource name guarding the episodic tier.
const ResourceEpisodic = "episodic"

// EpisodicStore persists task episodes. Writes pass through the tier's write
// lock and the backend adapter; retrieval-index updates are best-effort and
// never fail a write.
type EpisodicStore struct {
	adapter  *backend.Adapter
	locks    *locking.Manager
	idx      index.Index
	scorer   *Scorer
	maxLimit int
	logger   zerolog.Logger
	now      func() time.Time
}

// NewEpisodicStore wires the episodic tier.
func NewEpisodicStore(adapter *backend.Adapter, locks *locking.Manager, idx index.Index, scorer *Scorer, maxLimit int) *EpisodicStore {
	if maxLimit <= 0 {
		maxLimit = 100
	}
	if idx == nil {
		idx = index.NullIndex{}
	}
	return &EpisodicStore{
		adapter:  adapter,
		locks:    locks,
		idx:      idx,
		scorer:   scorer,
		maxLimit: maxLimit,
		logger:   log.WithComponent("episodic"),
		now:      time.Now,
	}
}

// Add validates, scores, and persists a new episode, then indexes it
// best-effort. Returns the stored episode with generated fields filled in.
func (s *EpisodicStore) Add(ctx context.Context, e *types.Episode) (*types.Episode, error) {
	ep := e.Clone()
	if ep.MemoryID == "" {
		ep.MemoryID = uuid.NewString()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = s.now().UTC()
	}
	ep.SchemaVersion = types.SchemaVersion
	if err := ep.Validate(); err != nil {
		return nil, err
	}

	ep.Score = s.scorer.Score(ep, s.now())
	ep.State = types.EpisodeStateScored

	h, err := s.locks.WriteLock(ctx, ResourceEpisodic)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	if err := s.adapter.Put(ctx, backend.TierEpisodic, ep.MemoryID, ep, backend.OpAdded); err != nil {
		return nil, err
	}
	s.indexEpisode(ep)
	return ep, nil
}

// Get returns the episode or NotFound.
func (s *EpisodicStore) Get(ctx context.Context, memoryID string) (*types.Episode, error) {
	h, err := s.locks.ReadLock(ctx, ResourceEpisodic)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	var ep types.Episode
	if err := s.adapter.Get(ctx, backend.TierEpisodic, memoryID, &ep); err != nil {
		return nil, err
	}
	return &ep, nil
}

// Query returns episodes matching the filter, ordered by score descending
// then created_at descending, tie-broken on memory_id. The limit is
// mandatory and capped.
func (s *EpisodicStore) Query(ctx context.Context, filter types.EpisodeFilter, limit int) ([]*types.Episode, error) {
	if limit <= 0 {
		return nil, errdefs.Validation("query limit is required and must be positive")
	}
	if limit > s.maxLimit {
		return nil, errdefs.Validation("query limit %d exceeds maximum %d", limit, s.maxLimit)
	}

	h, err := s.locks.ReadLock(ctx, ResourceEpisodic)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	var out []*types.Episode
	err = s.adapter.Scan(backend.TierEpisodic, func(id string, data []byte) error {
		var ep types.Episode
		if err := s.adapter.Decode(data, &ep); err != nil {
			s.logger.Warn().Str("memory_id", id).Err(err).Msg("skipping undecodable episode")
			return nil
		}
		if matchEpisode(&ep, filter) {
			out = append(out, &ep)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].MemoryID < out[j].MemoryID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Search retrieves episodes by text similarity, most similar first.
func (s *EpisodicStore) Search(ctx context.Context, query string, limit int) ([]*types.Episode, error) {
	if limit <= 0 || limit > s.maxLimit {
		return nil, errdefs.Validation("search limit must be in [1,%d]", s.maxLimit)
	}

	hits := s.idx.Search(query, limit)
	if len(hits) == 0 {
		return nil, nil
	}

	h, err := s.locks.ReadLock(ctx, ResourceEpisodic)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	out := make([]*types.Episode, 0, len(hits))
	for _, hit := range hits {
		var ep types.Episode
		if err := s.adapter.Get(ctx, backend.TierEpisodic, hit.ID, &ep); err != nil {
			if errdefs.IsNotFound(err) {
				// Index lag after a delete; skip.
				continue
			}
			return nil, err
		}
		out = append(out, &ep)
	}
	return out, nil
}

// EpisodeUpdate is a partial update. Nil fields are left unchanged;
// memory_id, created_at, and session_id cannot be changed.
type EpisodeUpdate struct {
	TaskPrompt      *string
	Outcome         *string
	Success         *bool
	DurationSeconds *float64
	Importance      *float64
	Tags            *[]string
	State           *types.EpisodeState
	Consolidated    *bool
	DerivedPatterns *int
}

// Update applies a partial update under the write lock and rescores the
// episode.
func (s *EpisodicStore) Update(ctx context.Context, memoryID string, u EpisodeUpdate) (*types.Episode, error) {
	h, err := s.locks.WriteLock(ctx, ResourceEpisodic)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	var ep types.Episode
	if err := s.adapter.Get(ctx, backend.TierEpisodic, memoryID, &ep); err != nil {
		return nil, err
	}

	if u.TaskPrompt != nil {
		ep.TaskPrompt = *u.TaskPrompt
	}
	if u.Outcome != nil {
		ep.Outcome = *u.Outcome
	}
	if u.Success != nil {
		ep.Success = *u.Success
	}
	if u.DurationSeconds != nil {
		ep.DurationSeconds = *u.DurationSeconds
	}
	if u.Importance != nil {
		ep.Importance = *u.Importance
	}
	if u.Tags != nil {
		ep.Tags = append([]string(nil), (*u.Tags)...)
	}
	if u.State != nil {
		ep.State = *u.State
	}
	if u.Consolidated != nil {
		ep.Consolidated = *u.Consolidated
	}
	if u.DerivedPatterns != nil {
		ep.DerivedPatterns = *u.DerivedPatterns
	}
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	ep.Score = s.scorer.Score(&ep, s.now())

	if err := s.adapter.Put(ctx, backend.TierEpisodic, ep.MemoryID, &ep, backend.OpUpdated); err != nil {
		return nil, err
	}
	s.indexEpisode(&ep)
	return &ep, nil
}

// Delete removes an episode and its index entry.
func (s *EpisodicStore) Delete(ctx context.Context, memoryID string) error {
	h, err := s.locks.WriteLock(ctx, ResourceEpisodic)
	if err != nil {
		return err
	}
	defer h.Release()

	if err := s.adapter.Delete(ctx, backend.TierEpisodic, memoryID); err != nil {
		return err
	}
	s.idx.Remove(memoryID)
	return nil
}

// Count returns the number of stored episodes.
func (s *EpisodicStore) Count() (int, error) {
	return s.adapter.Count(backend.TierEpisodic)
}

// Reindex rebuilds the retrieval index from durable state. Called at
// startup so search works across restarts.
func (s *EpisodicStore) Reindex(ctx context.Context) error {
	return s.adapter.Scan(backend.TierEpisodic, func(id string, data []byte) error {
		var ep types.Episode
		if err := s.adapter.Decode(data, &ep); err != nil {
			s.logger.Warn().Str("memory_id", id).Err(err).Msg("skipping undecodable episode during reindex")
			return nil
		}
		s.indexEpisode(&ep)
		return nil
	})
}

func (s *EpisodicStore) indexEpisode(ep *types.Episode) {
	doc := index.Doc{
		ID:   ep.MemoryID,
		Text: ep.TaskPrompt + " " + ep.Outcome,
		Tags: ep.Tags,
	}
	if err := s.idx.Add(doc); err != nil {
		metrics.IndexFailuresTotal.WithLabelValues("episodic").Inc()
		s.logger.Warn().Str("memory_id", ep.MemoryID).Err(err).Msg("index update failed")
	}
}

func matchEpisode(ep *types.Episode, f types.EpisodeFilter) bool {
	if f.SessionID != "" && ep.SessionID != f.SessionID {
		return false
	}
	if f.MinScore > 0 && ep.Score < f.MinScore {
		return false
	}
	if !f.After.IsZero() && ep.CreatedAt.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && ep.CreatedAt.After(f.Before) {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, tag := range ep.Tags {
			if strings.EqualFold(tag, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
