package skills

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
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
	"github.com/engramlabs/engram/pkg/storage"
	"github.com/engramlabs/engram/pkg/types"
)

// ResourceSkill is the lock resource name guarding the skill tier.
const ResourceSkill = "skill"

// avgDurationBeta is the EWMA weight applied to the latest execution when
// updating a skill's average duration.
const avgDurationBeta = 0.2

// Store persists skills and their immutable version records. Active-name
// uniqueness and optimistic version checks run inside the tier's write lock,
// so concurrent writers serialize on one decision point.
type Store struct {
	adapter  *backend.Adapter
	locks    *locking.Manager
	idx      index.Index
	versions storage.Store
	aliasTTL time.Duration
	maxLimit int
	logger   zerolog.Logger
	now      func() time.Time
}

// NewStore wires the skill tier. versions holds immutable SkillVersion
// records keyed by (skill_id, version); aliasTTL bounds the shared-KV
// lifetime of name→id aliases.
func NewStore(adapter *backend.Adapter, locks *locking.Manager, idx index.Index, versions storage.Store, aliasTTL time.Duration, maxLimit int) *Store {
	if maxLimit <= 0 {
		maxLimit = 100
	}
	if idx == nil {
		idx = index.NullIndex{}
	}
	if aliasTTL <= 0 {
		aliasTTL = 180 * 24 * time.Hour
	}
	return &Store{
		adapter:  adapter,
		locks:    locks,
		idx:      idx,
		versions: versions,
		aliasTTL: aliasTTL,
		maxLimit: maxLimit,
		logger:   log.WithComponent("skills"),
		now:      time.Now,
	}
}

// ContentHash returns the stable hash of a skill's action sequence. Two
// skills with identical sequences (names, actions, parameters) share a hash.
func ContentHash(seq []types.ActionStep) string {
	data, err := json.Marshal(seq)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Add persists a skill revision under the write lock. When expectedVersion
// is positive the stored version must equal it or the call fails with
// VersionConflict; on acceptance the version increments by exactly one and
// the prior revision is written to the version bucket. New skills start at
// version 1.
func (s *Store) Add(ctx context.Context, skill *types.Skill, expectedVersion int) (*types.Skill, error) {
	sk := skill.Clone()
	if sk.SkillID == "" {
		sk.SkillID = uuid.NewString()
	}
	if sk.Status == "" {
		sk.Status = types.SkillStatusDraft
	}
	if sk.Category == "" {
		sk.Category = "general"
	}

	h, err := s.locks.WriteLock(ctx, ResourceSkill)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	now := s.now().UTC()

	var prior types.Skill
	err = s.adapter.Get(ctx, backend.TierSkill, sk.SkillID, &prior)
	switch {
	case err == nil:
		if expectedVersion > 0 && prior.Version != expectedVersion {
			return nil, errdefs.VersionConflict(sk.SkillID, expectedVersion, prior.Version)
		}
		sk.Version = prior.Version + 1
		sk.CreatedAt = prior.CreatedAt
		sk.UsageCount = prior.UsageCount
		sk.SuccessCount = prior.SuccessCount
		sk.SuccessRate = prior.SuccessRate
		sk.AvgDuration = prior.AvgDuration
	case errdefs.IsNotFound(err):
		if expectedVersion > 0 {
			return nil, errdefs.VersionConflict(sk.SkillID, expectedVersion, 0)
		}
		sk.Version = 1
		sk.CreatedAt = now
	default:
		return nil, err
	}

	sk.SchemaVersion = types.SchemaVersion
	sk.UpdatedAt = now
	sk.ContentHash = ContentHash(sk.ActionSequence)
	if err := sk.Validate(); err != nil {
		return nil, err
	}

	if sk.Status == types.SkillStatusActive {
		if err := s.checkNameUnique(sk.Name, sk.SkillID); err != nil {
			return nil, err
		}
	}

	if prior.SkillID != "" {
		if err := s.saveVersion(&prior); err != nil {
			return nil, err
		}
	}

	op := backend.OpUpdated
	if sk.Version == 1 {
		op = backend.OpAdded
	}
	if err := s.adapter.Put(ctx, backend.TierSkill, sk.SkillID, sk, op); err != nil {
		return nil, err
	}

	if sk.Status == types.SkillStatusActive {
		s.adapter.SetAlias(ctx, backend.SkillNameKey(sk.Name), sk.SkillID, s.aliasTTL)
	}
	// Renames and deprecations leave a dangling alias for the old name;
	// GetByName re-checks the record before trusting it.
	if prior.SkillID != "" && prior.Name != sk.Name {
		s.adapter.DelAlias(ctx, backend.SkillNameKey(prior.Name))
	}

	s.indexSkill(sk)
	s.logger.Info().
		Str("skill_id", sk.SkillID).
		Str("name", sk.Name).
		Int("version", sk.Version).
		Msg("skill stored")
	return sk, nil
}

// Get returns the skill or NotFound, regardless of status.
func (s *Store) Get(ctx context.Context, skillID string) (*types.Skill, error) {
	h, err := s.locks.ReadLock(ctx, ResourceSkill)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	return s.get(ctx, skillID)
}

func (s *Store) get(ctx context.Context, skillID string) (*types.Skill, error) {
	var sk types.Skill
	if err := s.adapter.Get(ctx, backend.TierSkill, skillID, &sk); err != nil {
		return nil, err
	}
	return &sk, nil
}

// GetByName returns the single active skill with that name. The name→id
// alias is consulted first; a stale or missing alias falls back to a scan
// and repairs the alias.
func (s *Store) GetByName(ctx context.Context, name string) (*types.Skill, error) {
	h, err := s.locks.ReadLock(ctx, ResourceSkill)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	if id, ok := s.adapter.GetAlias(ctx, backend.SkillNameKey(name)); ok {
		sk, err := s.get(ctx, id)
		if err == nil && sk.Status == types.SkillStatusActive && sk.Name == name {
			return sk, nil
		}
	}

	var found *types.Skill
	err = s.adapter.Scan(backend.TierSkill, func(id string, data []byte) error {
		var sk types.Skill
		if err := s.adapter.Decode(data, &sk); err != nil {
			return nil
		}
		if sk.Status == types.SkillStatusActive && sk.Name == name {
			found = &sk
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errdefs.NotFound("active skill named %q", name)
	}
	s.adapter.SetAlias(ctx, backend.SkillNameKey(name), found.SkillID, s.aliasTTL)
	return found, nil
}

// Query returns skills matching the filter, ordered by success rate
// descending, then usage descending, tie-broken on skill_id.
func (s *Store) Query(ctx context.Context, filter types.SkillFilter, limit int) ([]*types.Skill, error) {
	if limit <= 0 {
		return nil, errdefs.Validation("query limit is required and must be positive")
	}
	if limit > s.maxLimit {
		return nil, errdefs.Validation("query limit %d exceeds maximum %d", limit, s.maxLimit)
	}

	h, err := s.locks.ReadLock(ctx, ResourceSkill)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	var out []*types.Skill
	err = s.adapter.Scan(backend.TierSkill, func(id string, data []byte) error {
		var sk types.Skill
		if err := s.adapter.Decode(data, &sk); err != nil {
			s.logger.Warn().Str("skill_id", id).Err(err).Msg("skipping undecodable skill")
			return nil
		}
		if matchSkill(&sk, filter) {
			out = append(out, &sk)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SuccessRate != out[j].SuccessRate {
			return out[i].SuccessRate > out[j].SuccessRate
		}
		if out[i].UsageCount != out[j].UsageCount {
			return out[i].UsageCount > out[j].UsageCount
		}
		return out[i].SkillID < out[j].SkillID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Search retrieves skills by text similarity over name, description, and
// tags. Deprecated skills are excluded.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]*types.Skill, error) {
	if limit <= 0 || limit > s.maxLimit {
		return nil, errdefs.Validation("search limit must be in [1,%d]", s.maxLimit)
	}

	hits := s.idx.Search(query, limit*2)
	if len(hits) == 0 {
		return nil, nil
	}

	h, err := s.locks.ReadLock(ctx, ResourceSkill)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	out := make([]*types.Skill, 0, len(hits))
	for _, hit := range hits {
		sk, err := s.get(ctx, hit.ID)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if sk.Status == types.SkillStatusDeprecated {
			continue
		}
		out = append(out, sk)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// RecordExecution updates a skill's usage statistics under the write lock.
// success_rate is successes over usages; avg_duration is an EWMA of
// per-execution durations.
func (s *Store) RecordExecution(ctx context.Context, skillID string, success bool, duration time.Duration) (*types.Skill, error) {
	h, err := s.locks.WriteLock(ctx, ResourceSkill)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	sk, err := s.get(ctx, skillID)
	if err != nil {
		return nil, err
	}

	sk.UsageCount++
	if success {
		sk.SuccessCount++
	}
	sk.SuccessRate = float64(sk.SuccessCount) / float64(sk.UsageCount)
	secs := duration.Seconds()
	if sk.UsageCount == 1 {
		sk.AvgDuration = secs
	} else {
		sk.AvgDuration = (1-avgDurationBeta)*sk.AvgDuration + avgDurationBeta*secs
	}
	sk.UpdatedAt = s.now().UTC()

	if err := s.adapter.Put(ctx, backend.TierSkill, sk.SkillID, sk, backend.OpUpdated); err != nil {
		return nil, err
	}
	return sk, nil
}

// Deprecate transitions a skill to deprecated. Deprecating an already
// deprecated skill is a no-op; replacementID, when given, must name an
// active skill. Deprecation is terminal.
func (s *Store) Deprecate(ctx context.Context, skillID, replacementID string) error {
	h, err := s.locks.WriteLock(ctx, ResourceSkill)
	if err != nil {
		return err
	}
	defer h.Release()

	sk, err := s.get(ctx, skillID)
	if err != nil {
		return err
	}
	if sk.Status == types.SkillStatusDeprecated {
		return nil
	}

	if replacementID != "" {
		repl, err := s.get(ctx, replacementID)
		if err != nil {
			return err
		}
		if repl.Status != types.SkillStatusActive {
			return errdefs.Validation("replacement skill %s is not active", replacementID)
		}
	}

	wasActive := sk.Status == types.SkillStatusActive
	sk.Status = types.SkillStatusDeprecated
	sk.ReplacedBy = replacementID
	sk.UpdatedAt = s.now().UTC()

	if err := s.adapter.Put(ctx, backend.TierSkill, sk.SkillID, sk, backend.OpUpdated); err != nil {
		return err
	}
	if wasActive {
		s.adapter.DelAlias(ctx, backend.SkillNameKey(sk.Name))
	}
	s.idx.Remove(sk.SkillID)
	s.logger.Info().Str("skill_id", skillID).Str("replaced_by", replacementID).Msg("skill deprecated")
	return nil
}

// GetVersion returns one immutable prior revision, or the live skill when
// version matches the stored head.
func (s *Store) GetVersion(ctx context.Context, skillID string, version int) (*types.SkillVersion, error) {
	h, err := s.locks.ReadLock(ctx, ResourceSkill)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	sk, err := s.get(ctx, skillID)
	if err == nil && sk.Version == version {
		return &types.SkillVersion{
			SkillID:     sk.SkillID,
			Version:     sk.Version,
			ContentHash: sk.ContentHash,
			SavedAt:     sk.UpdatedAt,
			Skill:       *sk,
		}, nil
	}

	data, err := s.versions.Get(storage.BucketVersions, versionKey(skillID, version))
	if err != nil {
		return nil, err
	}
	var v types.SkillVersion
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errdefs.Corruption("skill version %s@%d: %v", skillID, version, err)
	}
	return &v, nil
}

// GetVersionHistory returns every archived revision of a skill, oldest
// first. The live head is not included.
func (s *Store) GetVersionHistory(ctx context.Context, skillID string) ([]*types.SkillVersion, error) {
	h, err := s.locks.ReadLock(ctx, ResourceSkill)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	prefix := skillID + ":"
	var out []*types.SkillVersion
	err = s.versions.Scan(storage.BucketVersions, func(key string, data []byte) error {
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		var v types.SkillVersion
		if err := json.Unmarshal(data, &v); err != nil {
			return errdefs.Corruption("skill version record %s: %v", key, err)
		}
		out = append(out, &v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of stored skills.
func (s *Store) Count() (int, error) {
	return s.adapter.Count(backend.TierSkill)
}

// Reindex rebuilds the retrieval index from durable state.
func (s *Store) Reindex(ctx context.Context) error {
	return s.adapter.Scan(backend.TierSkill, func(id string, data []byte) error {
		var sk types.Skill
		if err := s.adapter.Decode(data, &sk); err != nil {
			return nil
		}
		if sk.Status != types.SkillStatusDeprecated {
			s.indexSkill(&sk)
		}
		return nil
	})
}

func (s *Store) saveVersion(sk *types.Skill) error {
	rec := types.SkillVersion{
		SkillID:     sk.SkillID,
		Version:     sk.Version,
		ContentHash: sk.ContentHash,
		SavedAt:     s.now().UTC(),
		Skill:       *sk,
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return errdefs.Internal("encode skill version: %v", err)
	}
	return s.versions.Put(storage.BucketVersions, versionKey(sk.SkillID, sk.Version), data)
}

func (s *Store) checkNameUnique(name, skillID string) error {
	var conflict bool
	err := s.adapter.Scan(backend.TierSkill, func(id string, data []byte) error {
		if id == skillID {
			return nil
		}
		var sk types.Skill
		if err := s.adapter.Decode(data, &sk); err != nil {
			return nil
		}
		if sk.Status == types.SkillStatusActive && sk.Name == name {
			conflict = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if conflict {
		return errdefs.NameConflict(name)
	}
	return nil
}

func (s *Store) indexSkill(sk *types.Skill) {
	doc := index.Doc{
		ID:   sk.SkillID,
		Text: sk.Name + " " + sk.Description,
		Tags: sk.Tags,
	}
	if err := s.idx.Add(doc); err != nil {
		metrics.IndexFailuresTotal.WithLabelValues("skill").Inc()
		s.logger.Warn().Str("skill_id", sk.SkillID).Err(err).Msg("index update failed")
	}
}

// versionKey orders revisions of one skill lexicographically by version.
func versionKey(skillID string, version int) string {
	return fmt.Sprintf("%s:%08d", skillID, version)
}

func matchSkill(sk *types.Skill, f types.SkillFilter) bool {
	if f.Category != "" && sk.Category != f.Category {
		return false
	}
	if f.Status != "" && sk.Status != f.Status {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, tag := range sk.Tags {
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
