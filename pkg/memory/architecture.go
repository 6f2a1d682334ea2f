package memory

import (
	"context"

	"github.com/engramlabs/engram/pkg/types"
)

// SkillSearcher is the slice of the skill library the memory facade needs
// for context enrichment. Declared here so memory does not depend on the
// skills package.
type SkillSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]*types.Skill, error)
}

// Architecture is the memory facade agents talk to: working memory through
// sessions, episodic and semantic tiers, and cross-tier context enrichment.
type Architecture struct {
	Sessions *SessionManager
	Episodic *EpisodicStore
	Semantic *SemanticStore
	Skills   SkillSearcher
}

// NewArchitecture assembles the facade. skills may be nil; enriched context
// then omits skill suggestions.
func NewArchitecture(sessions *SessionManager, episodic *EpisodicStore, semantic *SemanticStore, skills SkillSearcher) *Architecture {
	return &Architecture{
		Sessions: sessions,
		Episodic: episodic,
		Semantic: semantic,
		Skills:   skills,
	}
}

// AddStep records a step into the session's working memory.
func (a *Architecture) AddStep(ctx context.Context, sessionID, agentID string, step types.Step) error {
	return a.Sessions.AddStep(ctx, sessionID, agentID, step)
}

// Context returns the last k steps of a session.
func (a *Architecture) Context(sessionID string, k int) ([]types.Step, error) {
	return a.Sessions.Context(sessionID, k)
}

// SaveEpisode persists an episode.
func (a *Architecture) SaveEpisode(ctx context.Context, e *types.Episode) (*types.Episode, error) {
	return a.Episodic.Add(ctx, e)
}

// GetEpisode fetches one episode.
func (a *Architecture) GetEpisode(ctx context.Context, memoryID string) (*types.Episode, error) {
	return a.Episodic.Get(ctx, memoryID)
}

// QueryEpisodes filters episodes.
func (a *Architecture) QueryEpisodes(ctx context.Context, filter types.EpisodeFilter, limit int) ([]*types.Episode, error) {
	return a.Episodic.Query(ctx, filter, limit)
}

// SearchEpisodes retrieves episodes by similarity.
func (a *Architecture) SearchEpisodes(ctx context.Context, query string, limit int) ([]*types.Episode, error) {
	return a.Episodic.Search(ctx, query, limit)
}

// SavePattern persists a semantic pattern.
func (a *Architecture) SavePattern(ctx context.Context, p *types.SemanticPattern) (*types.SemanticPattern, error) {
	return a.Semantic.Add(ctx, p)
}

// ReinforcePattern adds support to a pattern.
func (a *Architecture) ReinforcePattern(ctx context.Context, memoryID string, deltaSupport int) (*types.SemanticPattern, error) {
	return a.Semantic.Reinforce(ctx, memoryID, deltaSupport)
}

// SearchPatterns retrieves patterns by similarity.
func (a *Architecture) SearchPatterns(ctx context.Context, query string, limit int) ([]*types.SemanticPattern, error) {
	return a.Semantic.Search(ctx, query, limit)
}

// EnrichedContext is the cross-tier bundle handed to an agent before it
// acts: what it just did, what similar attempts looked like, what is known,
// and which skills might apply.
type EnrichedContext struct {
	RecentSteps []types.Step             `json:"recent_steps"`
	Episodes    []*types.Episode         `json:"episodes,omitempty"`
	Patterns    []*types.SemanticPattern `json:"patterns,omitempty"`
	Skills      []*types.Skill           `json:"skills,omitempty"`
}

// EnrichedContext gathers recent steps plus per-tier retrieval results for
// a query. Tier lookups are independent; a failure in one tier degrades the
// bundle instead of failing it, except when every tier fails.
func (a *Architecture) EnrichedContext(ctx context.Context, sessionID, query string, k, perTierLimit int) (*EnrichedContext, error) {
	if perTierLimit <= 0 {
		perTierLimit = 5
	}

	out := &EnrichedContext{}
	if steps, err := a.Sessions.Context(sessionID, k); err == nil {
		out.RecentSteps = steps
	}

	var firstErr error
	ok := false

	if eps, err := a.Episodic.Search(ctx, query, perTierLimit); err == nil {
		out.Episodes = eps
		ok = true
	} else if firstErr == nil {
		firstErr = err
	}

	if pats, err := a.Semantic.Search(ctx, query, perTierLimit); err == nil {
		out.Patterns = pats
		ok = true
	} else if firstErr == nil {
		firstErr = err
	}

	if a.Skills != nil {
		if skills, err := a.Skills.Search(ctx, query, perTierLimit); err == nil {
			out.Skills = skills
			ok = true
		} else if firstErr == nil {
			firstErr = err
		}
	}

	if !ok && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
