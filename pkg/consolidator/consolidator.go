// Package consolidator promotes recurring episodic outcomes into semantic
// patterns. One periodic, single-flight pass samples unconsolidated
// episodes, clusters them by tag set and outcome similarity, creates or
// reinforces procedure patterns, marks the sources consolidated in batches,
// and finally decays long-unreinforced pattern confidence.
package consolidator

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/engramlabs/engram/pkg/index"
	"github.com/engramlabs/engram/pkg/log"
	"github.com/engramlabs/engram/pkg/memory"
	"github.com/engramlabs/engram/pkg/metrics"
	"github.com/engramlabs/engram/pkg/types"
)

// Config tunes the consolidation worker.
type Config struct {
	// Interval between automatic passes.
	Interval time.Duration
	// DuplicateThreshold is the outcome cosine similarity above which two
	// episodes belong to the same cluster.
	DuplicateThreshold float64
	// MinClusterSize is the smallest cluster promoted to a pattern.
	MinClusterSize int
	// SampleLimit bounds how many unconsolidated episodes one pass examines.
	SampleLimit int
	// BatchSize bounds how many episodes are marked consolidated per write
	// lock acquisition.
	BatchSize int
	// DecayWindow and DecayFactor drive the trailing confidence-decay pass.
	// A zero window disables decay.
	DecayWindow time.Duration
	DecayFactor float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Interval:           300 * time.Second,
		DuplicateThreshold: 0.9,
		MinClusterSize:     2,
		SampleLimit:        100,
		BatchSize:          20,
		DecayWindow:        60 * 24 * time.Hour,
		DecayFactor:        0.95,
	}
}

// Report summarizes one consolidation pass.
type Report struct {
	EpisodesExamined     int
	PatternsCreated      int
	PatternsReinforced   int
	EpisodesConsolidated int
	PatternsDecayed      int
}

// Consolidator periodically promotes recurring episodic outcomes into
// semantic patterns. Passes are single-flight: a pass that starts while
// another is running aborts immediately instead of queueing.
type Consolidator struct {
	cfg      Config
	episodic *memory.EpisodicStore
	semantic *memory.SemanticStore
	logger   zerolog.Logger
	now      func() time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires a consolidator over the episodic and semantic tiers.
func New(cfg Config, episodic *memory.EpisodicStore, semantic *memory.SemanticStore) *Consolidator {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.DuplicateThreshold <= 0 || cfg.DuplicateThreshold > 1 {
		cfg.DuplicateThreshold = def.DuplicateThreshold
	}
	if cfg.MinClusterSize < 2 {
		cfg.MinClusterSize = def.MinClusterSize
	}
	if cfg.SampleLimit <= 0 {
		cfg.SampleLimit = def.SampleLimit
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Consolidator{
		cfg:      cfg,
		episodic: episodic,
		semantic: semantic,
		logger:   log.WithComponent("consolidator"),
		now:      time.Now,
	}
}

// Start launches the periodic worker.
func (c *Consolidator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
					c.logger.Error().Err(err).Msg("consolidation pass failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the worker and waits for an in-flight pass to finish.
func (c *Consolidator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// RunOnce executes a single consolidation pass. A concurrent invocation
// returns immediately with an empty report.
func (c *Consolidator) RunOnce(ctx context.Context) (*Report, error) {
	if !c.running.CompareAndSwap(false, true) {
		metrics.ConsolidationSkippedTotal.Inc()
		c.logger.Debug().Msg("consolidation already in flight, skipping")
		return &Report{}, nil
	}
	defer c.running.Store(false)

	start := time.Now()
	report, err := c.pass(ctx)
	elapsed := time.Since(start)

	if err == nil {
		metrics.ConsolidationCyclesTotal.Inc()
		metrics.ConsolidationDuration.Observe(elapsed.Seconds())
		c.logger.Info().
			Int("examined", report.EpisodesExamined).
			Int("created", report.PatternsCreated).
			Int("reinforced", report.PatternsReinforced).
			Int("consolidated", report.EpisodesConsolidated).
			Dur("elapsed", elapsed).
			Msg("consolidation pass complete")
	}
	return report, err
}

func (c *Consolidator) pass(ctx context.Context) (*Report, error) {
	report := &Report{}

	// Sample under a read lock only; promotion and marking re-acquire locks
	// per batch so readers are never starved across the whole pass.
	sample, err := c.sample(ctx)
	if err != nil {
		return report, err
	}
	report.EpisodesExamined = len(sample)

	for _, cluster := range c.cluster(sample) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		created, err := c.promote(ctx, cluster)
		if err != nil {
			return report, err
		}
		if created {
			report.PatternsCreated++
		} else {
			report.PatternsReinforced++
		}
		metrics.PatternsPromotedTotal.Inc()

		marked, err := c.markConsolidated(ctx, cluster)
		if err != nil {
			return report, err
		}
		report.EpisodesConsolidated += marked
	}

	if c.cfg.DecayWindow > 0 {
		cutoff := c.now().Add(-c.cfg.DecayWindow)
		n, err := c.semantic.Decay(ctx, cutoff, c.cfg.DecayFactor)
		if err != nil {
			return report, err
		}
		report.PatternsDecayed = n
	}
	return report, nil
}

// sample returns successful, unconsolidated episodes, at most SampleLimit.
func (c *Consolidator) sample(ctx context.Context) ([]*types.Episode, error) {
	episodes, err := c.episodic.Query(ctx, types.EpisodeFilter{}, c.cfg.SampleLimit)
	if err != nil {
		return nil, err
	}
	out := episodes[:0]
	for _, ep := range episodes {
		if ep.Success && !ep.Consolidated {
			out = append(out, ep)
		}
	}
	return out, nil
}

// cluster groups episodes by identical tag set, then splits each group by
// outcome similarity against the group's first member. Only clusters of at
// least MinClusterSize survive. Output order is deterministic.
func (c *Consolidator) cluster(episodes []*types.Episode) [][]*types.Episode {
	byTags := make(map[string][]*types.Episode)
	var keys []string
	for _, ep := range episodes {
		key := tagKey(ep.Tags)
		if key == "" {
			continue
		}
		if _, seen := byTags[key]; !seen {
			keys = append(keys, key)
		}
		byTags[key] = append(byTags[key], ep)
	}
	sort.Strings(keys)

	var clusters [][]*types.Episode
	for _, key := range keys {
		group := byTags[key]
		sort.Slice(group, func(i, j int) bool { return group[i].MemoryID < group[j].MemoryID })

		used := make([]bool, len(group))
		for i := range group {
			if used[i] {
				continue
			}
			cluster := []*types.Episode{group[i]}
			used[i] = true
			for j := i + 1; j < len(group); j++ {
				if used[j] {
					continue
				}
				if cosine(group[i].Outcome, group[j].Outcome) >= c.cfg.DuplicateThreshold {
					cluster = append(cluster, group[j])
					used[j] = true
				}
			}
			if len(cluster) >= c.cfg.MinClusterSize {
				clusters = append(clusters, cluster)
			}
		}
	}
	return clusters
}

// promote creates or reinforces the procedure pattern for a cluster.
// Reports whether a new pattern was created.
func (c *Consolidator) promote(ctx context.Context, cluster []*types.Episode) (bool, error) {
	content := patternContent(cluster)
	ids := make([]string, len(cluster))
	for i, ep := range cluster {
		ids[i] = ep.MemoryID
	}

	if existing, err := c.findPattern(ctx, content); err != nil {
		return false, err
	} else if existing != "" {
		_, err := c.semantic.ReinforceWith(ctx, existing, ids)
		return false, err
	}

	_, err := c.semantic.Add(ctx, &types.SemanticPattern{
		Kind:         types.PatternProcedure,
		Content:      content,
		SupportCount: len(cluster),
		DerivedFrom:  ids,
	})
	return err == nil, err
}

// findPattern locates an existing pattern with exactly this content.
// Content is deterministic per cluster identity, so repeated passes converge
// on one pattern instead of minting duplicates.
func (c *Consolidator) findPattern(ctx context.Context, content string) (string, error) {
	candidates, err := c.semantic.Query(ctx, types.PatternFilter{Kind: types.PatternProcedure}, 100)
	if err != nil {
		return "", err
	}
	for _, p := range candidates {
		if p.Content == content {
			return p.MemoryID, nil
		}
	}
	return "", nil
}

// markConsolidated flips the consolidated flag on each cluster member in
// batches, releasing the write lock between batches.
func (c *Consolidator) markConsolidated(ctx context.Context, cluster []*types.Episode) (int, error) {
	marked := 0
	for start := 0; start < len(cluster); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(cluster) {
			end = len(cluster)
		}
		for _, ep := range cluster[start:end] {
			consolidated := true
			state := types.EpisodeStateConsolidated
			derived := ep.DerivedPatterns + 1
			_, err := c.episodic.Update(ctx, ep.MemoryID, memory.EpisodeUpdate{
				Consolidated:    &consolidated,
				State:           &state,
				DerivedPatterns: &derived,
			})
			if err != nil {
				return marked, err
			}
			marked++
		}
	}
	return marked, nil
}

// tagKey canonicalizes a tag set: lowercased, sorted, deduplicated.
func tagKey(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	seen := make(map[string]bool, len(tags))
	norm := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && !seen[t] {
			seen[t] = true
			norm = append(norm, t)
		}
	}
	sort.Strings(norm)
	return strings.Join(norm, ",")
}

// patternContent derives the content for a cluster from its canonical tag
// set alone. Member outcomes stay out of the content so later clusters with
// the same tags reinforce the existing pattern instead of minting a near
// duplicate.
func patternContent(cluster []*types.Episode) string {
	return "tasks tagged [" + tagKey(cluster[0].Tags) + "] reliably succeed"
}

// cosine measures term-frequency similarity between two outcome texts.
func cosine(a, b string) float64 {
	ta := termFreq(a)
	tb := termFreq(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	var dot, na, nb float64
	for term, wa := range ta {
		na += wa * wa
		if wb, ok := tb[term]; ok {
			dot += wa * wb
		}
	}
	for _, wb := range tb {
		nb += wb * wb
	}
	if dot == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func termFreq(text string) map[string]float64 {
	terms := make(map[string]float64)
	for _, tok := range index.Tokenize(text) {
		terms[tok]++
	}
	return terms
}
