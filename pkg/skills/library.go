package skills

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/engramlabs/engram/pkg/errdefs"
	"github.com/engramlabs/engram/pkg/log"
	"github.com/engramlabs/engram/pkg/metrics"
	"github.com/engramlabs/engram/pkg/types"
)

// Library is the user-facing facade over the skill store, the action
// registry, and the on-disk history log. Execution statistics are recorded
// for every run, successful or not.
type Library struct {
	store    *Store
	registry *Registry
	history  *HistoryLog

	maxConcurrency int
	logger         zerolog.Logger
}

// NewLibrary assembles the facade. maxConcurrency bounds batch execution;
// requests above it are rejected rather than queued silently.
func NewLibrary(store *Store, registry *Registry, history *HistoryLog, maxConcurrency int) *Library {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Library{
		store:          store,
		registry:       registry,
		history:        history,
		maxConcurrency: maxConcurrency,
		logger:         log.WithComponent("library"),
	}
}

// Registry exposes the action registry for callers that register actions.
func (l *Library) Registry() *Registry { return l.registry }

// Add stores a skill revision. With validate set, the skill is promoted to
// active (subject to name uniqueness); otherwise it keeps its declared
// status. expectedVersion, when positive, enables optimistic locking: the
// stored version must match or VersionConflict is returned. The superseded
// revision is archived and appended to the history log.
func (l *Library) Add(ctx context.Context, skill *types.Skill, validate bool, expectedVersion int) (*types.Skill, error) {
	sk := skill.Clone()
	if validate {
		sk.Status = types.SkillStatusActive
	}

	stored, err := l.store.Add(ctx, sk, expectedVersion)
	if err != nil {
		return nil, err
	}

	if stored.Version > 1 && l.history != nil {
		prior, err := l.store.GetVersion(ctx, stored.SkillID, stored.Version-1)
		if err == nil {
			if err := l.history.Append(ctx, prior); err != nil {
				l.logger.Warn().Str("skill_id", stored.SkillID).Err(err).Msg("history append failed")
			}
		}
	}
	return stored, nil
}

// BatchAdd stores several skills, returning the per-skill outcome keyed by
// skill id. One failure does not stop the rest.
func (l *Library) BatchAdd(ctx context.Context, skills []*types.Skill, validate bool) map[string]error {
	out := make(map[string]error, len(skills))
	for _, sk := range skills {
		if sk.SkillID == "" {
			sk.SkillID = uuid.NewString()
		}
		_, err := l.Add(ctx, sk, validate, 0)
		out[sk.SkillID] = err
	}
	return out
}

// Get returns a skill by id.
func (l *Library) Get(ctx context.Context, skillID string) (*types.Skill, error) {
	return l.store.Get(ctx, skillID)
}

// GetByName returns the active skill with that name.
func (l *Library) GetByName(ctx context.Context, name string) (*types.Skill, error) {
	return l.store.GetByName(ctx, name)
}

// Search retrieves non-deprecated skills by text similarity.
func (l *Library) Search(ctx context.Context, query string, limit int) ([]*types.Skill, error) {
	return l.store.Search(ctx, query, limit)
}

// Query filters skills.
func (l *Library) Query(ctx context.Context, filter types.SkillFilter, limit int) ([]*types.Skill, error) {
	return l.store.Query(ctx, filter, limit)
}

// GetVersion returns one revision of a skill.
func (l *Library) GetVersion(ctx context.Context, skillID string, version int) (*types.SkillVersion, error) {
	return l.store.GetVersion(ctx, skillID, version)
}

// GetVersionHistory returns a skill's archived revisions, oldest first.
func (l *Library) GetVersionHistory(ctx context.Context, skillID string) ([]*types.SkillVersion, error) {
	return l.store.GetVersionHistory(ctx, skillID)
}

// Deprecate retires a skill, optionally naming an active replacement.
// Idempotent.
func (l *Library) Deprecate(ctx context.Context, skillID, replacementID string) error {
	return l.store.Deprecate(ctx, skillID, replacementID)
}

// Execute runs an active skill's action sequence against the given context
// map under a per-execution deadline. Parameter validation fails fast before
// any step runs; step outputs are written back into the context map under
// the step's name. The execution is recorded in the skill's statistics
// whether it succeeds or not.
func (l *Library) Execute(ctx context.Context, skillID string, execCtx map[string]any, timeout time.Duration) (map[string]any, error) {
	sk, err := l.store.Get(ctx, skillID)
	if err != nil {
		return nil, err
	}
	if sk.Status != types.SkillStatusActive {
		return nil, errdefs.Validation("skill %s is %s, not active", skillID, sk.Status)
	}
	if execCtx == nil {
		execCtx = make(map[string]any)
	}

	// Fail fast: every step's declared parameters are checked before the
	// first action runs, so a bad call leaves no partial effects.
	for _, step := range sk.ActionSequence {
		if err := validateParams(step, execCtx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	runErr := l.runSequence(ctx, sk, execCtx, timeout)
	elapsed := time.Since(start)

	outcome := "success"
	switch {
	case errdefs.IsTimeout(runErr):
		outcome = "timeout"
	case runErr != nil:
		outcome = "error"
	}
	metrics.SkillExecutionsTotal.WithLabelValues(outcome).Inc()
	metrics.SkillExecutionDuration.Observe(elapsed.Seconds())

	// Statistics are recorded against the caller's context, not the expired
	// per-execution one.
	if _, recErr := l.store.RecordExecution(ctx, skillID, runErr == nil, elapsed); recErr != nil {
		l.logger.Warn().Str("skill_id", skillID).Err(recErr).Msg("record execution failed")
	}

	if runErr != nil {
		return nil, runErr
	}
	return execCtx, nil
}

func (l *Library) runSequence(ctx context.Context, sk *types.Skill, execCtx map[string]any, timeout time.Duration) (err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = errdefs.Internal("skill %s panicked: %v", sk.SkillID, r)
		}
	}()

	for _, step := range sk.ActionSequence {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return deadlineError(sk.SkillID, step.Name, ctxErr)
		}
		fn, ok := l.registry.Lookup(step.Action)
		if !ok {
			return errdefs.Validation("skill %s step %q: unregistered action %q", sk.SkillID, step.Name, step.Action)
		}
		out, stepErr := fn(ctx, execCtx)
		if stepErr != nil {
			if errors.Is(stepErr, context.DeadlineExceeded) {
				return deadlineError(sk.SkillID, step.Name, stepErr)
			}
			return stepErr
		}
		if step.Name != "" {
			execCtx[step.Name] = out
		}
	}
	return nil
}

func deadlineError(skillID, step string, cause error) error {
	if errors.Is(cause, context.Canceled) {
		return cause
	}
	return errdefs.Timeout("skill %s step %q exceeded its deadline", skillID, step)
}

// ExecutionRequest pairs a skill with its execution context for batching.
type ExecutionRequest struct {
	SkillID string
	Context map[string]any
}

// ExecutionResult is one batch member's outcome. Exactly one of Output and
// Err is meaningful.
type ExecutionResult struct {
	SkillID string
	Output  map[string]any
	Err     error
}

// BatchExecute runs up to maxConcurrent executions in parallel and returns
// exactly one result per request, in request order. A panic or failure in
// one member never affects the others.
func (l *Library) BatchExecute(ctx context.Context, reqs []ExecutionRequest, timeoutPer time.Duration, maxConcurrent int) ([]ExecutionResult, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = l.maxConcurrency
	}
	if maxConcurrent > l.maxConcurrency {
		return nil, errdefs.Validation("max_concurrent %d exceeds limit %d", maxConcurrent, l.maxConcurrency)
	}

	results := make([]ExecutionResult, len(reqs))
	sem := semaphore.NewWeighted(int64(maxConcurrent))
	var wg sync.WaitGroup

	for i, req := range reqs {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = ExecutionResult{SkillID: req.SkillID, Err: err}
			continue
		}
		wg.Add(1)
		go func(i int, req ExecutionRequest) {
			defer wg.Done()
			defer sem.Release(1)
			out, err := l.Execute(ctx, req.SkillID, req.Context, timeoutPer)
			results[i] = ExecutionResult{SkillID: req.SkillID, Output: out, Err: err}
		}(i, req)
	}
	wg.Wait()
	return results, nil
}

// StepStatus reports what happened to one composition member.
type StepStatus string

const (
	StepExecuted StepStatus = "executed"
	StepSkipped  StepStatus = "skipped"
	StepFailed   StepStatus = "failed"
)

// CompositionStep is the per-member report of a composition.
type CompositionStep struct {
	SkillID string
	Status  StepStatus
	Err     error
}

// Composition is the result of composing skills in order. FailedIndex is -1
// when every member either executed or was skipped.
type Composition struct {
	Steps       []CompositionStep
	FailedIndex int
	Context     map[string]any
}

// Compose executes skills strictly in order, threading one shared mutable
// context through the sequence. A recoverable failure skips that member; any
// other failure stops the composition, reporting the failing index. Members
// after a failure are reported as skipped.
func (l *Library) Compose(ctx context.Context, skillIDs []string, shared map[string]any, timeoutPer time.Duration) (*Composition, error) {
	if shared == nil {
		shared = make(map[string]any)
	}
	comp := &Composition{
		Steps:       make([]CompositionStep, len(skillIDs)),
		FailedIndex: -1,
		Context:     shared,
	}

	for i, id := range skillIDs {
		if comp.FailedIndex >= 0 {
			comp.Steps[i] = CompositionStep{SkillID: id, Status: StepSkipped}
			continue
		}
		_, err := l.Execute(ctx, id, shared, timeoutPer)
		switch {
		case err == nil:
			comp.Steps[i] = CompositionStep{SkillID: id, Status: StepExecuted}
		case IsRecoverable(err):
			comp.Steps[i] = CompositionStep{SkillID: id, Status: StepSkipped, Err: err}
		default:
			comp.Steps[i] = CompositionStep{SkillID: id, Status: StepFailed, Err: err}
			comp.FailedIndex = i
		}
	}
	return comp, nil
}
