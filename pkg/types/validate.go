package types

import (
	"github.com/engramlabs/engram/pkg/errdefs"
)

// Validate checks the step's field constraints.
func (s *Step) Validate() error {
	if s.StepID == "" {
		return errdefs.Validation("step_id is required")
	}
	if s.SessionID == "" {
		return errdefs.Validation("session_id is required")
	}
	if s.Action == "" {
		return errdefs.Validation("action is required")
	}
	if s.Importance < 0 || s.Importance > 1 {
		return errdefs.Validation("importance %.3f out of range [0,1]", s.Importance)
	}
	return nil
}

// Validate checks the episode's required fields and invariants.
func (e *Episode) Validate() error {
	if e.MemoryID == "" {
		return errdefs.Validation("memory_id is required")
	}
	if e.SessionID == "" {
		return errdefs.Validation("session_id is required")
	}
	if e.TaskPrompt == "" {
		return errdefs.Validation("task_prompt is required")
	}
	if e.DurationSeconds < 0 {
		return errdefs.Validation("duration_seconds %.3f must be >= 0", e.DurationSeconds)
	}
	if e.Importance < 0 || e.Importance > 1 {
		return errdefs.Validation("importance %.3f out of range [0,1]", e.Importance)
	}
	return nil
}

// Validate checks the pattern's required fields and invariants.
func (p *SemanticPattern) Validate() error {
	if p.MemoryID == "" {
		return errdefs.Validation("memory_id is required")
	}
	if p.Content == "" {
		return errdefs.Validation("content is required")
	}
	switch p.Kind {
	case PatternProcedure, PatternConstraint, PatternFact:
	default:
		return errdefs.Validation("unknown pattern kind %q", p.Kind)
	}
	if p.SupportCount < 1 {
		return errdefs.Validation("support_count %d must be >= 1", p.SupportCount)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return errdefs.Validation("confidence %.3f out of range [0,1]", p.Confidence)
	}
	return nil
}

// Validate checks the skill's required fields and invariants. It does not
// check name uniqueness; that requires the store's write lock.
func (s *Skill) Validate() error {
	if s.SkillID == "" {
		return errdefs.Validation("skill_id is required")
	}
	if s.Name == "" {
		return errdefs.Validation("name is required")
	}
	if !SkillCategories[s.Category] {
		return errdefs.Validation("unknown category %q", s.Category)
	}
	switch s.Status {
	case SkillStatusDraft, SkillStatusActive, SkillStatusDeprecated:
	default:
		return errdefs.Validation("unknown status %q", s.Status)
	}
	if len(s.ActionSequence) == 0 {
		return errdefs.Validation("action_sequence must not be empty")
	}
	for i, step := range s.ActionSequence {
		if step.Action == "" {
			return errdefs.Validation("action_sequence[%d]: action is required", i)
		}
		for _, p := range step.Params {
			switch p.Type {
			case ParamString, ParamNumber, ParamBool:
			default:
				return errdefs.Validation("action_sequence[%d] param %q: unknown type %q", i, p.Name, p.Type)
			}
		}
	}
	if s.SuccessRate < 0 || s.SuccessRate > 1 {
		return errdefs.Validation("success_rate %.3f out of range [0,1]", s.SuccessRate)
	}
	if s.AvgDuration < 0 {
		return errdefs.Validation("avg_duration %.3f must be >= 0", s.AvgDuration)
	}
	if s.UsageCount < 0 {
		return errdefs.Validation("usage_count %d must be >= 0", s.UsageCount)
	}
	if s.Version < 1 {
		return errdefs.Validation("version %d must be >= 1", s.Version)
	}
	return nil
}
