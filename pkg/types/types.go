package types

import (
	"time"
)

// SchemaVersion is stamped on every persisted record so stored payloads can
// be migrated forward when the record shape changes.
const SchemaVersion = 1

// ToolCall is a single tool invocation recorded within a step.
type ToolCall struct {
	Name      string         `json:"name" cbor:"1,keyasint"`
	Arguments map[string]any `json:"arguments,omitempty" cbor:"2,keyasint,omitempty"`
}

// Step is a single agent action. Steps are immutable after creation and are
// owned by the session that produced them.
type Step struct {
	SchemaVersion int        `json:"schema_version" cbor:"1,keyasint"`
	StepID        string     `json:"step_id" cbor:"2,keyasint"`
	SessionID     string     `json:"session_id" cbor:"3,keyasint"`
	Timestamp     time.Time  `json:"timestamp" cbor:"4,keyasint"`
	Action        string     `json:"action" cbor:"5,keyasint"`
	Observation   string     `json:"observation" cbor:"6,keyasint"`
	Reasoning     string     `json:"reasoning,omitempty" cbor:"7,keyasint,omitempty"`
	ToolCalls     []ToolCall `json:"tool_calls,omitempty" cbor:"8,keyasint,omitempty"`
	Success       bool       `json:"success" cbor:"9,keyasint"`
	Importance    float64    `json:"importance" cbor:"10,keyasint"`
}

// EpisodeState tracks the lifecycle of an episode.
type EpisodeState string

const (
	EpisodeStateCreated      EpisodeState = "created"
	EpisodeStateScored       EpisodeState = "scored"
	EpisodeStateConsolidated EpisodeState = "consolidated"
	EpisodeStateArchived     EpisodeState = "archived"
)

// Episode records the outcome of one task attempt. Episodes are shared
// resources: no single agent owns them and every write passes through the
// write lock on the episodic resource.
type Episode struct {
	SchemaVersion   int          `json:"schema_version" cbor:"1,keyasint"`
	MemoryID        string       `json:"memory_id" cbor:"2,keyasint"`
	SessionID       string       `json:"session_id" cbor:"3,keyasint"`
	TaskPrompt      string       `json:"task_prompt" cbor:"4,keyasint"`
	Outcome         string       `json:"outcome" cbor:"5,keyasint"`
	Success         bool         `json:"success" cbor:"6,keyasint"`
	DurationSeconds float64      `json:"duration_seconds" cbor:"7,keyasint"`
	CreatedAt       time.Time    `json:"created_at" cbor:"8,keyasint"`
	Tags            []string     `json:"tags,omitempty" cbor:"9,keyasint,omitempty"`
	Importance      float64      `json:"importance" cbor:"10,keyasint"`
	Steps           []Step       `json:"steps,omitempty" cbor:"11,keyasint,omitempty"`
	Score           float64      `json:"score" cbor:"12,keyasint"`
	State           EpisodeState `json:"state" cbor:"13,keyasint"`
	Consolidated    bool         `json:"consolidated" cbor:"14,keyasint"`
	// DerivedPatterns counts semantic patterns distilled from this episode.
	// Feeds the utility term of the score.
	DerivedPatterns int `json:"derived_patterns" cbor:"15,keyasint"`
}

// PatternKind classifies a semantic pattern.
type PatternKind string

const (
	PatternProcedure  PatternKind = "procedure"
	PatternConstraint PatternKind = "constraint"
	PatternFact       PatternKind = "fact"
)

// SemanticPattern is generalized knowledge distilled from one or more
// episodes. Confidence is monotone non-decreasing as support grows, subject
// to the consolidator's decay pass.
type SemanticPattern struct {
	SchemaVersion  int         `json:"schema_version" cbor:"1,keyasint"`
	MemoryID       string      `json:"memory_id" cbor:"2,keyasint"`
	Kind           PatternKind `json:"kind" cbor:"3,keyasint"`
	Content        string      `json:"content" cbor:"4,keyasint"`
	SupportCount   int         `json:"support_count" cbor:"5,keyasint"`
	Confidence     float64     `json:"confidence" cbor:"6,keyasint"`
	DerivedFrom    []string    `json:"derived_from,omitempty" cbor:"7,keyasint,omitempty"`
	CreatedAt      time.Time   `json:"created_at" cbor:"8,keyasint"`
	UpdatedAt      time.Time   `json:"updated_at" cbor:"9,keyasint"`
	LastReinforced time.Time   `json:"last_reinforced" cbor:"10,keyasint"`
}

// SkillStatus is the lifecycle state of a skill.
type SkillStatus string

const (
	SkillStatusDraft      SkillStatus = "draft"
	SkillStatusActive     SkillStatus = "active"
	SkillStatusDeprecated SkillStatus = "deprecated"
)

// ParamType constrains a skill action parameter.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamNumber ParamType = "number"
	ParamBool   ParamType = "bool"
)

// ActionParam declares one typed parameter of an action step.
type ActionParam struct {
	Name     string    `json:"name" cbor:"1,keyasint"`
	Type     ParamType `json:"type" cbor:"2,keyasint"`
	Required bool      `json:"required" cbor:"3,keyasint"`
	Default  any       `json:"default,omitempty" cbor:"4,keyasint,omitempty"`
}

// ActionStep is one named step in a skill's action sequence.
type ActionStep struct {
	Name   string        `json:"name" cbor:"1,keyasint"`
	Action string        `json:"action" cbor:"2,keyasint"`
	Params []ActionParam `json:"params,omitempty" cbor:"3,keyasint,omitempty"`
}

// Skill is a named, versioned, reusable sequence of parameterized actions.
// Name is unique among skills with StatusActive; Version increases by exactly
// one on any accepted update.
type Skill struct {
	SchemaVersion  int          `json:"schema_version" cbor:"1,keyasint"`
	SkillID        string       `json:"skill_id" cbor:"2,keyasint"`
	Name           string       `json:"name" cbor:"3,keyasint"`
	Description    string       `json:"description" cbor:"4,keyasint"`
	Category       string       `json:"category" cbor:"5,keyasint"`
	Status         SkillStatus  `json:"status" cbor:"6,keyasint"`
	ActionSequence []ActionStep `json:"action_sequence" cbor:"7,keyasint"`
	Preconditions  []string     `json:"preconditions,omitempty" cbor:"8,keyasint,omitempty"`
	Postconditions []string     `json:"postconditions,omitempty" cbor:"9,keyasint,omitempty"`
	Tags           []string     `json:"tags,omitempty" cbor:"10,keyasint,omitempty"`
	SuccessRate    float64      `json:"success_rate" cbor:"11,keyasint"`
	AvgDuration    float64      `json:"avg_duration" cbor:"12,keyasint"`
	UsageCount     int          `json:"usage_count" cbor:"13,keyasint"`
	SuccessCount   int          `json:"success_count" cbor:"14,keyasint"`
	Version        int          `json:"version" cbor:"15,keyasint"`
	ContentHash    string       `json:"content_hash" cbor:"16,keyasint"`
	CreatedAt      time.Time    `json:"created_at" cbor:"17,keyasint"`
	UpdatedAt      time.Time    `json:"updated_at" cbor:"18,keyasint"`
	ReplacedBy     string       `json:"replaced_by,omitempty" cbor:"19,keyasint,omitempty"`
}

// SkillVersion is an immutable record of a prior skill revision, keyed by
// (skill_id, version).
type SkillVersion struct {
	SkillID     string    `json:"skill_id"`
	Version     int       `json:"version"`
	ContentHash string    `json:"content_hash"`
	SavedAt     time.Time `json:"saved_at"`
	Skill       Skill     `json:"skill"`
}

// Session is an agent's working context for one task. Working memory is
// per-agent and never globally shared.
type Session struct {
	SessionID    string    `json:"session_id"`
	AgentID      string    `json:"agent_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// SkillCategories is the closed set of valid skill categories.
var SkillCategories = map[string]bool{
	"navigation":  true,
	"extraction":  true,
	"form":        true,
	"auth":        true,
	"download":    true,
	"interaction": true,
	"composite":   true,
	"general":     true,
}

// EpisodeFilter selects episodes in Query operations.
type EpisodeFilter struct {
	SessionID string
	MinScore  float64
	After     time.Time
	Before    time.Time
	Tags      []string
}

// PatternFilter selects semantic patterns in Query operations.
type PatternFilter struct {
	Kind          PatternKind
	MinConfidence float64
	MinSupport    int
}

// SkillFilter selects skills in Query and Search operations.
type SkillFilter struct {
	Category string
	Status   SkillStatus
	Tags     []string
}

// Clone returns a deep copy of the episode, detaching steps and tags.
func (e *Episode) Clone() *Episode {
	out := *e
	out.Tags = append([]string(nil), e.Tags...)
	out.Steps = append([]Step(nil), e.Steps...)
	return &out
}

// Clone returns a deep copy of the pattern.
func (p *SemanticPattern) Clone() *SemanticPattern {
	out := *p
	out.DerivedFrom = append([]string(nil), p.DerivedFrom...)
	return &out
}

// Clone returns a deep copy of the skill, detaching the action sequence.
func (s *Skill) Clone() *Skill {
	out := *s
	out.ActionSequence = make([]ActionStep, len(s.ActionSequence))
	for i, st := range s.ActionSequence {
		cp := st
		cp.Params = append([]ActionParam(nil), st.Params...)
		out.ActionSequence[i] = cp
	}
	out.Preconditions = append([]string(nil), s.Preconditions...)
	out.Postconditions = append([]string(nil), s.Postconditions...)
	out.Tags = append([]string(nil), s.Tags...)
	return &out
}
