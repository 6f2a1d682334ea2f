package backend

import "fmt"

// Tier identifies one memory tier in the shared KV namespace.
type Tier string

const (
	TierWorking  Tier = "working"
	TierEpisodic Tier = "episodic"
	TierSemantic Tier = "semantic"
	TierSkill    Tier = "skill"
	TierSession  Tier = "session"
)

// Op labels the change carried by a bus notice.
type Op string

const (
	OpAdded   Op = "added"
	OpUpdated Op = "updated"
	OpDeleted Op = "deleted"
)

// Notice is the cross-instance invalidation payload published on the tier
// channels. SourceInstance lets subscribers drop their own echoes.
type Notice struct {
	Op             Op     `json:"op"`
	ID             string `json:"id"`
	SourceInstance string `json:"source_instance"`
}

// Shared-KV key builders. Cache keys are identical to KV keys so a single
// bus notice invalidates both layers.

func EpisodeKey(id string) string { return "memory:episodic:" + id }

func PatternKey(id string) string { return "memory:semantic:" + id }

func SkillKey(id string) string { return "memory:skill:" + id }

// SkillNameKey maps an active skill name to its id.
func SkillNameKey(name string) string { return "skill:name:" + name }

func SessionKey(id string) string { return "session:" + id }

func WorkingKey(agentID, stepID string) string {
	return fmt.Sprintf("agent:%s:working:%s", agentID, stepID)
}

// Channel returns the pub/sub channel for a tier.
func Channel(tier Tier) string { return "agent:memory:" + string(tier) }

// Channels lists every bus channel the adapter subscribes to.
func Channels() []string {
	return []string{
		Channel(TierEpisodic),
		Channel(TierSemantic),
		Channel(TierSkill),
	}
}

func keyFor(tier Tier, id string) string {
	switch tier {
	case TierEpisodic:
		return EpisodeKey(id)
	case TierSemantic:
		return PatternKey(id)
	case TierSkill:
		return SkillKey(id)
	case TierSession:
		return SessionKey(id)
	default:
		return string(tier) + ":" + id
	}
}
