package skills

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/engramlabs/engram/pkg/errdefs"
	"github.com/engramlabs/engram/pkg/locking"
	"github.com/engramlabs/engram/pkg/types"
)

// ResourceSkillHistory guards the on-disk history log across processes.
const ResourceSkillHistory = "skill_library:file"

// HistoryLog is the append-only audit trail of skill revisions, one JSON
// line per archived version in <dir>/<skill_id>.log. Appends run under a
// cross-process lock; the durable version bucket remains the structured
// source of truth.
type HistoryLog struct {
	dir   string
	locks *locking.Manager
}

// NewHistoryLog creates the log directory on first use. An empty dir
// disables the log entirely.
func NewHistoryLog(dir string, locks *locking.Manager) *HistoryLog {
	return &HistoryLog{dir: dir, locks: locks}
}

// Append writes one version record to the skill's log file.
func (l *HistoryLog) Append(ctx context.Context, v *types.SkillVersion) error {
	if l == nil || l.dir == "" {
		return nil
	}

	h, err := l.locks.ProcessLock(ctx, ResourceSkillHistory)
	if err != nil {
		return err
	}
	defer h.Release()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return errdefs.Internal("create history dir: %v", err)
	}
	f, err := os.OpenFile(filepath.Join(l.dir, v.SkillID+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errdefs.Internal("open history log: %v", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(v); err != nil {
		return errdefs.Internal("append history record: %v", err)
	}
	return f.Sync()
}

// Read returns every logged revision of a skill in append order. A missing
// log file yields an empty history, not an error.
func (l *HistoryLog) Read(ctx context.Context, skillID string) ([]*types.SkillVersion, error) {
	if l == nil || l.dir == "" {
		return nil, nil
	}

	h, err := l.locks.ProcessLock(ctx, ResourceSkillHistory)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	f, err := os.Open(filepath.Join(l.dir, skillID+".log"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errdefs.Internal("open history log: %v", err)
	}
	defer f.Close()

	var out []*types.SkillVersion
	dec := json.NewDecoder(f)
	for dec.More() {
		var v types.SkillVersion
		if err := dec.Decode(&v); err != nil {
			return nil, errdefs.Corruption("history log for %s: %v", skillID, err)
		}
		out = append(out, &v)
	}
	return out, nil
}
