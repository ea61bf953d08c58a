package moderation

import (
	"slices"
	"sort"
	"sync"
	"time"
)

const (
	defaultJobMax = 200
	defaultJobTTL = 24 * time.Hour
)

// JobFailure is a claimed group whose sweep ended in Error.
type JobFailure struct {
	GroupID int64  `json:"group_id"`
	Reason  string `json:"reason"`
}

// Job is the progress of one bulk clear request.
type Job struct {
	ID        string       `json:"id"`
	Requested []int64      `json:"requested"`
	Claimed   []int64      `json:"claimed"`
	Skipped   []int64      `json:"skipped"`
	Unknown   []int64      `json:"unknown"`
	Done      []int64      `json:"done"`
	Failed    []JobFailure `json:"failed"`
	Removed   int          `json:"removed"`
	CreatedAt time.Time    `json:"created_at"`
	DoneAt    time.Time    `json:"done_at,omitzero"`
	Running   bool         `json:"running"`
}

func (j *Job) clone() Job {
	cp := *j
	cp.Requested = slices.Clone(j.Requested)
	cp.Claimed = slices.Clone(j.Claimed)
	cp.Skipped = slices.Clone(j.Skipped)
	cp.Unknown = slices.Clone(j.Unknown)
	cp.Done = slices.Clone(j.Done)
	cp.Failed = slices.Clone(j.Failed)
	return cp
}

// jobTable keeps clear job progress bounded by age and count.
type jobTable struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	ttl  time.Duration
	max  int
}

func newJobTable(ttl time.Duration, max int) *jobTable {
	if ttl <= 0 {
		ttl = defaultJobTTL
	}
	if max <= 0 {
		max = defaultJobMax
	}
	return &jobTable{jobs: map[string]*Job{}, ttl: ttl, max: max}
}

func (t *jobTable) add(j *Job) {
	t.prune(j.CreatedAt)
	t.mu.Lock()
	t.jobs[j.ID] = j
	t.mu.Unlock()
}

func (t *jobTable) update(id string, fn func(j *Job)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j := t.jobs[id]; j != nil {
		fn(j)
	}
}

func (t *jobTable) get(id string) (Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.clone(), true
}

// prune drops finished jobs older than ttl, then the oldest finished jobs
// while the table is over max. Running jobs are never evicted.
func (t *jobTable) prune(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, j := range t.jobs {
		if !j.Running && now.Sub(j.finishedOrCreated()) > t.ttl {
			delete(t.jobs, id)
		}
	}
	over := len(t.jobs) - t.max + 1
	if over <= 0 {
		return
	}

	type cand struct {
		id string
		t  time.Time
	}
	cands := make([]cand, 0, len(t.jobs))
	for id, j := range t.jobs {
		if j.Running {
			continue
		}
		cands = append(cands, cand{id: id, t: j.finishedOrCreated()})
	}
	sort.Slice(cands, func(a, b int) bool { return cands[a].t.Before(cands[b].t) })
	for i := 0; i < len(cands) && over > 0; i++ {
		delete(t.jobs, cands[i].id)
		over--
	}
}

func (j *Job) finishedOrCreated() time.Time {
	if !j.DoneAt.IsZero() {
		return j.DoneAt
	}
	return j.CreatedAt
}
