package storage

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	logx "chatwarden/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only mutations since the snapshot)
//
// Every mutation is applied in memory and appended to the journal; the
// journal is folded into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	state        fileState
	writes       int
}

const compactEvery = 500

type fileState struct {
	Groups  map[int64]Group            `json:"groups"`
	Members map[int64]map[int64]Member `json:"members"`
	Queue   map[int64]QueuedMessage    `json:"queue"`
	NextID  int64                      `json:"next_id"`
}

type journalRecord struct {
	Op      string         `json:"op"`
	Group   *Group         `json:"group,omitempty"`
	Member  *Member        `json:"member,omitempty"`
	Message *QueuedMessage `json:"message,omitempty"`
	ID      int64          `json:"id,omitempty"`
	GroupID int64          `json:"group_id,omitempty"`
	NewID   int64          `json:"new_id,omitempty"`
}

const (
	opUpsertGroup  = "upsert_group"
	opDeleteGroup  = "delete_group"
	opMigrateGroup = "migrate_group"
	opUpsertMember = "upsert_member"
	opDeleteMember = "delete_member"
	opEnqueue      = "enqueue"
	opDeleteQueued = "delete_queued"
)

func newFileState() fileState {
	return fileState{
		Groups:  map[int64]Group{},
		Members: map[int64]map[int64]Member{},
		Queue:   map[int64]QueuedMessage{},
	}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	st := newFileState()
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	n, err := replayJournal(journalPath, &st)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s := &fileStore{log: log, snapshotPath: snapPath, journal: jf, state: st, writes: n}
	log.Debug("file store loaded", logx.Int("groups", len(st.Groups)), logx.Int("queued", len(st.Queue)), logx.Int("journal", n))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

// commitLocked applies rec and journals it.
func (s *fileStore) commitLocked(rec journalRecord) error {
	if s.journal == nil {
		return errors.New("file store closed")
	}
	s.state.apply(rec)
	if err := json.NewEncoder(s.journal).Encode(rec); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (st *fileState) apply(r journalRecord) {
	switch r.Op {
	case opUpsertGroup:
		if r.Group != nil {
			st.Groups[r.Group.ID] = *r.Group
		}
	case opDeleteGroup:
		delete(st.Groups, r.ID)
		delete(st.Members, r.ID)
	case opMigrateGroup:
		g, ok := st.Groups[r.ID]
		if !ok {
			return
		}
		delete(st.Groups, r.ID)
		g.ID = r.NewID
		st.Groups[r.NewID] = g
		members := st.Members[r.ID]
		delete(st.Members, r.ID)
		delete(st.Members, r.NewID)
		if len(members) > 0 {
			moved := make(map[int64]Member, len(members))
			for id, m := range members {
				m.GroupID = r.NewID
				moved[id] = m
			}
			st.Members[r.NewID] = moved
		}
	case opUpsertMember:
		if r.Member == nil {
			return
		}
		ms := st.Members[r.Member.GroupID]
		if ms == nil {
			ms = map[int64]Member{}
			st.Members[r.Member.GroupID] = ms
		}
		ms[r.Member.ID] = *r.Member
	case opDeleteMember:
		if ms := st.Members[r.GroupID]; ms != nil {
			delete(ms, r.ID)
			if len(ms) == 0 {
				delete(st.Members, r.GroupID)
			}
		}
	case opEnqueue:
		if r.Message != nil {
			st.Queue[r.Message.ID] = *r.Message
			st.NextID = max(st.NextID, r.Message.ID)
		}
	case opDeleteQueued:
		delete(st.Queue, r.ID)
	}
}

func (s *fileStore) UpsertGroup(_ context.Context, g Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(journalRecord{Op: opUpsertGroup, Group: &g})
}

func (s *fileStore) GetGroup(_ context.Context, id int64) (Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.state.Groups[id]
	if !ok {
		return Group{}, ErrNotFound
	}
	return g, nil
}

func (s *fileStore) ListGroups(context.Context) ([]Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Collect(maps.Values(s.state.Groups))
	slices.SortFunc(out, func(a, b Group) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *fileStore) DeleteGroup(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Groups[id]; !ok {
		return nil
	}
	return s.commitLocked(journalRecord{Op: opDeleteGroup, ID: id})
}

func (s *fileStore) MigrateGroup(_ context.Context, oldID, newID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Groups[oldID]; !ok {
		return ErrNotFound
	}
	return s.commitLocked(journalRecord{Op: opMigrateGroup, ID: oldID, NewID: newID})
}

func (s *fileStore) UpsertMember(_ context.Context, m Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Groups[m.GroupID]; !ok {
		return ErrNotFound
	}
	return s.commitLocked(journalRecord{Op: opUpsertMember, Member: &m})
}

func (s *fileStore) ListMembers(_ context.Context, groupID int64) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Collect(maps.Values(s.state.Members[groupID]))
	slices.SortFunc(out, func(a, b Member) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *fileStore) DeleteMember(_ context.Context, groupID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Members[groupID][userID]; !ok {
		return nil
	}
	return s.commitLocked(journalRecord{Op: opDeleteMember, GroupID: groupID, ID: userID})
}

func (s *fileStore) EnqueueMessage(_ context.Context, m QueuedMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.state.NextID + 1
	m.Targets = slices.Clone(m.Targets)
	m.Images = slices.Clone(m.Images)
	if err := s.commitLocked(journalRecord{Op: opEnqueue, Message: &m}); err != nil {
		return 0, err
	}
	return m.ID, nil
}

func (s *fileStore) ListQueue(context.Context) ([]QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Collect(maps.Values(s.state.Queue))
	slices.SortFunc(out, func(a, b QueuedMessage) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *fileStore) DeleteQueued(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Queue[id]; !ok {
		return nil
	}
	return s.commitLocked(journalRecord{Op: opDeleteQueued, ID: id})
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st := newFileState()
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	if st.Groups == nil {
		st.Groups = map[int64]Group{}
	}
	if st.Members == nil {
		st.Members = map[int64]map[int64]Member{}
	}
	if st.Queue == nil {
		st.Queue = map[int64]QueuedMessage{}
	}
	*out = st
	return nil
}

// replayJournal applies every decodable record and returns how many it read.
// A torn last line from a crash is skipped.
func replayJournal(path string, st *fileState) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	n := 0
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Op == "" {
			continue
		}
		st.apply(r)
		n++
	}
	return n, sc.Err()
}
