package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "tabrotate/pkg/logx"
)

// compactEvery bounds journal growth; rotation saves land on every tick.
const compactEvery = 200

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl         (append-only JSON Lines)
//   - <prefix>.state.snapshot.json (settings + rotation, periodic snapshot)
//   - <prefix>.state.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	state        fileState

	writes int
}

type fileState struct {
	Settings map[string]string `json:"settings"`
	Rotation *RotationSnapshot `json:"rotation,omitempty"`
}

// journalRecord is one state mutation. Op is "set", "rotation" or "clear".
type journalRecord struct {
	Op       string            `json:"op"`
	Key      string            `json:"key,omitempty"`
	Value    string            `json:"value,omitempty"`
	Rotation *RotationSnapshot `json:"rotation,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"

	st := fileState{Settings: map[string]string{}}
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state snapshot unreadable; starting empty", logx.Err(err))
	}
	if err := replayJournal(journalPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state journal replay stopped early", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		state:        st,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state.Settings[strings.TrimSpace(key)]
	return v, ok, nil
}

func (s *fileStore) PutSetting(ctx context.Context, key, value string) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("setting key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(journalRecord{Op: "set", Key: key, Value: value})
}

func (s *fileStore) SaveRotation(ctx context.Context, snap RotationSnapshot) error {
	_ = ctx
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(journalRecord{Op: "rotation", Rotation: &snap})
}

func (s *fileStore) LoadRotation(ctx context.Context) (RotationSnapshot, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Rotation == nil {
		return RotationSnapshot{}, false, nil
	}
	snap := *s.state.Rotation
	snap.Specs = append([]TabSpec(nil), snap.Specs...)
	return snap, true, nil
}

func (s *fileStore) ClearRotation(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Rotation == nil {
		return nil
	}
	return s.applyLocked(journalRecord{Op: "clear"})
}

func (s *fileStore) applyLocked(r journalRecord) error {
	if s.journalFile == nil {
		return errors.New("state journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.state.apply(r)
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (st *fileState) apply(r journalRecord) {
	switch r.Op {
	case "set":
		if st.Settings == nil {
			st.Settings = map[string]string{}
		}
		st.Settings[r.Key] = r.Value
	case "rotation":
		st.Rotation = r.Rotation
	case "clear":
		st.Rotation = nil
	}
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
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	if st.Settings == nil {
		st.Settings = map[string]string{}
	}
	*out = st
	return nil
}

// replayJournal applies records in order. A torn trailing line (crash
// mid-write) is skipped.
func replayJournal(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		out.apply(r)
	}
	return sc.Err()
}
