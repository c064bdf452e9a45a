package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "tabrotate/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

const defaultBusyTimeout = 5 * time.Second

// sqliteDSN sets the pragmas on every connection the pool opens.
func sqliteDSN(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	db, err := sql.Open("sqlite", sqliteDSN(path, busy))
	if err != nil {
		return nil, err
	}
	// One writer; the store is written from a handful of goroutines.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), busy+5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, transport, actor, action, ok, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Transport, nullStr(e.Actor), e.Action,
		boolInt(e.OK), nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrDisabled
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, strings.TrimSpace(key)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) PutSetting(ctx context.Context, key, value string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("setting key is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) SaveRotation(ctx context.Context, snap RotationSnapshot) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	specs, err := json.Marshal(snap.Specs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rotation(id, specs, idx, paused, active, saved_at) VALUES(1,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET specs=excluded.specs, idx=excluded.idx,
		   paused=excluded.paused, active=excluded.active, saved_at=excluded.saved_at`,
		string(specs), snap.Index, boolInt(snap.Paused), boolInt(snap.Active),
		snap.SavedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) LoadRotation(ctx context.Context) (RotationSnapshot, bool, error) {
	if s == nil || s.db == nil {
		return RotationSnapshot{}, false, ErrDisabled
	}
	var (
		specs          string
		idx            int
		paused, active int
		savedAt        string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT specs, idx, paused, active, saved_at FROM rotation WHERE id = 1`,
	).Scan(&specs, &idx, &paused, &active, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RotationSnapshot{}, false, nil
	}
	if err != nil {
		return RotationSnapshot{}, false, err
	}
	snap := RotationSnapshot{Index: idx, Paused: paused != 0, Active: active != 0}
	if err := json.Unmarshal([]byte(specs), &snap.Specs); err != nil {
		return RotationSnapshot{}, false, fmt.Errorf("decode rotation specs: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, savedAt); err == nil {
		snap.SavedAt = t
	}
	return snap, true, nil
}

func (s *sqliteStore) ClearRotation(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM rotation WHERE id = 1`)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
