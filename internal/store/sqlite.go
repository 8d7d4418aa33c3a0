package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log zerolog.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log zerolog.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateTask(ctx context.Context, t Task) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.State == "" {
		t.State = TaskPending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, record_id, fingerprint, recipient, message, state, attempts, remote_id, last_error, created_at, last_attempt_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		t.ID, t.RecordID, t.Fingerprint, t.Recipient, t.Message, string(t.State), t.Attempts,
		nullStr(t.RemoteID), nullStr(t.LastError), t.CreatedAt.UnixMilli(), nullMilli(t.LastAttemptAt), now.UnixMilli(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskExists
	}
	return nil
}

func (s *sqliteStore) ClaimTask(ctx context.Context, id string, now time.Time) (Task, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state=?, attempts=attempts+1, last_attempt_at=?, updated_at=?
		 WHERE id=? AND state=?`,
		string(TaskSending), now.UnixMilli(), now.UnixMilli(), id, string(TaskPending),
	)
	if err != nil {
		return Task{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Task{}, err
	}
	if n == 0 {
		if _, gerr := s.GetTask(ctx, id); gerr != nil {
			return Task{}, gerr
		}
		return Task{}, ErrNotClaimable
	}
	return s.GetTask(ctx, id)
}

func (s *sqliteStore) UpdateTask(ctx context.Context, t Task) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state=?, attempts=?, remote_id=?, last_error=?, last_attempt_at=?, updated_at=?
		 WHERE id=?`,
		string(t.State), t.Attempts, nullStr(t.RemoteID), nullStr(t.LastError),
		nullMilli(t.LastAttemptAt), time.Now().UnixMilli(), t.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

const taskCols = `id, record_id, fingerprint, recipient, message, state, attempts, remote_id, last_error, created_at, last_attempt_at, updated_at`

func (s *sqliteStore) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	return scanTask(row)
}

func (s *sqliteStore) GetTaskByRemoteID(ctx context.Context, remoteID string) (Task, error) {
	if remoteID == "" {
		return Task{}, ErrTaskNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE remote_id=?`, remoteID)
	return scanTask(row)
}

func (s *sqliteStore) OpenTaskForRecord(ctx context.Context, recordID string) (Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE record_id=? AND state IN (?,?) LIMIT 1`,
		recordID, string(TaskPending), string(TaskSending),
	)
	return scanTask(row)
}

func (s *sqliteStore) ListByState(ctx context.Context, state TaskState, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE state=? ORDER BY created_at ASC LIMIT ?`,
		string(state), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountByState(ctx context.Context) (map[TaskState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[TaskState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[TaskState(state)] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE state IN (?,?,?) AND updated_at < ?`,
		string(TaskDelivered), string(TaskUndelivered), string(TaskFailed), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Seen is an atomic check-and-insert: the upsert only takes effect
// when the key is absent or expired, so the affected-row count tells
// us whether the key was live.
func (s *sqliteStore) Seen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, nil
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until WHERE dedup.until <= ?`,
		key, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.PruneDedup(pctx, now)
		cancel()
	}
	return n == 0, nil
}

func (s *sqliteStore) PruneDedup(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		t                    Task
		state                string
		remoteID, lastErr    sql.NullString
		createdMS, updatedMS int64
		lastAttemptMS        sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.RecordID, &t.Fingerprint, &t.Recipient, &t.Message, &state,
		&t.Attempts, &remoteID, &lastErr, &createdMS, &lastAttemptMS, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, err
	}
	t.State = TaskState(state)
	t.RemoteID = remoteID.String
	t.LastError = lastErr.String
	t.CreatedAt = time.UnixMilli(createdMS)
	t.UpdatedAt = time.UnixMilli(updatedMS)
	if lastAttemptMS.Valid {
		t.LastAttemptAt = time.UnixMilli(lastAttemptMS.Int64)
	}
	return t, nil
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
