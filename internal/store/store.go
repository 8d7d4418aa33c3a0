// Package store persists notification tasks and the dedup ledger.
//
// Two properties matter more than anything else here:
//   - CreateTask is an atomic check-and-insert keyed by the
//     deterministic task id, so overlapping scans cannot create the
//     same task twice.
//   - ClaimTask is an atomic pending->sending transition, so two
//     dispatch workers cannot both claim one task.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrTaskExists   = errors.New("task already exists")
	ErrTaskNotFound = errors.New("task not found")
	// ErrNotClaimable is returned when a claim races another worker
	// or the task is no longer pending.
	ErrNotClaimable = errors.New("task not claimable")
)

// TaskState is the dispatcher state machine. Transitions:
//
//	pending -> sending -> {sent, sent_unconfirmed, failed, pending}
//	sent | sent_unconfirmed -> {delivered, undelivered, sent}
type TaskState string

const (
	TaskPending         TaskState = "pending"
	TaskSending         TaskState = "sending"
	TaskSent            TaskState = "sent"
	TaskSentUnconfirmed TaskState = "sent_unconfirmed"
	TaskDelivered       TaskState = "delivered"
	TaskUndelivered     TaskState = "undelivered"
	TaskFailed          TaskState = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskDelivered, TaskUndelivered, TaskFailed:
		return true
	}
	return false
}

// Task is one pending or tracked notification.
type Task struct {
	// ID is deterministic: "<record id>:<fingerprint>". Re-scanning
	// an unchanged record always derives the same id.
	ID          string
	RecordID    string
	Fingerprint string
	Recipient   string
	Message     string

	State    TaskState
	Attempts int
	// RemoteID is the messaging channel's message id, set once a send
	// succeeds; status callbacks are correlated through it.
	RemoteID  string
	LastError string

	CreatedAt     time.Time
	LastAttemptAt time.Time
	UpdatedAt     time.Time
}

// Store is the shared task state used by the monitor, dispatcher and
// reconciliation engine.
type Store interface {
	DedupLedger

	// CreateTask inserts a new task; ErrTaskExists if the id is
	// already present (open or terminal).
	CreateTask(ctx context.Context, t Task) error

	// ClaimTask atomically moves a pending task to sending,
	// incrementing its attempt count. ErrNotClaimable when the task
	// is not pending (raced, in flight, or terminal).
	ClaimTask(ctx context.Context, id string, now time.Time) (Task, error)

	// UpdateTask writes state, remote id and last error back.
	UpdateTask(ctx context.Context, t Task) error

	GetTask(ctx context.Context, id string) (Task, error)
	GetTaskByRemoteID(ctx context.Context, remoteID string) (Task, error)

	// OpenTaskForRecord returns the record's in-flight task (pending
	// or sending) if one exists; ErrTaskNotFound otherwise. Sent
	// tasks awaiting reconciliation do not count as in-flight: they
	// must not block a notification about a newer status.
	OpenTaskForRecord(ctx context.Context, recordID string) (Task, error)

	// ListByState returns up to limit tasks in the given state,
	// oldest first.
	ListByState(ctx context.Context, state TaskState, limit int) ([]Task, error)

	CountByState(ctx context.Context) (map[TaskState]int, error)

	// PurgeTerminal deletes terminal tasks last updated before cutoff
	// and returns how many were removed.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

// DedupLedger is a bounded-TTL set of seen identifiers with atomic
// check-and-insert semantics.
type DedupLedger interface {
	// Seen records key with the given TTL and reports whether it was
	// already present (and unexpired). The check and the insert are
	// one atomic step.
	Seen(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// PruneDedup drops expired ledger entries. Backends with native
	// expiry may treat this as a no-op.
	PruneDedup(ctx context.Context, now time.Time) (int, error)
}

// Config selects the task store backend.
type Config struct {
	Driver      string // "sqlite" (default) or "memory"
	Path        string
	BusyTimeout time.Duration
}

// Open initializes the configured store.
func Open(cfg Config, log zerolog.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
