package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a mutex-guarded in-memory Store. It backs tests and the
// storage-disabled mode; task state then does not survive a restart,
// which is acceptable because the monitor re-derives pending work
// from record state on its next pass.
type Memory struct {
	mu    sync.Mutex
	tasks map[string]Task
	dedup map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		tasks: make(map[string]Task),
		dedup: make(map[string]time.Time),
	}
}

func (m *Memory) CreateTask(ctx context.Context, t Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return ErrTaskExists
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.State == "" {
		t.State = TaskPending
	}
	m.tasks[t.ID] = t
	return nil
}

func (m *Memory) ClaimTask(ctx context.Context, id string, now time.Time) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if t.State != TaskPending {
		return Task{}, ErrNotClaimable
	}
	t.State = TaskSending
	t.Attempts++
	t.LastAttemptAt = now
	t.UpdatedAt = now
	m.tasks[id] = t
	return t, nil
}

func (m *Memory) UpdateTask(ctx context.Context, t Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return ErrTaskNotFound
	}
	t.UpdatedAt = time.Now()
	m.tasks[t.ID] = t
	return nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return t, nil
}

func (m *Memory) GetTaskByRemoteID(ctx context.Context, remoteID string) (Task, error) {
	if remoteID == "" {
		return Task{}, ErrTaskNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.RemoteID == remoteID {
			return t, nil
		}
	}
	return Task{}, ErrTaskNotFound
}

func (m *Memory) OpenTaskForRecord(ctx context.Context, recordID string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.RecordID == recordID && (t.State == TaskPending || t.State == TaskSending) {
			return t, nil
		}
	}
	return Task{}, ErrTaskNotFound
}

func (m *Memory) ListByState(ctx context.Context, state TaskState, limit int) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, t := range m.tasks {
		if t.State == state {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountByState(ctx context.Context) (map[TaskState]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[TaskState]int)
	for _, t := range m.tasks {
		out[t.State]++
	}
	return out, nil
}

func (m *Memory) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if t.State.Terminal() && t.UpdatedAt.Before(cutoff) {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Seen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, nil
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.dedup[key]
	if ok && now.Before(until) {
		return true, nil
	}
	m.dedup[key] = now.Add(ttl)
	return false, nil
}

func (m *Memory) PruneDedup(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, until := range m.dedup {
		if !now.Before(until) {
			delete(m.dedup, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }
