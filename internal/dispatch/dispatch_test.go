package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"notifyd/internal/gateway"
	"notifyd/internal/store"
)

type fakeMessenger struct {
	mu    sync.Mutex
	calls int
	errs  []error // consumed per call; nil beyond the script
	id    string
}

func (f *fakeMessenger) Send(ctx context.Context, recipient, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	if f.id == "" {
		f.id = "wamid.test"
	}
	return f.id, nil
}

type fakeMarker struct {
	mu    sync.Mutex
	calls []string // recordID:fingerprint
	err   error
}

func (f *fakeMarker) MarkNotified(ctx context.Context, recordID, fingerprint string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordID+":"+fingerprint)
	return f.err
}

func seedTask(t *testing.T, st store.Store, id string) store.Task {
	t.Helper()
	task := store.Task{
		ID:          id,
		RecordID:    "rec1",
		Fingerprint: "fp1",
		Recipient:   "+15550001111",
		Message:     "needs attention",
		State:       store.TaskPending,
	}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return task
}

func newService(st store.Store, m Messenger, mk RecordMarker, attemptMax int) *Service {
	return New(Config{AttemptMax: attemptMax, RatePerSec: 1000}, st, m, mk, zerolog.Nop())
}

func TestInterruptedDispatchRefundsAttempt(t *testing.T) {
	// A cancelled context interrupts the limiter wait after the claim
	// but before any send; the attempt must be handed back so a
	// restart loop cannot burn through the ceiling without sending.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := store.NewMemory()
	seedTask(t, st, "rec1:fp1")
	msgr := &fakeMessenger{}
	s := newService(st, msgr, &fakeMarker{}, 3)

	s.dispatchOne(ctx, "rec1:fp1")

	got, err := st.GetTask(context.Background(), "rec1:fp1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != store.TaskPending {
		t.Fatalf("expected pending after interruption, got %s", got.State)
	}
	if got.Attempts != 0 {
		t.Fatalf("interrupted dispatch must not consume an attempt, got %d", got.Attempts)
	}
	if msgr.calls != 0 {
		t.Fatalf("no send expected, got %d", msgr.calls)
	}
}

func TestDispatchSuccess(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedTask(t, st, "rec1:fp1")
	msgr := &fakeMessenger{}
	marker := &fakeMarker{}
	s := newService(st, msgr, marker, 3)

	s.dispatchOne(ctx, "rec1:fp1")

	got, err := st.GetTask(ctx, "rec1:fp1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != store.TaskSent || got.RemoteID != "wamid.test" || got.Attempts != 1 {
		t.Fatalf("unexpected task: %+v", got)
	}
	if len(marker.calls) != 1 || marker.calls[0] != "rec1:fp1" {
		t.Fatalf("expected fingerprint writeback, got %v", marker.calls)
	}
}

func TestDispatchUnknownOutcomeParksUnconfirmed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedTask(t, st, "rec1:fp1")
	msgr := &fakeMessenger{errs: []error{gateway.ErrUnknownOutcome}}
	marker := &fakeMarker{}
	s := newService(st, msgr, marker, 3)

	s.dispatchOne(ctx, "rec1:fp1")

	got, _ := st.GetTask(ctx, "rec1:fp1")
	if got.State != store.TaskSentUnconfirmed {
		t.Fatalf("expected sent_unconfirmed, got %s", got.State)
	}
	if msgr.calls != 1 {
		t.Fatalf("unknown outcome must not re-send, got %d calls", msgr.calls)
	}
	if len(marker.calls) != 1 {
		t.Fatal("unconfirmed send still stamps the fingerprint")
	}

	// A later dispatch pass must not pick the task up again.
	s.dispatchOne(ctx, "rec1:fp1")
	if msgr.calls != 1 {
		t.Fatalf("parked task was re-dispatched: %d calls", msgr.calls)
	}
}

func TestDispatchTransientFailureRequeues(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedTask(t, st, "rec1:fp1")
	msgr := &fakeMessenger{errs: []error{gateway.Transient(errors.New("503"))}}
	marker := &fakeMarker{}
	s := newService(st, msgr, marker, 3)

	s.dispatchOne(ctx, "rec1:fp1")

	got, _ := st.GetTask(ctx, "rec1:fp1")
	if got.State != store.TaskPending || got.Attempts != 1 {
		t.Fatalf("expected requeued task with one attempt, got %+v", got)
	}
	if got.LastError == "" {
		t.Fatal("expected last error recorded")
	}
	if len(marker.calls) != 0 {
		t.Fatal("failed send must not stamp the fingerprint")
	}
}

func TestDispatchAttemptCeilingIsTerminal(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedTask(t, st, "rec1:fp1")
	sendErr := gateway.Transient(errors.New("down"))
	msgr := &fakeMessenger{errs: []error{sendErr, sendErr, sendErr, sendErr}}
	marker := &fakeMarker{}
	const attemptMax = 2
	s := newService(st, msgr, marker, attemptMax)

	// Drive passes until terminal; must stop at the ceiling.
	for i := 0; i < 5; i++ {
		s.dispatchOne(ctx, "rec1:fp1")
	}

	got, _ := st.GetTask(ctx, "rec1:fp1")
	if got.State != store.TaskFailed {
		t.Fatalf("expected terminal failed, got %s", got.State)
	}
	if got.Attempts != attemptMax {
		t.Fatalf("attempts must equal the ceiling, got %d", got.Attempts)
	}
	if msgr.calls != attemptMax {
		t.Fatalf("expected %d sends, got %d", attemptMax, msgr.calls)
	}
}

func TestConcurrentDispatchClaimsOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedTask(t, st, "rec1:fp1")
	msgr := &fakeMessenger{}
	s := newService(st, msgr, &fakeMarker{}, 3)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.dispatchOne(ctx, "rec1:fp1")
		}()
	}
	wg.Wait()

	if msgr.calls != 1 {
		t.Fatalf("expected exactly one send, got %d", msgr.calls)
	}
}

func TestPumpQueuesPendingTasks(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedTask(t, st, "rec1:fp1")
	task2 := store.Task{ID: "rec2:fp1", RecordID: "rec2", Fingerprint: "fp1", Recipient: "+15550002222", Message: "m", State: store.TaskPending}
	if err := st.CreateTask(ctx, task2); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s := newService(st, &fakeMessenger{}, &fakeMarker{}, 3)

	n, err := s.Pump(ctx)
	if err != nil {
		t.Fatalf("pump: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 queued, got %d", n)
	}
	if len(s.queue) != 2 {
		t.Fatalf("expected 2 in queue, got %d", len(s.queue))
	}
}

func TestWorkerLifecycle(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedTask(t, st, "rec1:fp1")
	msgr := &fakeMessenger{}
	s := newService(st, msgr, &fakeMarker{}, 3)

	s.Start(ctx)
	if _, err := s.Pump(ctx); err != nil {
		t.Fatalf("pump: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := st.GetTask(ctx, "rec1:fp1")
		if err == nil && got.State == store.TaskSent {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never dispatched: %+v err=%v", got, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	s.Stop(stopCtx)
}
