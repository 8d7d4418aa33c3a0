// Package dispatch drives pending notification tasks through the
// send state machine:
//
//	pending -> sending -> {sent, sent_unconfirmed, failed, pending}
//
// A worker pool claims tasks atomically from the store, so two
// workers (or two replicas sharing one store) never dispatch the same
// task twice. Unknown-outcome sends park in sent_unconfirmed and wait
// for reconciliation instead of being retried blind.
package dispatch

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"notifyd/internal/gateway"
	"notifyd/internal/store"
)

type Config struct {
	Workers   int
	QueueSize int

	// AttemptMax caps dispatch attempts per task across passes;
	// beyond it the task is terminal failed.
	AttemptMax int

	RatePerSec int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.AttemptMax <= 0 {
		c.AttemptMax = 3
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	return c
}

// Messenger is the messaging-channel capability.
type Messenger interface {
	Send(ctx context.Context, recipient, text string) (string, error)
}

// RecordMarker writes the last-notified fingerprint back onto the
// originating record once a send was transmitted.
type RecordMarker interface {
	MarkNotified(ctx context.Context, recordID, fingerprint string, at time.Time) error
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	tasks     store.Store
	messenger Messenger
	marker    RecordMarker
	log       zerolog.Logger

	limiter *rate.Limiter
	queue   chan string

	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; it is closed
	// when workers fully exit.
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

func New(cfg Config, tasks store.Store, messenger Messenger, marker RecordMarker, log zerolog.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:       cfg,
		tasks:     tasks,
		messenger: messenger,
		marker:    marker,
		log:       log.With().Str("component", "dispatch").Logger(),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:     make(chan string, cfg.QueueSize),
	}
}

// Apply updates the runtime-tunable settings (hot reload path).
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg.AttemptMax = cfg.AttemptMax
	s.cfg.RatePerSec = cfg.RatePerSec
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to complete (prevents
	// double worker pools).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Int("worker", idx).Any("panic", r).Str("stack", string(debug.Stack())).Msg("panic in dispatch worker")
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}
	s.log.Info().Int("workers", workers).Int("rps", s.cfg.RatePerSec).Msg("dispatcher started")
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info().Dur("took", time.Since(start)).Msg("dispatcher stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// Pump loads pending tasks into the worker queue. It is called after
// each monitor pass; tasks that do not fit are picked up next pass.
func (s *Service) Pump(ctx context.Context) (int, error) {
	pending, err := s.tasks.ListByState(ctx, store.TaskPending, cap(s.queue))
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, t := range pending {
		select {
		case s.queue <- t.ID:
			queued++
		default:
			return queued, nil
		}
	}
	return queued, nil
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan string) {
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case id := <-queue:
			s.dispatchOne(ctx, id)
		}
	}
}

func (s *Service) dispatchOne(ctx context.Context, id string) {
	s.mu.Lock()
	lim := s.limiter
	attemptMax := s.cfg.AttemptMax
	s.mu.Unlock()

	task, err := s.tasks.ClaimTask(ctx, id, time.Now())
	switch {
	case errors.Is(err, store.ErrNotClaimable), errors.Is(err, store.ErrTaskNotFound):
		// Another worker or replica won the claim.
		return
	case err != nil:
		s.log.Error().Str("task", id).Err(err).Msg("claim failed")
		return
	}

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			// Shutting down mid-claim: no send happened, so hand the
			// claim's attempt back before returning the task to
			// pending. The ceiling counts sends, not interruptions.
			task.Attempts--
			s.requeue(task, "dispatch interrupted by shutdown")
			return
		}
	}

	remoteID, err := s.messenger.Send(ctx, task.Recipient, task.Message)
	switch {
	case err == nil:
		task.State = store.TaskSent
		task.RemoteID = remoteID
		task.LastError = ""
		s.finishSend(ctx, task)
		s.log.Info().Str("task", task.ID).Str("remote_id", remoteID).Int("attempts", task.Attempts).Msg("notification sent")

	case errors.Is(err, gateway.ErrUnknownOutcome):
		// The request may have reached the channel; never re-send
		// blind. Reconciliation (or an operator) resolves it.
		task.State = store.TaskSentUnconfirmed
		task.LastError = err.Error()
		s.finishSend(ctx, task)
		s.log.Warn().Str("task", task.ID).Err(err).Msg("send outcome unknown; awaiting reconciliation")

	default:
		if task.Attempts >= attemptMax {
			task.State = store.TaskFailed
			task.LastError = err.Error()
			if uerr := s.tasks.UpdateTask(ctx, task); uerr != nil {
				s.log.Error().Str("task", task.ID).Err(uerr).Msg("task update failed")
			}
			s.log.Warn().Str("task", task.ID).Int("attempts", task.Attempts).Err(err).Msg("notification failed terminally")
			return
		}
		s.requeue(task, err.Error())
		s.log.Debug().Str("task", task.ID).Int("attempts", task.Attempts).Err(err).Msg("send failed; task returned to pending")
	}
}

// finishSend records the post-send task state and stamps the record's
// last-notified fingerprint so the monitor stops re-queueing this
// status. Both writes apply for unconfirmed sends too: the message
// may well have arrived.
func (s *Service) finishSend(ctx context.Context, task store.Task) {
	if err := s.tasks.UpdateTask(ctx, task); err != nil {
		s.log.Error().Str("task", task.ID).Err(err).Msg("task update failed")
	}
	if err := s.marker.MarkNotified(ctx, task.RecordID, task.Fingerprint, time.Now()); err != nil {
		// Not fatal: the task row itself keeps CreateTask failing for
		// this fingerprint until the task is purged, so the monitor
		// cannot re-queue the same status meanwhile.
		s.log.Warn().Str("task", task.ID).Str("record", task.RecordID).Err(err).Msg("fingerprint writeback failed")
	}
}

func (s *Service) requeue(task store.Task, reason string) {
	task.State = store.TaskPending
	task.LastError = reason
	// Detached context: requeueing must survive a cancelled dispatch
	// context, or the attempt would be lost in sending state.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tasks.UpdateTask(ctx, task); err != nil {
		s.log.Error().Str("task", task.ID).Err(err).Msg("requeue failed")
	}
}
