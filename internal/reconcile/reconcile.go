// Package reconcile folds delivery receipts and inbound replies from
// the messaging channel back into the task store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"notifyd/internal/event"
	"notifyd/internal/store"
)

// Rescanner lets a reply fast-path an out-of-schedule monitoring pass.
type Rescanner interface {
	RequestRescan(reason string)
}

// Stats are cumulative counters for the webhook status endpoint.
type Stats struct {
	StatusApplied    uint64 `json:"status_applied"`
	StatusDropped    uint64 `json:"status_dropped"`
	StatusIgnored    uint64 `json:"status_ignored"`
	RescansRequested uint64 `json:"rescans_requested"`
}

type Service struct {
	tasks  store.Store
	rescan Rescanner
	log    zerolog.Logger

	applied atomic.Uint64
	dropped atomic.Uint64
	ignored atomic.Uint64
	rescans atomic.Uint64
}

func New(tasks store.Store, rescan Rescanner, log zerolog.Logger) *Service {
	return &Service{
		tasks:  tasks,
		rescan: rescan,
		log:    log.With().Str("component", "reconcile").Logger(),
	}
}

func (s *Service) Stats() Stats {
	return Stats{
		StatusApplied:    s.applied.Load(),
		StatusDropped:    s.dropped.Load(),
		StatusIgnored:    s.ignored.Load(),
		RescansRequested: s.rescans.Load(),
	}
}

// Apply processes one verified webhook event. Events that cannot be
// matched to a task are logged and dropped, not returned as errors:
// the channel will redeliver on non-2xx and a receipt for an unknown
// message would never start matching.
func (s *Service) Apply(ctx context.Context, ev event.InboundEvent) error {
	switch ev.Kind {
	case event.KindStatusUpdate:
		return s.applyStatus(ctx, ev)
	case event.KindInboundMessage:
		s.rescans.Add(1)
		s.rescan.RequestRescan(fmt.Sprintf("inbound message from %s", ev.From))
		s.log.Debug().Str("from", ev.From).Msg("inbound message; rescan requested")
		return nil
	default:
		s.log.Warn().Str("kind", string(ev.Kind)).Msg("unknown event kind dropped")
		return nil
	}
}

func (s *Service) applyStatus(ctx context.Context, ev event.InboundEvent) error {
	if ev.RemoteID == "" {
		s.dropped.Add(1)
		s.log.Warn().Msg("status update without message id dropped")
		return nil
	}

	task, err := s.tasks.GetTaskByRemoteID(ctx, ev.RemoteID)
	if errors.Is(err, store.ErrTaskNotFound) {
		// Unknown message id: it may belong to a send whose response
		// was never read, which parks with no remote id and so can
		// never match by id. Recover it through the recipient.
		task, err = s.unconfirmedForRecipient(ctx, ev.From)
	}
	if errors.Is(err, store.ErrTaskNotFound) {
		s.dropped.Add(1)
		s.log.Warn().Str("remote_id", ev.RemoteID).Str("status", ev.Status).Msg("status update for unknown message dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reconcile lookup: %w", err)
	}

	next, ok := nextState(task.State, ev.Status)
	if !ok {
		s.ignored.Add(1)
		s.log.Debug().
			Str("task", task.ID).
			Str("state", string(task.State)).
			Str("status", ev.Status).
			Msg("status update ignored")
		return nil
	}

	task.State = next
	if task.RemoteID == "" {
		// The receipt carries the message id the send never returned.
		task.RemoteID = ev.RemoteID
	}
	task.UpdatedAt = time.Now()
	if err := s.tasks.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("reconcile update: %w", err)
	}
	s.applied.Add(1)
	s.log.Info().
		Str("task", task.ID).
		Str("remote_id", ev.RemoteID).
		Str("status", ev.Status).
		Str("state", string(next)).
		Msg("delivery status applied")
	return nil
}

// unconfirmedForRecipient finds the oldest sent_unconfirmed task for
// a receipt's recipient. Such tasks have no remote id on record, so a
// receipt is attributed to the longest-waiting one; with at most one
// in-flight task per record the ambiguity window is a single send.
func (s *Service) unconfirmedForRecipient(ctx context.Context, recipient string) (store.Task, error) {
	if recipient == "" {
		return store.Task{}, store.ErrTaskNotFound
	}
	unconfirmed, err := s.tasks.ListByState(ctx, store.TaskSentUnconfirmed, unconfirmedScanLimit)
	if err != nil {
		return store.Task{}, err
	}
	for _, t := range unconfirmed {
		if t.RemoteID == "" && samePhone(t.Recipient, recipient) {
			return t, nil
		}
	}
	return store.Task{}, store.ErrTaskNotFound
}

const unconfirmedScanLimit = 256

// StatusFetcher polls the messaging channel for a message's current
// delivery status.
type StatusFetcher interface {
	GetStatus(ctx context.Context, messageID string) (string, error)
}

// Sweep is the maintenance pass over sends still waiting on receipts.
// Sent tasks not updated since cutoff are polled through fetch and
// their reported status applied; unconfirmed tasks not updated since
// cutoff are flagged at warn level so an operator can resolve them.
// Returns how many tasks were polled and how many were flagged.
func (s *Service) Sweep(ctx context.Context, fetch StatusFetcher, cutoff time.Time, limit int) (int, int, error) {
	unconfirmed, err := s.tasks.ListByState(ctx, store.TaskSentUnconfirmed, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("sweep list: %w", err)
	}
	flagged := 0
	for _, t := range unconfirmed {
		if t.UpdatedAt.After(cutoff) {
			continue
		}
		flagged++
		s.log.Warn().
			Str("task", t.ID).
			Str("recipient", t.Recipient).
			Time("last_update", t.UpdatedAt).
			Msg("send still unconfirmed past the receipt window; needs operator attention")
	}

	if fetch == nil {
		return 0, flagged, nil
	}
	sent, err := s.tasks.ListByState(ctx, store.TaskSent, limit)
	if err != nil {
		return 0, flagged, fmt.Errorf("sweep list: %w", err)
	}
	polled := 0
	for _, t := range sent {
		if t.UpdatedAt.After(cutoff) || t.RemoteID == "" {
			continue
		}
		status, err := fetch.GetStatus(ctx, t.RemoteID)
		if err != nil {
			s.log.Warn().Str("task", t.ID).Err(err).Msg("delivery status poll failed")
			continue
		}
		polled++
		next, ok := nextState(t.State, status)
		if !ok {
			continue
		}
		t.State = next
		t.UpdatedAt = time.Now()
		if err := s.tasks.UpdateTask(ctx, t); err != nil {
			s.log.Error().Str("task", t.ID).Err(err).Msg("polled status update failed")
			continue
		}
		s.applied.Add(1)
		s.log.Info().Str("task", t.ID).Str("status", status).Str("state", string(next)).Msg("delivery status resolved by poll")
	}
	return polled, flagged, nil
}

// samePhone compares numbers digit by digit: stored recipients may
// carry a leading + while the channel reports bare digits.
func samePhone(a, b string) bool {
	return digits(a) == digits(b)
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// nextState maps a channel-reported status onto the task state
// machine. Only sent and sent_unconfirmed tasks move; anything else
// is an out-of-order or duplicate receipt.
func nextState(cur store.TaskState, status string) (store.TaskState, bool) {
	if cur != store.TaskSent && cur != store.TaskSentUnconfirmed {
		return cur, false
	}
	switch status {
	case "sent":
		// Confirms a send whose response we never saw.
		if cur == store.TaskSentUnconfirmed {
			return store.TaskSent, true
		}
		return cur, false
	case "delivered", "read":
		return store.TaskDelivered, true
	case "failed", "undelivered":
		return store.TaskUndelivered, true
	default:
		return cur, false
	}
}
