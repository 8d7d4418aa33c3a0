// Package monitor scans the record store for records whose lifecycle
// status needs human attention and turns each into an idempotent
// notification task. One Scan call is one pass; every pass re-queries
// current record state, so the monitor is restartable and safe to
// trigger more often than it completes.
package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"notifyd/internal/adapters/airtable"
	"notifyd/internal/store"
)

// ErrScanInProgress is returned when a trigger overlaps a running
// pass; the in-flight pass already covers current record state.
var ErrScanInProgress = errors.New("scan already in progress")

const DefaultTemplate = `Hi! "{{.Name}}" needs your attention (status: {{.Status}}). Record: {{.RecordID}}`

type Config struct {
	StatusField       string
	RecipientField    string
	NameField         string
	LastNotifiedField string
	NeedsAttention    []string
	FingerprintFields []string

	// ScanBudget bounds one pass wall-clock; the pass is cancelled
	// cooperatively at the next record boundary. Default 2m.
	ScanBudget time.Duration

	Template string
}

// RecordLister is the record-store capability the monitor needs.
type RecordLister interface {
	List(ctx context.Context, statusField string, statuses []string) ([]airtable.Record, error)
}

// Report summarizes one pass for logs and the status surface.
type Report struct {
	RunID    string        `json:"run_id"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`

	Scanned          int `json:"scanned"`
	Created          int `json:"created"`
	SkippedExisting  int `json:"skipped_existing"`
	SkippedUnchanged int `json:"skipped_unchanged"`
	DataQuality      int `json:"data_quality"`

	Err string `json:"err,omitempty"`
}

type Service struct {
	cfg     Config
	records RecordLister
	tasks   store.Store
	log     zerolog.Logger

	// inflight gates overlapping passes inside this process; the
	// store's create-uniqueness covers overlap across processes.
	inflightMu sync.Mutex
	inflight   bool

	tmplMu sync.RWMutex
	tmpl   *template.Template

	rescanCh chan string

	reportMu sync.RWMutex
	last     *Report
}

func New(cfg Config, records RecordLister, tasks store.Store, log zerolog.Logger) (*Service, error) {
	if cfg.StatusField == "" {
		cfg.StatusField = "Status"
	}
	if cfg.RecipientField == "" {
		cfg.RecipientField = "Assignee Phone"
	}
	if cfg.NameField == "" {
		cfg.NameField = "Name"
	}
	if cfg.LastNotifiedField == "" {
		cfg.LastNotifiedField = "Last Notified Fingerprint"
	}
	if cfg.ScanBudget <= 0 {
		cfg.ScanBudget = 2 * time.Minute
	}
	if len(cfg.NeedsAttention) == 0 {
		return nil, errors.New("needs-attention status set is empty")
	}
	s := &Service{
		cfg:      cfg,
		records:  records,
		tasks:    tasks,
		log:      log.With().Str("component", "monitor").Logger(),
		rescanCh: make(chan string, 8),
	}
	if err := s.SetTemplate(cfg.Template); err != nil {
		return nil, err
	}
	return s, nil
}

// SetTemplate swaps the message template (hot reload path).
func (s *Service) SetTemplate(raw string) error {
	if strings.TrimSpace(raw) == "" {
		raw = DefaultTemplate
	}
	t, err := template.New("message").Parse(raw)
	if err != nil {
		return fmt.Errorf("message template: %w", err)
	}
	s.tmplMu.Lock()
	s.tmpl = t
	s.tmplMu.Unlock()
	return nil
}

// RequestRescan asks for an out-of-schedule pass (used by the
// reconciliation engine when an inbound reply arrives). Non-blocking:
// if a rescan is already queued the request is absorbed.
func (s *Service) RequestRescan(reason string) {
	select {
	case s.rescanCh <- reason:
	default:
	}
}

// Rescans exposes the rescan request stream to the app loop.
func (s *Service) Rescans() <-chan string { return s.rescanCh }

// LastReport returns the most recent pass summary, if any.
func (s *Service) LastReport() *Report {
	s.reportMu.RLock()
	defer s.reportMu.RUnlock()
	return s.last
}

// Scan runs one monitoring pass: query eligible records, derive the
// idempotent task id per record, and persist tasks that do not exist
// yet. Overlapping calls return ErrScanInProgress without touching
// the store.
func (s *Service) Scan(ctx context.Context) (*Report, error) {
	s.inflightMu.Lock()
	if s.inflight {
		s.inflightMu.Unlock()
		return nil, ErrScanInProgress
	}
	s.inflight = true
	s.inflightMu.Unlock()
	defer func() {
		s.inflightMu.Lock()
		s.inflight = false
		s.inflightMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ScanBudget)
	defer cancel()

	rep := &Report{RunID: uuid.NewString(), Started: time.Now()}
	defer func() {
		rep.Duration = time.Since(rep.Started)
		s.reportMu.Lock()
		s.last = rep
		s.reportMu.Unlock()
	}()

	records, err := s.records.List(ctx, s.cfg.StatusField, s.cfg.NeedsAttention)
	if err != nil {
		rep.Err = err.Error()
		return rep, err
	}

	for _, rec := range records {
		// Cooperative cancellation at record boundaries.
		if err := ctx.Err(); err != nil {
			rep.Err = err.Error()
			s.log.Warn().Str("run", rep.RunID).Int("scanned", rep.Scanned).Msg("scan budget exceeded; pass cancelled")
			return rep, err
		}
		rep.Scanned++
		s.visit(ctx, rec, rep)
	}

	s.log.Info().Str("run", rep.RunID).
		Int("scanned", rep.Scanned).Int("created", rep.Created).
		Int("skipped_existing", rep.SkippedExisting).
		Int("skipped_unchanged", rep.SkippedUnchanged).
		Int("data_quality", rep.DataQuality).
		Dur("dur", time.Since(rep.Started)).
		Msg("scan completed")
	return rep, nil
}

func (s *Service) visit(ctx context.Context, rec airtable.Record, rep *Report) {
	status := fieldString(rec.Fields, s.cfg.StatusField)
	recipient, ok := normalizePhone(fieldString(rec.Fields, s.cfg.RecipientField))
	if !ok {
		rep.DataQuality++
		s.log.Warn().Str("record", rec.ID).Str("status", status).Msg("record has no valid recipient; skipped")
		return
	}

	watched := make(map[string]any, len(s.cfg.FingerprintFields))
	for _, f := range s.cfg.FingerprintFields {
		if v, ok := rec.Fields[f]; ok {
			watched[f] = v
		}
	}
	fp := fingerprint(status, recipient, watched)

	if last := fieldString(rec.Fields, s.cfg.LastNotifiedField); last == fp {
		rep.SkippedUnchanged++
		return
	}

	// One in-flight task per record: a record whose previous status is
	// still being dispatched is not queued again for a newer one.
	switch open, err := s.tasks.OpenTaskForRecord(ctx, rec.ID); {
	case err == nil:
		if open.Fingerprint != fp {
			s.log.Debug().Str("record", rec.ID).Str("open_task", open.ID).Msg("record already has an in-flight task; deferred")
		}
		rep.SkippedExisting++
		return
	case !errors.Is(err, store.ErrTaskNotFound):
		rep.DataQuality++
		s.log.Error().Str("record", rec.ID).Err(err).Msg("open-task lookup failed")
		return
	}

	msg, err := s.render(rec, status)
	if err != nil {
		rep.DataQuality++
		s.log.Warn().Str("record", rec.ID).Err(err).Msg("message render failed; record skipped")
		return
	}

	task := store.Task{
		ID:          taskID(rec.ID, fp),
		RecordID:    rec.ID,
		Fingerprint: fp,
		Recipient:   recipient,
		Message:     msg,
		State:       store.TaskPending,
	}
	switch err := s.tasks.CreateTask(ctx, task); {
	case err == nil:
		rep.Created++
		s.log.Debug().Str("record", rec.ID).Str("task", task.ID).Msg("task queued")
	case errors.Is(err, store.ErrTaskExists):
		// Another pass (or an earlier one) already owns this id.
		rep.SkippedExisting++
	default:
		rep.DataQuality++
		s.log.Error().Str("record", rec.ID).Str("task", task.ID).Err(err).Msg("task create failed")
	}
}

func (s *Service) render(rec airtable.Record, status string) (string, error) {
	s.tmplMu.RLock()
	tmpl := s.tmpl
	s.tmplMu.RUnlock()

	name := fieldString(rec.Fields, s.cfg.NameField)
	if name == "" {
		name = rec.ID
	}
	var buf bytes.Buffer
	err := tmpl.Execute(&buf, struct {
		RecordID, Name, Status string
	}{RecordID: rec.ID, Name: name, Status: status})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

func fieldString(fields map[string]any, key string) string {
	if fields == nil {
		return ""
	}
	switch v := fields[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// normalizePhone keeps digits (and a leading +) and requires at least
// ten digits, matching the store's own validation rules.
func normalizePhone(raw string) (string, bool) {
	var b strings.Builder
	digits := 0
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits++
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	if digits < 10 {
		return "", false
	}
	return b.String(), true
}
