// Package app assembles the daemon: storage, the remote call gateway,
// both adapters, the monitor, the dispatcher, reconciliation and the
// HTTP surface, with one Start/Stop lifecycle around all of them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"notifyd/internal/adapters/airtable"
	"notifyd/internal/adapters/whatsapp"
	"notifyd/internal/config"
	"notifyd/internal/dispatch"
	"notifyd/internal/gateway"
	"notifyd/internal/health"
	"notifyd/internal/monitor"
	"notifyd/internal/reconcile"
	"notifyd/internal/store"
	"notifyd/internal/webhook"
)

type App struct {
	cfgMgr *config.Manager
	cfg    *config.Config
	log    zerolog.Logger

	tasks  store.Store
	ledger store.DedupLedger
	redis  *store.RedisLedger

	gw        *gateway.Gateway
	records   *airtable.Client
	messenger *whatsapp.Client

	mon  *monitor.Service
	disp *dispatch.Service
	rec  *reconcile.Service
	hook *webhook.Handler

	sched *cron.Cron
	srv   *http.Server

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath, zerolog.Nop())
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := newLogger(cfg.Log)
	a := &App{
		cfgMgr: mgr,
		cfg:    cfg,
		log:    log,
		stopCh: make(chan struct{}),
	}
	if err := a.build(); err != nil {
		a.closeStorage()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.cfg

	tasks, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: config.Duration(cfg.Storage.BusyTimeout, 5*time.Second),
	}, a.log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.tasks = tasks

	a.ledger = tasks
	if cfg.Storage.Dedup.Driver == "redis" {
		rl, err := store.NewRedisLedger(store.RedisConfig{
			Addr:     cfg.Storage.Dedup.Addr,
			Password: cfg.Storage.Dedup.Password,
			DB:       cfg.Storage.Dedup.DB,
		}, a.log)
		if err != nil {
			return fmt.Errorf("redis ledger: %w", err)
		}
		a.redis = rl
		a.ledger = rl
	}

	retryMax := cfg.Gateway.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	a.gw = gateway.New(gateway.Config{
		Timeout:       config.Duration(cfg.Gateway.Timeout, 15*time.Second),
		RetryMax:      retryMax,
		RetryBase:     config.Duration(cfg.Gateway.RetryBase, 500*time.Millisecond),
		RetryMaxDelay: config.Duration(cfg.Gateway.RetryMaxDelay, 15*time.Second),
		RetryJitter:   cfg.Gateway.RetryJitter,
		Breaker: gateway.BreakerConfig{
			TripFailures: cfg.Gateway.Breaker.TripFailures,
			BaseDelay:    config.Duration(cfg.Gateway.Breaker.BaseDelay, 5*time.Second),
			MaxDelay:     config.Duration(cfg.Gateway.Breaker.MaxDelay, 2*time.Minute),
			ResetAfter:   config.Duration(cfg.Gateway.Breaker.ResetAfter, 5*time.Minute),
		},
	}, a.log)

	a.records, err = airtable.New(airtable.Config{
		BaseURL: cfg.Airtable.BaseURL,
		APIKey:  cfg.Airtable.APIKey,
		BaseID:  cfg.Airtable.BaseID,
		Table:   cfg.Airtable.Table,
	}, a.gw, a.log)
	if err != nil {
		return fmt.Errorf("airtable client: %w", err)
	}

	a.messenger, err = whatsapp.New(whatsapp.Config{
		BaseURL:       cfg.WhatsApp.BaseURL,
		Token:         cfg.WhatsApp.Token,
		PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
	}, a.gw, a.log)
	if err != nil {
		return fmt.Errorf("whatsapp client: %w", err)
	}

	a.mon, err = monitor.New(monitor.Config{
		StatusField:       cfg.Airtable.StatusField,
		RecipientField:    cfg.Airtable.RecipientField,
		NameField:         cfg.Airtable.NameField,
		LastNotifiedField: cfg.Airtable.LastNotifiedField,
		NeedsAttention:    cfg.Airtable.NeedsAttention,
		FingerprintFields: cfg.Airtable.FingerprintFields,
		ScanBudget:        config.Duration(cfg.Monitor.ScanBudget, 2*time.Minute),
		Template:          cfg.Dispatch.Template,
	}, a.records, a.tasks, a.log)
	if err != nil {
		return fmt.Errorf("monitor: %w", err)
	}

	marker := &recordMarker{
		records:          a.records,
		fingerprintField: fieldOr(cfg.Airtable.LastNotifiedField, "Last Notified Fingerprint"),
		atField:          fieldOr(cfg.Airtable.LastNotifiedAtField, "Last Notified At"),
	}
	a.disp = dispatch.New(dispatch.Config{
		Workers:    cfg.Dispatch.Workers,
		QueueSize:  cfg.Dispatch.QueueSize,
		AttemptMax: cfg.Dispatch.AttemptMax,
		RatePerSec: cfg.Dispatch.RatePerSec,
	}, a.tasks, a.messenger, marker, a.log)

	a.rec = reconcile.New(a.tasks, a.mon, a.log)

	a.hook = webhook.New(webhook.Config{
		VerifyToken:  cfg.Webhook.VerifyToken,
		DedupTTL:     config.Duration(cfg.Webhook.DedupTTL, 24*time.Hour),
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
	}, a.ledger, a.rec, a.log)

	return nil
}

func (a *App) Start(ctx context.Context) error {
	var err error
	a.startOnce.Do(func() { err = a.start(ctx) })
	return err
}

func (a *App) start(ctx context.Context) error {
	cfg := a.cfg

	a.disp.Start(ctx)

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	a.sched = cron.New(cron.WithParser(parser))
	if spec := cfg.Monitor.Schedule; spec != "" {
		if _, err := a.sched.AddFunc(spec, func() { a.runScan(context.Background(), "schedule") }); err != nil {
			return fmt.Errorf("monitor schedule %q: %w", spec, err)
		}
	}
	// Hourly maintenance: drop old terminal tasks and expired dedup
	// entries, and pump requeued sends.
	if _, err := a.sched.AddFunc("@every 1h", a.runMaintenance); err != nil {
		return fmt.Errorf("maintenance schedule: %w", err)
	}
	a.sched.Start()

	a.wg.Add(1)
	go a.rescanLoop()

	if cfg.WatchConfig {
		a.wg.Add(1)
		go a.watchConfig(ctx)
	}

	if err := a.serveHTTP(); err != nil {
		return err
	}

	// Recover tasks left pending by a previous run, then take a first
	// look at the record store.
	if _, err := a.disp.Pump(ctx); err != nil {
		a.log.Warn().Err(err).Msg("startup pump failed")
	}
	a.mon.RequestRescan("startup")

	a.log.Info().Str("addr", a.srv.Addr).Msg("notifyd started")
	return nil
}

func (a *App) serveHTTP() error {
	mux := http.NewServeMux()
	a.hook.Register(mux)
	health.New(health.Sources{
		Breakers:       a.gw.Snapshot,
		TaskCounts:     a.tasks.CountByState,
		LastScan:       a.mon.LastReport,
		WebhookStats:   a.hook.Stats,
		ReconcileStats: a.rec.Stats,
	}, a.log).Register(mux)
	mux.HandleFunc("/scan", a.handleScan)

	addr := a.cfg.HTTP.Addr
	if addr == "" {
		addr = ":8080"
	}
	a.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  config.Duration(a.cfg.HTTP.ReadTimeout, 10*time.Second),
		WriteTimeout: config.Duration(a.cfg.HTTP.WriteTimeout, 10*time.Second),
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Msg("http server failed")
		}
	}()
	return nil
}

// handleScan lets operators trigger an out-of-schedule pass. The scan
// runs through the same rescan funnel as inbound replies, so an
// in-flight pass is never duplicated.
func (a *App) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.mon.RequestRescan("manual")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"scheduled"}` + "\n"))
}

func (a *App) rescanLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stopCh:
			return
		case reason := <-a.mon.Rescans():
			a.runScan(context.Background(), reason)
		}
	}
}

func (a *App) runScan(ctx context.Context, reason string) {
	report, err := a.mon.Scan(ctx)
	if errors.Is(err, monitor.ErrScanInProgress) {
		a.log.Debug().Str("reason", reason).Msg("scan already running")
		return
	}
	if err != nil {
		a.log.Error().Err(err).Str("reason", reason).Msg("scan failed")
		return
	}
	a.log.Info().
		Str("reason", reason).
		Str("run_id", report.RunID).
		Int("scanned", report.Scanned).
		Int("created", report.Created).
		Msg("scan complete")

	if report.Created > 0 {
		if _, err := a.disp.Pump(ctx); err != nil {
			a.log.Error().Err(err).Msg("dispatch pump failed")
		}
	}
}

func (a *App) runMaintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	retention := config.Duration(a.cfg.Storage.Retention, 72*time.Hour)
	purged, err := a.tasks.PurgeTerminal(ctx, time.Now().Add(-retention))
	if err != nil {
		a.log.Error().Err(err).Msg("task purge failed")
	}
	pruned, err := a.ledger.PruneDedup(ctx, time.Now())
	if err != nil {
		a.log.Error().Err(err).Msg("dedup prune failed")
	}
	if purged > 0 || pruned > 0 {
		a.log.Info().Int("tasks", purged).Int("dedup", pruned).Msg("maintenance pass")
	}

	// Sweep sends still waiting on receipts: poll the channel for
	// sent tasks whose receipt never arrived, and flag unconfirmed
	// tasks stuck past the window for the operator.
	polled, flagged, err := a.rec.Sweep(ctx, a.messenger, time.Now().Add(-receiptWindow), 100)
	if err != nil {
		a.log.Error().Err(err).Msg("receipt sweep failed")
	} else if polled > 0 || flagged > 0 {
		a.log.Info().Int("polled", polled).Int("flagged", flagged).Msg("receipt sweep")
	}

	// Retry pass: pick up tasks requeued by transient send failures.
	if _, err := a.disp.Pump(ctx); err != nil {
		a.log.Error().Err(err).Msg("maintenance pump failed")
	}
}

// receiptWindow is how long a transmitted send may wait for a receipt
// before the maintenance sweep polls or flags it.
const receiptWindow = time.Hour

// watchConfig applies the dynamic subset of a changed config file:
// log level, dispatch tuning and the message template. Structural
// settings (addresses, storage, credentials) need a restart.
func (a *App) watchConfig(ctx context.Context) {
	defer a.wg.Done()

	updates := a.cfgMgr.Subscribe(1)
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := a.cfgMgr.Watch(watchCtx); err != nil {
			a.log.Warn().Err(err).Msg("config watch stopped")
		}
	}()

	for {
		select {
		case <-a.stopCh:
			return
		case cfg := <-updates:
			if cfg == nil {
				continue
			}
			a.applyConfig(cfg)
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	if lvl, err := zerolog.ParseLevel(cfg.Log.Level); err == nil && cfg.Log.Level != "" {
		zerolog.SetGlobalLevel(lvl)
	}
	a.disp.Apply(dispatch.Config{
		Workers:    cfg.Dispatch.Workers,
		QueueSize:  cfg.Dispatch.QueueSize,
		AttemptMax: cfg.Dispatch.AttemptMax,
		RatePerSec: cfg.Dispatch.RatePerSec,
	})
	if err := a.mon.SetTemplate(cfg.Dispatch.Template); err != nil {
		a.log.Warn().Err(err).Msg("template change rejected")
	}
	a.log.Info().Msg("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx) })
	return err
}

func (a *App) stop(ctx context.Context) error {
	a.log.Info().Msg("shutting down")
	close(a.stopCh)

	if a.sched != nil {
		<-a.sched.Stop().Done()
	}
	if a.srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, config.Duration(a.cfg.HTTP.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn().Err(err).Msg("http shutdown")
		}
	}

	a.disp.Stop(ctx)
	a.wg.Wait()
	a.closeStorage()

	a.log.Info().Msg("stopped")
	return nil
}

func (a *App) closeStorage() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn().Err(err).Msg("redis close")
		}
	}
	if a.tasks != nil {
		if err := a.tasks.Close(); err != nil {
			a.log.Warn().Err(err).Msg("store close")
		}
	}
}

// recordMarker writes the notified fingerprint back to the record so
// the next scan recognizes the status as handled.
type recordMarker struct {
	records          *airtable.Client
	fingerprintField string
	atField          string
}

func (m *recordMarker) MarkNotified(ctx context.Context, recordID, fingerprint string, at time.Time) error {
	return m.records.Update(ctx, recordID, map[string]any{
		m.fingerprintField: fingerprint,
		m.atField:          at.UTC().Format(time.RFC3339),
	})
}

func fieldOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
