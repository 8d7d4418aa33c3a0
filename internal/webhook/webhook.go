// Package webhook implements the inbound HTTP surface for the
// messaging channel: the subscription verification handshake and the
// event receiver with at-most-once processing per delivery.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"notifyd/internal/event"
	"notifyd/internal/store"
)

const (
	// maxBodyBytes is the default payload bound; the channel's
	// batches are far smaller in practice.
	maxBodyBytes = int64(1 << 20)

	// headerDeliveryID is the channel's delivery identifier. When it
	// is absent the payload hash stands in, which still collapses
	// exact redeliveries.
	headerDeliveryID = "X-Delivery-Id"
)

// Consumer receives each parsed event exactly once per delivery.
type Consumer interface {
	Apply(ctx context.Context, ev event.InboundEvent) error
}

type Config struct {
	// VerifyToken is the shared secret checked during the GET
	// subscription handshake.
	VerifyToken string
	// DedupTTL is how long a processed delivery id is remembered.
	DedupTTL time.Duration
	// MaxBodyBytes bounds a single payload. Default 1 MiB.
	MaxBodyBytes int64
}

// Stats are cumulative counters served by the status endpoint.
type Stats struct {
	Received   uint64 `json:"received"`
	Duplicates uint64 `json:"duplicates"`
	Malformed  uint64 `json:"malformed"`
	Events     uint64 `json:"events"`
	Failures   uint64 `json:"failures"`
}

type Handler struct {
	cfg      Config
	ledger   store.DedupLedger
	consumer Consumer
	log      zerolog.Logger

	received   atomic.Uint64
	duplicates atomic.Uint64
	malformed  atomic.Uint64
	events     atomic.Uint64
	failures   atomic.Uint64
}

func New(cfg Config, ledger store.DedupLedger, consumer Consumer, log zerolog.Logger) *Handler {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = maxBodyBytes
	}
	return &Handler{
		cfg:      cfg,
		ledger:   ledger,
		consumer: consumer,
		log:      log.With().Str("component", "webhook").Logger(),
	}
}

// Register mounts the webhook routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/webhook", h.handle)
	mux.HandleFunc("/webhook/status", h.handleStatus)
}

func (h *Handler) Stats() Stats {
	return Stats{
		Received:   h.received.Load(),
		Duplicates: h.duplicates.Load(),
		Malformed:  h.malformed.Load(),
		Events:     h.events.Load(),
		Failures:   h.failures.Load(),
	}
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleVerify(w, r)
	case http.MethodPost:
		h.handleEvents(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVerify answers the subscription handshake. The challenge is
// echoed back as plain text only when both the mode and the token
// match; the configured token itself never appears in a response.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" {
		h.log.Warn().Str("mode", mode).Msg("verification with unexpected mode")
		http.Error(w, "unexpected mode", http.StatusBadRequest)
		return
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.VerifyToken)) != 1 {
		h.log.Warn().Msg("verification token mismatch")
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}

	h.log.Info().Msg("webhook subscription verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, challenge)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	h.received.Add(1)

	body, err := io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxBodyBytes+1))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > h.cfg.MaxBodyBytes {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	deliveryID := r.Header.Get(headerDeliveryID)
	if deliveryID == "" {
		deliveryID = hashBody(body)
	}

	seen, err := h.ledger.Seen(r.Context(), "delivery:"+deliveryID, h.cfg.DedupTTL)
	if err != nil {
		// Fail closed: without the ledger we cannot promise
		// at-most-once, so make the channel redeliver.
		h.log.Error().Err(err).Msg("dedup ledger unavailable")
		http.Error(w, "temporarily unavailable", http.StatusInternalServerError)
		return
	}
	if seen {
		h.duplicates.Add(1)
		h.log.Debug().Str("delivery_id", deliveryID).Msg("duplicate delivery acknowledged")
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_processed"})
		return
	}

	events, err := parseEvents(deliveryID, time.Now(), body)
	if err != nil {
		// Acknowledge anyway: a payload we cannot parse today will
		// not parse on redelivery either.
		h.malformed.Add(1)
		h.log.Warn().Err(err).Str("delivery_id", deliveryID).Msg("malformed payload acknowledged")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	for _, ev := range events {
		if err := h.consumer.Apply(r.Context(), ev); err != nil {
			h.failures.Add(1)
			h.log.Error().Err(err).Str("delivery_id", deliveryID).Msg("event apply failed")
			continue
		}
		h.events.Add(1)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.Stats())
}

func hashBody(body []byte) string {
	sum := fnv.New64a()
	sum.Write(body)
	return fmt.Sprintf("fnv:%016x", sum.Sum64())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
