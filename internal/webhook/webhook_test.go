package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"notifyd/internal/event"
	"notifyd/internal/store"
)

type captureConsumer struct {
	mu     sync.Mutex
	events []event.InboundEvent
	err    error
}

func (c *captureConsumer) Apply(ctx context.Context, ev event.InboundEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return c.err
}

func newHandler(t *testing.T) (*Handler, *captureConsumer) {
	t.Helper()
	consumer := &captureConsumer{}
	h := New(Config{VerifyToken: "secret-token", DedupTTL: time.Hour}, store.NewMemory(), consumer, zerolog.Nop())
	return h, consumer
}

func serve(h *Handler, r *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.Register(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func TestVerifyEchoesChallenge(t *testing.T) {
	h, _ := newHandler(t)
	r := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=secret-token&hub.challenge=1158201444", nil)
	w := serve(h, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := w.Body.String(); body != "1158201444" {
		t.Fatalf("expected challenge echo, got %q", body)
	}
}

func TestVerifyRejectsWrongMode(t *testing.T) {
	h, _ := newHandler(t)
	r := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=unsubscribe&hub.verify_token=secret-token&hub.challenge=1", nil)
	if w := serve(h, r); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestVerifyRejectsBadTokenWithoutEchoing(t *testing.T) {
	h, _ := newHandler(t)
	r := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1", nil)
	w := serve(h, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "secret-token") {
		t.Fatal("response must never contain the configured token")
	}
}

const statusPayload = `{
	"object": "whatsapp_business_account",
	"entry": [{"id": "ent1", "changes": [{"field": "messages", "value": {
		"messaging_product": "whatsapp",
		"statuses": [{"id": "wamid.42", "status": "delivered", "timestamp": "1700000000", "recipient_id": "15550001111"}]
	}}]}]
}`

const messagePayload = `{
	"object": "whatsapp_business_account",
	"entry": [{"id": "ent1", "changes": [{"field": "messages", "value": {
		"messaging_product": "whatsapp",
		"messages": [{"id": "wamid.77", "from": "15550001111", "timestamp": "1700000000", "type": "text", "text": {"body": "done, thanks"}}]
	}}]}]
}`

func TestEventsDispatchedToConsumer(t *testing.T) {
	h, consumer := newHandler(t)
	r := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(statusPayload))
	r.Header.Set("X-Delivery-Id", "d1")
	w := serve(h, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(consumer.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(consumer.events))
	}
	ev := consumer.events[0]
	if ev.Kind != event.KindStatusUpdate || ev.RemoteID != "wamid.42" || ev.Status != "delivered" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestInboundMessageParsed(t *testing.T) {
	h, consumer := newHandler(t)
	r := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(messagePayload))
	r.Header.Set("X-Delivery-Id", "d2")
	serve(h, r)

	if len(consumer.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(consumer.events))
	}
	ev := consumer.events[0]
	if ev.Kind != event.KindInboundMessage || ev.From != "15550001111" || ev.Text != "done, thanks" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestDuplicateDeliveryAcknowledgedOnce(t *testing.T) {
	h, consumer := newHandler(t)
	for i := 0; i < 2; i++ {
		r := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(statusPayload))
		r.Header.Set("X-Delivery-Id", "dup-1")
		w := serve(h, r)
		if w.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d", i, w.Code)
		}
	}
	if len(consumer.events) != 1 {
		t.Fatalf("duplicate delivery must be processed once, got %d events", len(consumer.events))
	}
	if h.Stats().Duplicates != 1 {
		t.Fatalf("stats: %+v", h.Stats())
	}
}

func TestMissingDeliveryHeaderFallsBackToBodyHash(t *testing.T) {
	h, consumer := newHandler(t)
	for i := 0; i < 2; i++ {
		r := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(statusPayload))
		serve(h, r)
	}
	if len(consumer.events) != 1 {
		t.Fatalf("identical bodies must dedup via hash, got %d events", len(consumer.events))
	}
}

func TestMalformedPayloadAcknowledged(t *testing.T) {
	h, consumer := newHandler(t)
	r := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{not json"))
	w := serve(h, r)

	if w.Code != http.StatusOK {
		t.Fatalf("malformed payload must still be acked, got %d", w.Code)
	}
	if len(consumer.events) != 0 {
		t.Fatalf("expected no events, got %d", len(consumer.events))
	}
	if h.Stats().Malformed != 1 {
		t.Fatalf("stats: %+v", h.Stats())
	}
}

func TestOversizedPayloadRejected(t *testing.T) {
	h, _ := newHandler(t)
	big := strings.Repeat("a", int(maxBodyBytes)+2)
	r := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(big))
	if w := serve(h, r); w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestLedgerFailureReturns500(t *testing.T) {
	consumer := &captureConsumer{}
	h := New(Config{VerifyToken: "secret-token"}, failingLedger{}, consumer, zerolog.Nop())
	r := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(statusPayload))
	w := serve(h, r)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if len(consumer.events) != 0 {
		t.Fatal("no events may be processed without the ledger")
	}
}

func TestStatusEndpoint(t *testing.T) {
	h, _ := newHandler(t)
	r := httptest.NewRequest(http.MethodGet, "/webhook/status", nil)
	w := serve(h, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), "received") {
		t.Fatalf("unexpected status body: %s", body)
	}
}

type failingLedger struct{}

func (failingLedger) Seen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return false, context.DeadlineExceeded
}

func (failingLedger) PruneDedup(ctx context.Context, now time.Time) (int, error) { return 0, nil }
