package airtable

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"notifyd/internal/gateway"
)

func newGateway(t *testing.T, retries int) *gateway.Gateway {
	t.Helper()
	return gateway.New(gateway.Config{
		Timeout:       2 * time.Second,
		RetryMax:      retries,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		Breaker:       gateway.BreakerConfig{TripFailures: -1},
	}, zerolog.Nop())
}

func newClient(t *testing.T, baseURL string, retries int) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: baseURL, APIKey: "key", BaseID: "app1", Table: "Processes"}, newGateway(t, retries), zerolog.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestListFollowsPagination(t *testing.T) {
	var gotAuth, gotFormula string
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		gotAuth = r.Header.Get("Authorization")
		gotFormula = r.URL.Query().Get("filterByFormula")
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("offset") == "" {
			fmt.Fprint(w, `{"records":[{"id":"rec1","fields":{"Status":"Blocked"}}],"offset":"page2"}`)
			return
		}
		fmt.Fprint(w, `{"records":[{"id":"rec2","fields":{"Status":"Overdue"}}]}`)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 0)
	records, err := c.List(context.Background(), "Status", []string{"Blocked", "Overdue"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 || records[0].ID != "rec1" || records[1].ID != "rec2" {
		t.Fatalf("unexpected records: %+v", records)
	}
	if calls != 2 {
		t.Fatalf("expected 2 pages, got %d calls", calls)
	}
	if gotAuth != "Bearer key" {
		t.Fatalf("auth header: %q", gotAuth)
	}
	if gotFormula != "OR({Status}='Blocked',{Status}='Overdue')" {
		t.Fatalf("formula: %q", gotFormula)
	}
}

func TestListRetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "boom", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"records":[]}`)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 2)
	if _, err := c.List(context.Background(), "Status", []string{"Blocked"}); err != nil {
		t.Fatalf("list should recover after retry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestListPermanentErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "no such table", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 3)
	_, err := c.List(context.Background(), "Status", []string{"Blocked"})
	if err == nil || !gateway.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent error must not retry, got %d calls", calls)
	}
}

func TestUpdatePatchesFields(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprint(w, `{"id":"rec1"}`)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, 0)
	err := c.Update(context.Background(), "rec1", map[string]any{"Last Notified Fingerprint": "abc"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if gotMethod != http.MethodPatch || !strings.HasSuffix(gotPath, "/app1/Processes/rec1") {
		t.Fatalf("unexpected request: %s %s", gotMethod, gotPath)
	}
	fields, _ := gotBody["fields"].(map[string]any)
	if fields["Last Notified Fingerprint"] != "abc" {
		t.Fatalf("fields: %v", gotBody)
	}
	if gotBody["typecast"] != true {
		t.Fatalf("typecast missing: %v", gotBody)
	}
}

func TestStatusFormula(t *testing.T) {
	if got := statusFormula("Status", []string{"Blocked"}); got != "{Status}='Blocked'" {
		t.Fatalf("single: %q", got)
	}
	if got := statusFormula("Status", []string{"it's"}); got != `{Status}='it\'s'` {
		t.Fatalf("escape: %q", got)
	}
}
