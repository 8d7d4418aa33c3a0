// Package airtable is the record-store adapter: list records by
// status and write fields back. All calls go through the remote call
// gateway, which owns retries and the circuit breaker.
package airtable

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"notifyd/internal/gateway"
)

const defaultBaseURL = "https://api.airtable.com/v0"

// Record is the raw store projection: an id plus the field map. The
// monitor derives everything else (fingerprint, recipient) from it.
type Record struct {
	ID          string         `json:"id"`
	CreatedTime time.Time      `json:"createdTime"`
	Fields      map[string]any `json:"fields"`
}

type Config struct {
	BaseURL string
	APIKey  string
	BaseID  string
	Table   string
}

type Client struct {
	cfg  Config
	gw   *gateway.Gateway
	http *http.Client
	log  zerolog.Logger
}

func New(cfg Config, gw *gateway.Gateway, log zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("airtable api key is empty")
	}
	if strings.TrimSpace(cfg.BaseID) == "" || strings.TrimSpace(cfg.Table) == "" {
		return nil, errors.New("airtable base id and table are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Client{
		cfg: cfg,
		gw:  gw,
		// No client-level timeout: the gateway bounds each attempt.
		http: &http.Client{},
		log:  log.With().Str("component", "airtable").Logger(),
	}, nil
}

// List returns all records whose status field matches one of the
// given statuses, following Airtable's offset pagination.
func (c *Client) List(ctx context.Context, statusField string, statuses []string) ([]Record, error) {
	var out []Record
	offset := ""
	for {
		page, next, err := c.listPage(ctx, statusField, statuses, offset)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == "" {
			return out, nil
		}
		offset = next
	}
}

func (c *Client) listPage(ctx context.Context, statusField string, statuses []string, offset string) ([]Record, string, error) {
	var body struct {
		Records []Record `json:"records"`
		Offset  string   `json:"offset"`
	}
	err := c.gw.Invoke(ctx, gateway.Request{
		Adapter:    gateway.AdapterRecords,
		Op:         "list",
		Idempotent: true,
		Do: func(ctx context.Context) error {
			q := url.Values{}
			q.Set("filterByFormula", statusFormula(statusField, statuses))
			q.Set("pageSize", "100")
			if offset != "" {
				q.Set("offset", offset)
			}
			u := fmt.Sprintf("%s/%s/%s?%s", c.cfg.BaseURL, c.cfg.BaseID, url.PathEscape(c.cfg.Table), q.Encode())
			body.Records = nil
			body.Offset = ""
			return c.do(ctx, http.MethodGet, u, nil, &body)
		},
	})
	if err != nil {
		return nil, "", err
	}
	return body.Records, body.Offset, nil
}

// Update patches fields on one record. Field writes are idempotent
// (same fields, same result), so the gateway may retry timeouts.
func (c *Client) Update(ctx context.Context, recordID string, fields map[string]any) error {
	payload, err := json.Marshal(map[string]any{"fields": fields, "typecast": true})
	if err != nil {
		return gateway.Permanent(err)
	}
	return c.gw.Invoke(ctx, gateway.Request{
		Adapter:    gateway.AdapterRecords,
		Op:         "update",
		Idempotent: true,
		Do: func(ctx context.Context) error {
			u := fmt.Sprintf("%s/%s/%s/%s", c.cfg.BaseURL, c.cfg.BaseID, url.PathEscape(c.cfg.Table), url.PathEscape(recordID))
			return c.do(ctx, http.MethodPatch, u, payload, nil)
		},
	})
}

func (c *Client) do(ctx context.Context, method, u string, payload []byte, out any) error {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return gateway.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return gateway.Transient(err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gateway.Transient(err)
	}
	if cerr := gateway.ClassifyHTTPStatus(resp.StatusCode, strings.TrimSpace(string(b)), resp.Header); cerr != nil {
		return cerr
	}
	if out != nil {
		if err := json.Unmarshal(b, out); err != nil {
			return gateway.Permanent(fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

// statusFormula builds OR({Status}='a',{Status}='b'); single statuses
// skip the OR wrapper.
func statusFormula(field string, statuses []string) string {
	terms := make([]string, 0, len(statuses))
	for _, s := range statuses {
		terms = append(terms, fmt.Sprintf("{%s}='%s'", field, strings.ReplaceAll(s, "'", "\\'")))
	}
	if len(terms) == 1 {
		return terms[0]
	}
	return "OR(" + strings.Join(terms, ",") + ")"
}
