// Package whatsapp is the messaging-channel adapter for the WhatsApp
// Cloud (Graph) API. Sends are non-idempotent: a timeout after the
// request hit the wire surfaces as an unknown outcome, never a blind
// retry.
package whatsapp

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

	"github.com/rs/zerolog"

	"notifyd/internal/gateway"
)

const defaultBaseURL = "https://graph.facebook.com/v19.0"

type Config struct {
	BaseURL       string
	Token         string
	PhoneNumberID string
}

type Client struct {
	cfg  Config
	gw   *gateway.Gateway
	http *http.Client
	log  zerolog.Logger
}

func New(cfg Config, gw *gateway.Gateway, log zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("whatsapp token is empty")
	}
	if strings.TrimSpace(cfg.PhoneNumberID) == "" {
		return nil, errors.New("whatsapp phone number id is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Client{
		cfg:  cfg,
		gw:   gw,
		http: &http.Client{},
		log:  log.With().Str("component", "whatsapp").Logger(),
	}, nil
}

type sendRequest struct {
	MessagingProduct string            `json:"messaging_product"`
	RecipientType    string            `json:"recipient_type"`
	To               string            `json:"to"`
	Type             string            `json:"type"`
	Text             map[string]string `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Send delivers a text message and returns the remote message id
// (the "wamid" used by status callbacks).
func (c *Client) Send(ctx context.Context, recipient, text string) (string, error) {
	payload, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               recipient,
		Type:             "text",
		Text:             map[string]string{"body": text},
	})
	if err != nil {
		return "", gateway.Permanent(err)
	}

	var resp sendResponse
	err = c.gw.Invoke(ctx, gateway.Request{
		Adapter: gateway.AdapterMessaging,
		Op:      "send",
		Do: func(ctx context.Context) error {
			u := fmt.Sprintf("%s/%s/messages", c.cfg.BaseURL, url.PathEscape(c.cfg.PhoneNumberID))
			resp = sendResponse{}
			return c.do(ctx, http.MethodPost, u, payload, &resp)
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return "", gateway.Permanent(errors.New("send response carried no message id"))
	}
	return resp.Messages[0].ID, nil
}

// GetStatus polls the current status of a previously sent message.
func (c *Client) GetStatus(ctx context.Context, messageID string) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	err := c.gw.Invoke(ctx, gateway.Request{
		Adapter:    gateway.AdapterMessaging,
		Op:         "get_status",
		Idempotent: true,
		Do: func(ctx context.Context) error {
			u := fmt.Sprintf("%s/%s", c.cfg.BaseURL, url.PathEscape(messageID))
			return c.do(ctx, http.MethodGet, u, nil, &resp)
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Status, nil
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
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
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
