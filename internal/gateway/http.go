package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// StatusError is a non-2xx response from a remote adapter.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ClassifyHTTPStatus maps a response status onto the gateway error
// taxonomy: 5xx and 408 are transient, 429 is transient with a
// Retry-After hint, every other 4xx is permanent.
func ClassifyHTTPStatus(status int, body string, header http.Header) error {
	if status >= 200 && status < 300 {
		return nil
	}
	err := &StatusError{Status: status, Body: body}
	switch {
	case status == http.StatusTooManyRequests:
		return RetryAfter(Transient(err), parseRetryAfter(header))
	case status == http.StatusRequestTimeout || status >= 500:
		return Transient(err)
	default:
		return Permanent(err)
	}
}

func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
