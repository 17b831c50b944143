// Package listener polls the scheduled-events metadata endpoint and
// reacts to impending maintenance events with a fixed dispatch policy.
package listener

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/g960059/schedev/internal/api"
)

// APIVersion is the metadata protocol version sent on every request.
const APIVersion = "2020-07-01"

const defaultRequestTimeout = 10 * time.Second

// Client speaks the scheduled-events protocol. Every call, including
// the primary poll, carries the same explicit timeout; an expiry is a
// transport error the caller observes on its next tick.
type Client struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		timeout: timeout,
	}
}

// NewClientWithHTTP injects a custom http.Client, for tests.
func NewClientWithHTTP(baseURL string, client *http.Client, timeout time.Duration) *Client {
	c := NewClient(baseURL, timeout)
	if client != nil {
		c.client = client
	}
	return c
}

type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// Query reads the current events document.
func (c *Client) Query(ctx context.Context) (api.EventsDocument, error) {
	return c.exchange(ctx, http.MethodGet, nil)
}

// Confirm requests early start of the named events and returns the
// post-mutation document. Confirmation is idempotent and safe to
// resend.
func (c *Client) Confirm(ctx context.Context, eventIDs ...string) (api.EventsDocument, error) {
	req := api.ConfirmRequest{StartRequests: make([]api.StartRequest, 0, len(eventIDs))}
	for _, id := range eventIDs {
		req.StartRequests = append(req.StartRequests, api.StartRequest{EventID: id})
	}
	return c.exchange(ctx, http.MethodPost, req)
}

func (c *Client) exchange(ctx context.Context, method string, body any) (api.EventsDocument, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	query := url.Values{}
	query.Set("api-version", APIVersion)
	u := c.baseURL + "/metadata/scheduledevents?" + query.Encode()

	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return api.EventsDocument{}, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return api.EventsDocument{}, err
	}
	// The metadata service ignores requests without this header.
	req.Header.Set("Metadata", "true")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return api.EventsDocument{}, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return api.EventsDocument{}, err
	}
	if resp.StatusCode >= 400 {
		return api.EventsDocument{}, &RequestError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	var doc api.EventsDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return api.EventsDocument{}, fmt.Errorf("decode events document: %w", err)
	}
	return doc, nil
}
