// Package api implements the HTTP client for the remote inventory API.
// The engine only depends on this contract: request in, classified
// success/conflict/rejection/retryable out, with the server's current
// record attached where the protocol provides one.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tkhuang/stockpilot/internal/errors"
	"github.com/tkhuang/stockpilot/internal/models"
)

// idempotencyHeader carries the client-generated key the server
// deduplicates on. The key is fixed at enqueue time and reused on every
// retry of the same entry. Only stock-affecting kinds carry it: a replayed
// sale or product mutation could double-move stock, while a warehouse
// upsert keyed by client id is naturally idempotent.
const idempotencyHeader = "X-Idempotency-Key"

// Outcome classifies a remote call result.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"   // 2xx
	OutcomeConflict  Outcome = "conflict"  // 409, server state attached
	OutcomeNotFound  Outcome = "not_found" // 404 on UPDATE/DELETE
	OutcomeRejected  Outcome = "rejected"  // other 4xx, non-retryable
	OutcomeRetryable Outcome = "retryable" // 5xx, 429, network error, timeout
)

// Result is the classified outcome of one mutation call.
type Result struct {
	Outcome       Outcome
	StatusCode    int
	ServerRecord  *models.Record // canonical record on 2xx, current state on 409
	ServerDeleted bool           // 409 with a deletion tombstone
	RoundTrip     time.Duration
	Err           error
}

// Client talks to the remote API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a Client. timeout bounds each mutation call; a timed-out
// call is classified retryable, never left dangling.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		timeout: timeout,
	}
}

// Send translates a queue entry into the corresponding remote call:
// POST for CREATE, PUT for UPDATE, DELETE for DELETE. Only payload
// serialization problems return an error; every transport or protocol
// outcome is reported through the Result.
func (c *Client) Send(ctx context.Context, entry *models.QueueEntry) (*Result, error) {
	var method, target string
	var body io.Reader

	switch entry.Operation {
	case models.OperationCreate:
		method = http.MethodPost
		target = fmt.Sprintf("%s/%s", c.baseURL, entry.EntityKind)
		body = bytes.NewReader(entry.Payload)
	case models.OperationUpdate:
		method = http.MethodPut
		target = fmt.Sprintf("%s/%s/%s", c.baseURL, entry.EntityKind, entry.EntityID)
		body = bytes.NewReader(entry.Payload)
	case models.OperationDelete:
		method = http.MethodDelete
		target = fmt.Sprintf("%s/%s/%s", c.baseURL, entry.EntityKind, entry.EntityID)
	default:
		return nil, errors.Newf(errors.ErrInvalidOperation, "unknown operation %q", entry.Operation)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if entry.EntityKind.StockAffecting() {
		req.Header.Set(idempotencyHeader, entry.IdempotencyKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	rtt := time.Since(start)
	if err != nil {
		return &Result{
			Outcome:   OutcomeRetryable,
			RoundTrip: rtt,
			Err:       classifyTransport(err),
		}, nil
	}
	defer resp.Body.Close()

	return c.classify(resp, rtt)
}

// conflictBody is the 409 envelope: the server attaches its current state,
// or a deletion tombstone when the record no longer exists but the conflict
// is still reported against a stale update.
type conflictBody struct {
	Message string         `json:"message,omitempty"`
	Current *models.Record `json:"current,omitempty"`
	Deleted bool           `json:"deleted,omitempty"`
}

func (c *Client) classify(resp *http.Response, rtt time.Duration) (*Result, error) {
	result := &Result{StatusCode: resp.StatusCode, RoundTrip: rtt}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result.Outcome = OutcomeSuccess
		if len(data) > 0 {
			if rec, err := models.UnmarshalRecord(data); err == nil {
				result.ServerRecord = rec
			}
		}

	case resp.StatusCode == http.StatusConflict:
		result.Outcome = OutcomeConflict
		var body conflictBody
		if err := json.Unmarshal(data, &body); err == nil {
			result.ServerRecord = body.Current
			result.ServerDeleted = body.Deleted || body.Current == nil
		} else {
			result.ServerDeleted = true
		}

	case resp.StatusCode == http.StatusNotFound:
		result.Outcome = OutcomeNotFound

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		result.Outcome = OutcomeRetryable
		result.Err = errors.Newf(errors.ErrServerError,
			"server returned %d: %s", resp.StatusCode, truncate(data))

	default:
		result.Outcome = OutcomeRejected
		result.Err = errors.Newf(errors.ErrServerRejected,
			"server rejected request with %d: %s", resp.StatusCode, truncate(data))
	}

	return result, nil
}

// classifyTransport maps transport failures onto the retryable taxonomy.
func classifyTransport(err error) error {
	var urlErr *url.Error
	if stderrors.As(err, &urlErr) && urlErr.Timeout() {
		return errors.Wrap(errors.ErrTimeout, "request timed out", err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrTimeout, "request timed out", err)
	}
	return errors.Wrap(errors.ErrNetwork, "request failed", err)
}

func truncate(data []byte) string {
	const max = 256
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
