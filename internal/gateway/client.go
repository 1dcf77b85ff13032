// Package gateway wraps the REST collaborators the orchestrator drives:
// inventory, ecommerce (customers, carts, orders) and payment.
//
// A single Client is built at startup and shared by every adapter; there is
// no package level HTTP state. Every request forwards the request id and
// the idempotency key found in the context.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jcmexdev/saga-orchestrator/internal/pkg/reqctx"
)

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 512

// Client performs JSON calls against collaborators.
type Client struct {
	http   *http.Client
	apiKey string
}

// NewClient returns a Client whose calls give up after timeout. apiKey, when
// set, is sent in the apikey header expected by the API gateway in front of
// the collaborators.
func NewClient(timeout time.Duration, apiKey string) *Client {
	return &Client{
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		apiKey: apiKey,
	}
}

// call describes one request.
type call struct {
	service string
	op      string
	method  string
	url     string
	query   url.Values
	body    any
	want    []int // accepted status codes, 200 when empty
	out     any   // decoded on success when non-nil
}

func (c *Client) do(ctx context.Context, in call) error {
	fail := func(status int, err error) error {
		return &Error{Service: in.service, Op: in.op, StatusCode: status, Err: err}
	}

	target := in.url
	if len(in.query) > 0 {
		target += "?" + in.query.Encode()
	}

	var body io.Reader
	if in.body != nil {
		b, err := json.Marshal(in.body)
		if err != nil {
			return fail(0, fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, in.method, target, body)
	if err != nil {
		return fail(0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if id := reqctx.RequestID(ctx); id != "" {
		req.Header.Set(reqctx.HeaderXRequestID, id)
	}
	if key := reqctx.IdempotencyKey(ctx); key != "" {
		req.Header.Set(reqctx.HeaderXIdempotencyKey, key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()

	want := in.want
	if len(want) == 0 {
		want = []int{http.StatusOK}
	}
	if !slices.Contains(want, resp.StatusCode) {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(snippet))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fail(resp.StatusCode, fmt.Errorf("unexpected response: %s", msg))
	}

	if in.out != nil {
		if err := json.NewDecoder(resp.Body).Decode(in.out); err != nil {
			return fail(resp.StatusCode, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

func join(base string, parts ...string) string {
	return strings.TrimRight(base, "/") + "/" + strings.Join(parts, "/")
}
