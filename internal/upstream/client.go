// Package upstream executes routed requests against the cloud-management API.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmbish04/cfgate/internal/retry"
	"github.com/jmbish04/cfgate/internal/types"
)

// maxBody caps how much of a downstream response is relayed.
const maxBody = 10 << 20

// ErrResponseTooLarge is returned when a downstream body exceeds maxBody. The
// body is never relayed truncated.
var ErrResponseTooLarge = errors.New("upstream response exceeds relay limit")

// Request is a fully routed call.
type Request struct {
	Product string
	Action  string
	Method  types.Method
	Params  map[string]string
	Body    []byte
}

// Response is the downstream reply, relayed verbatim.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// Config configures the Client.
type Config struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
}

// Client implements the gateway's execution target over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	policy     *retry.Policy
}

// New creates a Client. GETs are retried under policy when it is non-nil.
func New(cfg Config, policy *retry.Policy) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.APIToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		policy: policy,
	}
}

// URL builds {base}/{product}[/{action}] with params as the query string.
func (c *Client) URL(req Request) string {
	u := c.baseURL + "/" + url.PathEscape(req.Product)
	if req.Action != "" {
		u += "/" + url.PathEscape(req.Action)
	}
	if len(req.Params) > 0 {
		q := url.Values{}
		for k, v := range req.Params {
			q.Set(k, v)
		}
		u += "?" + q.Encode()
	}
	return u
}

// Execute performs the call. Any HTTP response, whatever its status, is a
// successful execution. Transport failures and bodies over the relay limit
// return an error wrapped in ErrUpstreamUnavailable.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: no upstream base url configured", types.ErrUpstreamUnavailable)
	}

	out, err := c.call(ctx, req.Method, c.URL(req), req.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", types.ErrUpstreamUnavailable, req.Method, req.Product, err)
	}
	return out, nil
}

// call sends one request, retrying GETs under the policy. An oversized body
// is final and not retried.
func (c *Client) call(ctx context.Context, method types.Method, target string, body []byte) (*Response, error) {
	var out *Response
	var tooLarge error
	attempt := func(ctx context.Context) error {
		var err error
		out, err = c.send(ctx, method, target, body)
		if errors.Is(err, ErrResponseTooLarge) {
			tooLarge = err
			return nil
		}
		return err
	}

	var err error
	if method == types.MethodGet && c.policy != nil {
		err = c.policy.Do(ctx, attempt)
	} else {
		err = attempt(ctx)
	}
	if tooLarge != nil {
		return nil, tooLarge
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) send(ctx context.Context, method types.Method, target string, reqBody []byte) (*Response, error) {
	var body io.Reader
	if len(reqBody) > 0 {
		body = bytes.NewReader(reqBody)
	}
	httpReq, err := http.NewRequestWithContext(ctx, string(method), target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if len(reqBody) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if len(respBody) > maxBody {
		return nil, fmt.Errorf("%w: more than %d bytes from %s", ErrResponseTooLarge, maxBody, target)
	}
	return &Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
	}, nil
}

// classify tags network timeouts so the retry policy recognises them.
func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("timeout: %w", err)
	}
	return err
}
