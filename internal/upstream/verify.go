package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/jmbish04/cfgate/internal/types"
)

// Check is the outcome of one read-only permission check.
type Check struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped,omitempty"`
	Count   int    `json:"count"`
	Detail  string `json:"detail,omitempty"`
}

// VerifyReport collects every check of a Verify run.
type VerifyReport struct {
	Checks []Check `json:"checks"`
	Passed int     `json:"passed"`
	Failed int     `json:"failed"`
}

// OK reports whether every check that ran passed.
func (r *VerifyReport) OK() bool {
	return r.Failed == 0
}

// envelope is the API's standard response wrapper.
type envelope struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result json.RawMessage `json:"result"`
}

type target struct {
	name      string
	// path is formatted with the escaped account id when scoped is set.
	path      string
	scoped    bool
	// needItems fails the check when the result list is empty.
	needItems bool
}

func targets(accountID string) []target {
	verify := target{name: "token", path: "/user/tokens/verify"}
	tokens := target{name: "tokens", path: "/user/tokens"}
	if accountID != "" {
		verify = target{name: "token", path: "/accounts/%s/tokens/verify", scoped: true}
		tokens = target{name: "tokens", path: "/accounts/%s/tokens", scoped: true}
	}
	return []target{
		verify,
		{name: "accounts", path: "/accounts", needItems: true},
		{name: "workers", path: "/accounts/%s/workers/scripts", scoped: true},
		{name: "d1", path: "/accounts/%s/d1/database", scoped: true},
		{name: "kv", path: "/accounts/%s/storage/kv/namespaces", scoped: true},
		{name: "ai", path: "/accounts/%s/ai/models/search", scoped: true},
		tokens,
	}
}

// Verify checks that the configured token can read every product the gateway
// proxies. Only GETs are issued. Account-scoped checks are skipped when
// accountID is empty. The error is reserved for a client that cannot run at
// all; failing checks are reported in the result.
func (c *Client) Verify(ctx context.Context, accountID string) (*VerifyReport, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: no upstream base url configured", types.ErrUpstreamUnavailable)
	}
	if c.token == "" {
		return nil, types.InvalidArgument("no upstream api token configured")
	}

	list := targets(accountID)
	checks := make([]Check, len(list))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, p := range list {
		if p.scoped && accountID == "" {
			checks[i] = Check{Name: p.name, Path: p.path, Skipped: true, Detail: "no account id configured"}
			continue
		}
		path := p.path
		if p.scoped {
			path = fmt.Sprintf(p.path, url.PathEscape(accountID))
		}
		g.Go(func() error {
			checks[i] = c.check(ctx, p, path)
			return nil
		})
	}
	g.Wait()

	report := &VerifyReport{Checks: checks}
	for _, ch := range checks {
		switch {
		case ch.Skipped:
		case ch.OK:
			report.Passed++
		default:
			report.Failed++
		}
	}
	return report, nil
}

func (c *Client) check(ctx context.Context, p target, path string) Check {
	out := Check{Name: p.name, Path: path}

	resp, err := c.call(ctx, types.MethodGet, c.baseURL+path, nil)
	if err != nil {
		out.Detail = err.Error()
		return out
	}

	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		out.Detail = fmt.Sprintf("status %d: invalid JSON response", resp.Status)
		return out
	}
	if resp.Status != http.StatusOK || !env.Success {
		out.Detail = fmt.Sprintf("status %d", resp.Status)
		if len(env.Errors) > 0 {
			out.Detail = fmt.Sprintf("error %d: %s", env.Errors[0].Code, env.Errors[0].Message)
		}
		return out
	}

	var items []json.RawMessage
	if json.Unmarshal(env.Result, &items) == nil {
		out.Count = len(items)
	}
	if p.needItems && out.Count == 0 {
		out.Detail = "nothing accessible"
		return out
	}
	out.OK = true
	return out
}
