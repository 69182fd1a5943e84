package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jmbish04/cfgate/internal/types"
)

// fakeAPI answers every GET with a successful envelope unless the path is
// listed in denied.
func fakeAPI(t *testing.T, denied ...string) (*httptest.Server, func() []string) {
	t.Helper()
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path)
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token on %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		for _, d := range denied {
			if r.URL.Path == d {
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"success":false,"errors":[{"code":10000,"message":"Authentication error"}],"result":null}`))
				return
			}
		}
		if strings.HasSuffix(r.URL.Path, "/verify") {
			w.Write([]byte(`{"success":true,"errors":[],"result":{"id":"t1","status":"active"}}`))
			return
		}
		w.Write([]byte(`{"success":true,"errors":[],"result":[{"id":"a"},{"id":"b"}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}
}

func TestVerifyAccountChecks(t *testing.T) {
	srv, seen := fakeAPI(t, "/accounts/acc-1/d1/database")
	c := New(Config{BaseURL: srv.URL, APIToken: "tok"}, nil)

	report, err := c.Verify(context.Background(), "acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Passed != 6 || report.Failed != 1 || report.OK() {
		t.Fatalf("expected 6 passed and 1 failed, got %+v", report)
	}

	byName := map[string]Check{}
	for _, ch := range report.Checks {
		byName[ch.Name] = ch
	}
	if d1 := byName["d1"]; d1.OK || !strings.Contains(d1.Detail, "Authentication error") {
		t.Errorf("expected d1 failure with API message, got %+v", d1)
	}
	if w := byName["workers"]; !w.OK || w.Count != 2 || w.Path != "/accounts/acc-1/workers/scripts" {
		t.Errorf("unexpected workers check %+v", w)
	}
	if tok := byName["token"]; !tok.OK || tok.Path != "/accounts/acc-1/tokens/verify" {
		t.Errorf("unexpected token check %+v", tok)
	}

	for _, call := range seen() {
		if !strings.HasPrefix(call, "GET ") {
			t.Errorf("verification must be read-only, saw %s", call)
		}
	}
}

func TestVerifyWithoutAccountSkipsScopedChecks(t *testing.T) {
	srv, seen := fakeAPI(t)
	c := New(Config{BaseURL: srv.URL, APIToken: "tok"}, nil)

	report, err := c.Verify(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	skipped := 0
	for _, ch := range report.Checks {
		if ch.Skipped {
			skipped++
		}
	}
	if skipped != 4 || report.Passed != 3 || !report.OK() {
		t.Errorf("expected 4 skipped and 3 passed, got %+v", report)
	}
	if n := len(seen()); n != 3 {
		t.Errorf("expected 3 requests, got %d", n)
	}
}

func TestVerifyEmptyAccountListFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/accounts" {
			w.Write([]byte(`{"success":true,"result":[]}`))
			return
		}
		w.Write([]byte(`{"success":true,"result":{}}`))
	}))
	defer srv.Close()

	report, err := New(Config{BaseURL: srv.URL, APIToken: "tok"}, nil).Verify(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if report.OK() {
		t.Fatalf("expected failure when no account is accessible, got %+v", report)
	}
}

func TestVerifyNeedsToken(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"}, nil)
	if _, err := c.Verify(context.Background(), "acc"); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("expected invalid argument without a token, got %v", err)
	}
}
