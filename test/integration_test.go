//go:build integration

package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jmbish04/cfgate/internal/coach"
	"github.com/jmbish04/cfgate/internal/gateway"
	"github.com/jmbish04/cfgate/internal/queue"
	"github.com/jmbish04/cfgate/internal/retry"
	"github.com/jmbish04/cfgate/internal/server"
	"github.com/jmbish04/cfgate/internal/session"
	"github.com/jmbish04/cfgate/internal/state"
	"github.com/jmbish04/cfgate/internal/telemetry"
	"github.com/jmbish04/cfgate/internal/threshold"
	"github.com/jmbish04/cfgate/internal/types"
	"github.com/jmbish04/cfgate/internal/upstream"
	"github.com/jmbish04/cfgate/internal/worker"
	"github.com/jmbish04/cfgate/pkg/llm"
)

// scriptedProvider echoes the last message back as the answer.
type scriptedProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *scriptedProvider) Complete(_ context.Context, messages []llm.Message, _ llm.Format) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return &llm.Response{Content: fmt.Sprintf("answer to %q", messages[len(messages)-1].Content)}, nil
}

type stack struct {
	db       *state.DB
	sessions *session.Registry
	queue    *queue.Memory
	http     *httptest.Server
	api      *httptest.Server
	once     sync.Once
}

func newStack(t *testing.T, dbPath string) *stack {
	t.Helper()
	db, err := state.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"method":%q,"path":%q}`, r.Method, r.URL.Path)
	}))

	q := queue.NewMemory(2, 10, &retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond})
	sessions := session.NewRegistry(session.Options{Store: state.NewSessionStore(db), Queue: q})
	worker.New(sessions, &scriptedProvider{}, nil).Attach(q)
	q.Start(context.Background())

	thr := threshold.New(state.NewSettingsStore(db), threshold.Default, 0)
	tel := telemetry.New(state.NewTelemetryStore(db), thr, telemetry.DefaultConfig())
	gw := gateway.New(gateway.Options{
		Coach:     coach.Static{},
		Executor:  upstream.New(upstream.Config{BaseURL: api.URL}, nil),
		Threshold: thr,
		Telemetry: tel,
	})
	srv := httptest.NewServer(server.New(server.Options{
		Sessions:  sessions,
		Router:    gw,
		Threshold: thr,
		Telemetry: tel,
	}))

	s := &stack{db: db, sessions: sessions, queue: q, http: srv, api: api}
	t.Cleanup(s.close)
	return s
}

func (s *stack) close() {
	s.once.Do(func() {
		s.http.Close()
		s.queue.Stop()
		s.sessions.Close()
		s.api.Close()
		s.db.Close()
	})
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestSessionThroughWorker(t *testing.T) {
	st := newStack(t, filepath.Join(t.TempDir(), "cfgate.db"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(st.http.URL, "http") + "/api/sessions/s-e2e/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	resp := post(t, st.http.URL+"/api/sessions/s-e2e/start", `{"prompt":"list my workers"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: expected 200, got %d", resp.StatusCode)
	}

	var kinds []string
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read after %v: %v", kinds, err)
		}
		var evt types.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatal(err)
		}
		kinds = append(kinds, evt.Type)
		if evt.Type == types.EventCompleted {
			break
		}
	}
	want := []string{types.EventSnapshot, types.EventStarted, types.EventUpdate, types.EventUpdate, types.EventCompleted}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Errorf("expected events %v, got %v", want, kinds)
	}

	s, err := st.sessions.Status(ctx, "s-e2e")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != types.StatusCompleted || len(s.Updates) != 2 {
		t.Errorf("unexpected final session %+v", s)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cfgate.db")

	first := newStack(t, dbPath)
	// Stop the worker from completing the session so updates can be posted.
	first.queue.SetProcessor(func(context.Context, *queue.Delivery) error { return nil })

	resp := post(t, first.http.URL+"/api/sessions/s-restart/start", `{"prompt":"tail logs"}`)
	resp.Body.Close()
	for i := 0; i < 3; i++ {
		resp := post(t, first.http.URL+"/api/sessions/s-restart/update", fmt.Sprintf(`{"type":"log","line":%d}`, i))
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("update %d: expected 200, got %d", i, resp.StatusCode)
		}
	}
	first.close()

	second := newStack(t, dbPath)
	resp, err := http.Get(second.http.URL + "/api/sessions/s-restart")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var s types.Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	if s.Status != types.StatusInProgress || len(s.Updates) != 3 {
		t.Errorf("expected in-progress session with 3 updates after restart, got %+v", s)
	}
}

func TestRoutingFeedsAutoTune(t *testing.T) {
	st := newStack(t, filepath.Join(t.TempDir(), "cfgate.db"))

	// Pin the threshold, then route enough coached requests for auto-tune to
	// have a sample.
	req, _ := http.NewRequest(http.MethodPut, st.http.URL+"/api/threshold", strings.NewReader(`{"threshold":0.5}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	for i := 0; i < 25; i++ {
		resp := post(t, st.http.URL+"/api/route", `{"product":"workers","action":"list_scripts"}`)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("route %d: expected 200, got %d", i, resp.StatusCode)
		}
	}

	resp = post(t, st.http.URL+"/api/telemetry/autotune", "")
	defer resp.Body.Close()
	var res telemetry.TuneResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Stats == nil || res.Stats.AcceptedCount != 25 || res.Stats.AcceptedSuccessRate != 1 {
		t.Fatalf("unexpected stats %+v", res.Stats)
	}
	if res.Changed {
		t.Errorf("all-success traffic with no near misses should leave the threshold alone, got %+v", res)
	}
}
