package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jmbish04/cfgate/internal/types"
	"github.com/jmbish04/cfgate/internal/upstream"
)

type fixedCoach struct {
	suggestion *types.RoutingSuggestion
	err        error
	calls      int
	got        types.Consultation
}

func (c *fixedCoach) Consult(_ context.Context, in types.Consultation) (*types.RoutingSuggestion, error) {
	c.calls++
	c.got = in
	if c.err != nil {
		return nil, c.err
	}
	s := *c.suggestion
	return &s, nil
}

type spyExecutor struct {
	mu    sync.Mutex
	calls []upstream.Request
	resp  *upstream.Response
	err   error
}

func (e *spyExecutor) Execute(_ context.Context, req upstream.Request) (*upstream.Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, req)
	if e.err != nil {
		return nil, e.err
	}
	if e.resp != nil {
		return e.resp, nil
	}
	return &upstream.Response{Status: http.StatusOK, ContentType: "application/json", Body: []byte(`{"result":[]}`)}, nil
}

type staticThreshold float64

func (t staticThreshold) Get(context.Context) float64 { return float64(t) }

type memRecorder struct {
	records []*types.TelemetryRecord
}

func (r *memRecorder) Log(_ context.Context, record *types.TelemetryRecord) {
	r.records = append(r.records, record)
}

func newGateway(coach Coach, exec Executor) (*Gateway, *memRecorder) {
	rec := &memRecorder{}
	return New(Options{
		Coach:     coach,
		Executor:  exec,
		Threshold: staticThreshold(0.75),
		Telemetry: rec,
	}), rec
}

func TestRouteBelowThresholdClarifies(t *testing.T) {
	coach := &fixedCoach{suggestion: &types.RoutingSuggestion{
		Product:    "workers",
		Action:     "deploy",
		Confidence: 0.6,
		Message:    "Which script should be deployed?",
		NextStep:   types.NextStepExecute,
	}}
	exec := &spyExecutor{}
	gw, rec := newGateway(coach, exec)

	resp, err := gw.Route(context.Background(), &Request{Action: "deploy"})
	if err != nil {
		t.Fatal(err)
	}
	if len(exec.calls) != 0 {
		t.Fatalf("executor must never be called below threshold, got %d calls", len(exec.calls))
	}
	if resp.Status != http.StatusBadRequest || resp.NextStep != types.NextStepClarify {
		t.Errorf("expected 400 clarify, got %d %s", resp.Status, resp.NextStep)
	}

	var body Clarification
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatal(err)
	}
	if !body.NeedsClarification || body.Message != "Which script should be deployed?" || body.Threshold != 0.75 {
		t.Errorf("unexpected clarification %+v", body)
	}
	if body.Suggestion == nil || body.Suggestion.NextStep != types.NextStepClarify {
		t.Errorf("expected suggestion forced to clarify, got %+v", body.Suggestion)
	}

	if len(rec.records) != 1 {
		t.Fatalf("expected 1 telemetry record, got %d", len(rec.records))
	}
	r := rec.records[0]
	if r.ResultStatus != types.ResultClarified || r.NextStep != types.NextStepClarify || !r.Coached || r.Confidence != 0.6 {
		t.Errorf("unexpected record %+v", r)
	}
	if r.ExecutionLatencyMS != nil {
		t.Error("clarified record must not carry a latency")
	}
	if r.CoachMessage != "Which script should be deployed?" {
		t.Errorf("unexpected coach message %q", r.CoachMessage)
	}
}

func TestRouteAboveThresholdExecutesInferredGET(t *testing.T) {
	coach := &fixedCoach{suggestion: &types.RoutingSuggestion{
		Product:    "workers",
		Confidence: 0.9,
		Message:    "Listing scripts.",
		NextStep:   types.NextStepExecute,
	}}
	exec := &spyExecutor{}
	gw, rec := newGateway(coach, exec)

	resp, err := gw.Route(context.Background(), &Request{Action: "list_scripts"})
	if err != nil {
		t.Fatal(err)
	}

	want := []upstream.Request{{Product: "workers", Action: "list_scripts", Method: types.MethodGet}}
	if diff := cmp.Diff(want, exec.calls); diff != "" {
		t.Errorf("executor calls mismatch (-want +got):\n%s", diff)
	}
	if resp.Status != http.StatusOK || string(resp.Body) != `{"result":[]}` {
		t.Errorf("expected downstream reply verbatim, got %d %s", resp.Status, resp.Body)
	}
	if len(rec.records) != 1 {
		t.Fatalf("expected 1 telemetry record, got %d", len(rec.records))
	}
	r := rec.records[0]
	if r.ResultStatus != types.ResultExecuted || r.Method != types.MethodGet || r.ExecutionLatencyMS == nil {
		t.Errorf("unexpected record %+v", r)
	}
}

func TestRouteCoachNextStepIsAdvisory(t *testing.T) {
	coach := &fixedCoach{suggestion: &types.RoutingSuggestion{
		Product: "r2", Action: "list_buckets", Confidence: 0.8, NextStep: types.NextStepClarify,
	}}
	exec := &spyExecutor{}
	gw, _ := newGateway(coach, exec)

	if _, err := gw.Route(context.Background(), &Request{Action: "list_buckets"}); err != nil {
		t.Fatal(err)
	}
	if len(exec.calls) != 1 {
		t.Errorf("expected execution at confidence above threshold, got %d calls", len(exec.calls))
	}
}

func TestRouteDirectSkipsCoach(t *testing.T) {
	coach := &fixedCoach{suggestion: &types.RoutingSuggestion{Confidence: 0}}
	exec := &spyExecutor{}
	gw, rec := newGateway(coach, exec)

	if _, err := gw.Route(context.Background(), &Request{Product: "d1", Method: "post", Body: json.RawMessage(`{"sql":"select 1"}`)}); err != nil {
		t.Fatal(err)
	}
	if coach.calls != 0 {
		t.Errorf("coach must not be consulted for complete requests, got %d calls", coach.calls)
	}
	if len(exec.calls) != 1 || exec.calls[0].Method != types.MethodPost {
		t.Fatalf("expected one POST, got %+v", exec.calls)
	}
	if rec.records[0].Coached {
		t.Error("direct execution must not be marked coached")
	}
}

func TestRouteCallerFieldsWin(t *testing.T) {
	coach := &fixedCoach{suggestion: &types.RoutingSuggestion{
		Product: "workers", Action: "list_scripts", Method: types.MethodGet, Confidence: 0.95,
	}}
	exec := &spyExecutor{}
	gw, _ := newGateway(coach, exec)

	if _, err := gw.Route(context.Background(), &Request{Action: "delete_script", Params: map[string]string{"name": "w"}}); err != nil {
		t.Fatal(err)
	}
	if len(exec.calls) != 1 {
		t.Fatalf("expected one call, got %d", len(exec.calls))
	}
	got := exec.calls[0]
	if got.Action != "delete_script" || got.Method != types.MethodGet || got.Params["name"] != "w" {
		t.Errorf("expected caller action with coach method, got %+v", got)
	}
}

func TestRouteCoachUnavailableClarifies(t *testing.T) {
	coach := &fixedCoach{err: types.ErrUpstreamUnavailable}
	exec := &spyExecutor{}
	gw, rec := newGateway(coach, exec)

	resp, err := gw.Route(context.Background(), &Request{Product: "workers"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != http.StatusBadRequest || len(exec.calls) != 0 {
		t.Errorf("expected clarification without execution, got %d with %d calls", resp.Status, len(exec.calls))
	}
	var body Clarification
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body.Message == "" || body.Suggestion != nil {
		t.Errorf("expected fallback message and no suggestion, got %+v", body)
	}
	if rec.records[0].ResultStatus != types.ResultClarified {
		t.Errorf("expected clarified record, got %s", rec.records[0].ResultStatus)
	}
}

func TestRouteConsultationCarriesHintAndThreshold(t *testing.T) {
	coach := &fixedCoach{suggestion: &types.RoutingSuggestion{Confidence: 0.1}}
	gw, _ := newGateway(coach, &spyExecutor{})

	if _, err := gw.Route(context.Background(), &Request{Action: "list_zones"}); err != nil {
		t.Fatal(err)
	}
	if coach.got.Threshold != 0.75 || coach.got.Hint != DefaultHint {
		t.Errorf("unexpected consultation %+v", coach.got)
	}
	if string(coach.got.Request) != `{"action":"list_zones"}` {
		t.Errorf("expected serialised request, got %s", coach.got.Request)
	}
}

func TestRouteMissingProductHint(t *testing.T) {
	coach := &fixedCoach{suggestion: &types.RoutingSuggestion{Action: "list_scripts", Confidence: 0.9}}
	exec := &spyExecutor{}
	gw, _ := newGateway(coach, exec)

	_, err := gw.Route(context.Background(), &Request{Action: "list_scripts"})
	var hint *HintError
	if !errors.As(err, &hint) || hint.Hint == "" {
		t.Fatalf("expected HintError, got %v", err)
	}
	if !errors.Is(err, types.ErrInvalidArgument) {
		t.Error("HintError must classify as ErrInvalidArgument")
	}
	if len(exec.calls) != 0 {
		t.Error("executor must not be called without a product")
	}
}

func TestRouteInvalidMethod(t *testing.T) {
	exec := &spyExecutor{}
	gw, _ := newGateway(nil, exec)

	_, err := gw.Route(context.Background(), &Request{Product: "workers", Method: "FETCH"})
	if !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if len(exec.calls) != 0 {
		t.Error("executor must not be called with an invalid method")
	}
}

func TestRouteStatusHandling(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		wantStatus int
		wantResult types.ResultStatus
	}{
		{"created", http.StatusCreated, http.StatusCreated, types.ResultExecuted},
		{"redirect", http.StatusFound, http.StatusFound, types.ResultExecuted},
		{"downstream error", http.StatusInternalServerError, http.StatusInternalServerError, types.ResultFailed},
		{"below range", 100, http.StatusBadGateway, types.ResultFailed},
		{"above range", 999, http.StatusBadGateway, types.ResultFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec := &spyExecutor{resp: &upstream.Response{Status: tc.status, Body: []byte("x")}}
			gw, rec := newGateway(nil, exec)

			resp, err := gw.Route(context.Background(), &Request{Product: "workers", Method: "GET"})
			if err != nil {
				t.Fatal(err)
			}
			if resp.Status != tc.wantStatus {
				t.Errorf("expected status %d, got %d", tc.wantStatus, resp.Status)
			}
			if rec.records[0].ResultStatus != tc.wantResult {
				t.Errorf("expected %s, got %s", tc.wantResult, rec.records[0].ResultStatus)
			}
		})
	}
}

func TestRouteTransportFailure(t *testing.T) {
	exec := &spyExecutor{err: errors.New("dial tcp: connection refused")}
	gw, rec := newGateway(nil, exec)

	_, err := gw.Route(context.Background(), &Request{Product: "workers", Method: "GET"})
	if !errors.Is(err, types.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if types.HTTPStatus(err) != http.StatusBadGateway {
		t.Errorf("expected 502 mapping, got %d", types.HTTPStatus(err))
	}
	if rec.records[0].ResultStatus != types.ResultFailed || rec.records[0].ExecutionLatencyMS == nil {
		t.Errorf("expected failed record with latency, got %+v", rec.records[0])
	}
}

func TestInferMethod(t *testing.T) {
	cases := map[string]types.Method{
		"list_scripts":   types.MethodGet,
		"ListBuckets":    types.MethodGet,
		"create_db":      types.MethodPost,
		"deploy":         types.MethodPost,
		"run_query":      types.MethodPost,
		"update_route":   types.MethodPut,
		"modify_setting": types.MethodPatch,
		"delete_key":     types.MethodDelete,
		"REMOVE_record":  types.MethodDelete,
		"describe":       types.MethodGet,
		"":               types.MethodGet,
	}
	for action, want := range cases {
		if got := InferMethod(action); got != want {
			t.Errorf("InferMethod(%q) = %s, want %s", action, got, want)
		}
	}
}
