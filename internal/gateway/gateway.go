// Package gateway decides per request whether to execute against the
// upstream API or ask the caller for clarification.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmbish04/cfgate/internal/types"
	"github.com/jmbish04/cfgate/internal/upstream"
)

// DefaultHint is sent to the coach with every consultation.
const DefaultHint = "A routable request names a product (for example workers, d1, r2, kv) and an action " +
	"(for example list_scripts). The HTTP method is inferred from the action when omitted."

// Request is a possibly incomplete routing request.
type Request struct {
	Product string            `json:"product,omitempty"`
	Action  string            `json:"action,omitempty"`
	Method  string            `json:"method,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Response is what the caller receives. For executed requests it is the
// downstream reply; for clarifications Body is a Clarification.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
	NextStep    types.NextStep
}

// Clarification is the body returned instead of executing.
type Clarification struct {
	NeedsClarification bool                     `json:"needs_clarification"`
	Message            string                   `json:"message"`
	Suggestion         *types.RoutingSuggestion `json:"suggestion,omitempty"`
	Threshold          float64                  `json:"threshold"`
}

// Coach proposes how to complete a request.
type Coach interface {
	Consult(ctx context.Context, in types.Consultation) (*types.RoutingSuggestion, error)
}

// Executor performs a routed request.
type Executor interface {
	Execute(ctx context.Context, req upstream.Request) (*upstream.Response, error)
}

// Threshold supplies the current confidence threshold.
type Threshold interface {
	Get(ctx context.Context) float64
}

// Recorder receives one record per routing decision.
type Recorder interface {
	Log(ctx context.Context, record *types.TelemetryRecord)
}

// HintError is an invalid request that carries a pointer to how to fix it.
type HintError struct {
	Msg  string
	Hint string
}

func (e *HintError) Error() string {
	return e.Msg
}

func (e *HintError) Unwrap() error {
	return types.ErrInvalidArgument
}

// Options configures a Gateway. Coach may be nil, in which case incomplete
// requests are always clarified.
type Options struct {
	Coach     Coach
	Executor  Executor
	Threshold Threshold
	Telemetry Recorder
	Hint      string
}

// Gateway is stateless; all mutable state lives behind its collaborators.
type Gateway struct {
	coach     Coach
	exec      Executor
	threshold Threshold
	telemetry Recorder
	hint      string
	now       func() time.Time
}

// New creates a Gateway.
func New(opts Options) *Gateway {
	hint := opts.Hint
	if hint == "" {
		hint = DefaultHint
	}
	return &Gateway{
		coach:     opts.Coach,
		exec:      opts.Executor,
		threshold: opts.Threshold,
		telemetry: opts.Telemetry,
		hint:      hint,
		now:       time.Now,
	}
}

// Route handles one request. A request naming both product and method is
// executed directly. Anything else goes through the coach, and only
// suggestions at or above the threshold are executed.
func (g *Gateway) Route(ctx context.Context, req *Request) (*Response, error) {
	prompt, err := json.Marshal(req)
	if err != nil {
		return nil, types.InvalidArgument("unserialisable request: %v", err)
	}

	product := strings.TrimSpace(req.Product)
	action := strings.TrimSpace(req.Action)
	method := strings.TrimSpace(req.Method)

	if product != "" && method != "" {
		record := &types.TelemetryRecord{
			Prompt:     string(prompt),
			Product:    product,
			Action:     action,
			Method:     types.Method(strings.ToUpper(method)),
			Confidence: 1,
			NextStep:   types.NextStepExecute,
		}
		return g.execute(ctx, req, record)
	}

	threshold := g.threshold.Get(ctx)
	suggestion := g.consult(ctx, prompt, threshold)

	merged := merge(req, suggestion)
	record := &types.TelemetryRecord{
		Prompt:     string(prompt),
		Product:    merged.Product,
		Action:     merged.Action,
		Method:     merged.Method,
		Confidence: merged.Confidence,
		Coached:    true,
	}
	if suggestion != nil {
		record.CoachMessage = suggestion.Message
	}

	// The threshold alone decides; the coach's own next_step is advisory.
	if merged.Confidence < threshold {
		merged.NextStep = types.NextStepClarify
	} else {
		merged.NextStep = types.NextStepExecute
	}
	record.NextStep = merged.NextStep

	if merged.NextStep == types.NextStepClarify {
		return g.clarify(ctx, merged, suggestion != nil, threshold, record)
	}

	routed := *req
	routed.Product, routed.Action, routed.Method = merged.Product, merged.Action, string(merged.Method)
	return g.execute(ctx, &routed, record)
}

// consult asks the coach, treating any failure as no suggestion.
func (g *Gateway) consult(ctx context.Context, prompt []byte, threshold float64) *types.RoutingSuggestion {
	if g.coach == nil {
		return nil
	}
	s, err := g.coach.Consult(ctx, types.Consultation{
		Request:   prompt,
		Hint:      g.hint,
		Threshold: threshold,
	})
	if err != nil {
		slog.Warn("coach unavailable, continuing without suggestion", "error", err)
		return nil
	}
	return s
}

// merge lets caller fields win and the coach fill gaps. The method falls back
// to inference from the action.
func merge(req *Request, s *types.RoutingSuggestion) types.RoutingSuggestion {
	var out types.RoutingSuggestion
	if s != nil {
		out = *s
	}
	if p := strings.TrimSpace(req.Product); p != "" {
		out.Product = p
	}
	if a := strings.TrimSpace(req.Action); a != "" {
		out.Action = a
	}
	if m := strings.TrimSpace(req.Method); m != "" {
		out.Method = types.Method(strings.ToUpper(m))
	}
	if out.Method == "" {
		out.Method = InferMethod(out.Action)
	}
	return out
}

func (g *Gateway) clarify(ctx context.Context, merged types.RoutingSuggestion, coached bool, threshold float64, record *types.TelemetryRecord) (*Response, error) {
	record.ResultStatus = types.ResultClarified
	g.log(ctx, record)

	msg := merged.Message
	if msg == "" {
		msg = "More detail is needed before this request can run. " + g.hint
	}
	body := Clarification{
		NeedsClarification: true,
		Message:            msg,
		Threshold:          threshold,
	}
	if coached {
		body.Suggestion = &merged
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal clarification: %w", err)
	}
	return &Response{
		Status:      http.StatusBadRequest,
		ContentType: "application/json",
		Body:        raw,
		NextStep:    types.NextStepClarify,
	}, nil
}

func (g *Gateway) execute(ctx context.Context, req *Request, record *types.TelemetryRecord) (*Response, error) {
	product := strings.TrimSpace(req.Product)
	if product == "" {
		return nil, &HintError{
			Msg:  "product is required",
			Hint: "name the product to call, for example {\"product\":\"workers\",\"action\":\"list_scripts\"}",
		}
	}
	method, ok := types.ParseMethod(req.Method)
	if !ok {
		return nil, types.InvalidArgument("method must be one of GET, POST, PUT, PATCH, DELETE, got %q", req.Method)
	}
	record.Method = method

	start := g.now()
	resp, err := g.exec.Execute(ctx, upstream.Request{
		Product: product,
		Action:  strings.TrimSpace(req.Action),
		Method:  method,
		Params:  req.Params,
		Body:    req.Body,
	})
	latency := g.now().Sub(start).Milliseconds()
	record.ExecutionLatencyMS = &latency

	if err != nil {
		record.ResultStatus = types.ResultFailed
		g.log(ctx, record)
		if !errors.Is(err, types.ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: %w", types.ErrUpstreamUnavailable, err)
		}
		return nil, err
	}

	status := resp.Status
	if status < 200 || status > 599 {
		status = http.StatusBadGateway
	}
	if status < 400 {
		record.ResultStatus = types.ResultExecuted
	} else {
		record.ResultStatus = types.ResultFailed
	}
	g.log(ctx, record)

	return &Response{
		Status:      status,
		ContentType: resp.ContentType,
		Body:        resp.Body,
		NextStep:    types.NextStepExecute,
	}, nil
}

func (g *Gateway) log(ctx context.Context, record *types.TelemetryRecord) {
	if g.telemetry == nil {
		return
	}
	// Telemetry must not be cut short by the caller going away.
	g.telemetry.Log(context.WithoutCancel(ctx), record)
}
