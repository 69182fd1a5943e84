package coach

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jmbish04/cfgate/internal/types"
)

// Static scores a request by which routing fields it already carries. It is
// used when no model is configured.
type Static struct{}

// Consult never fails; an unparseable request scores zero.
func (Static) Consult(_ context.Context, in types.Consultation) (*types.RoutingSuggestion, error) {
	var req struct {
		Product string `json:"product"`
		Action  string `json:"action"`
		Method  string `json:"method"`
	}
	_ = json.Unmarshal(in.Request, &req)

	product := strings.TrimSpace(req.Product)
	action := strings.TrimSpace(req.Action)

	s := &types.RoutingSuggestion{Product: product, Action: action}
	switch {
	case product != "" && action != "":
		s.Confidence = 0.9
		s.Message = "Routing " + action + " on " + product + "."
	case product != "":
		s.Confidence = 0.6
		s.Message = "Which " + product + " action should run? Add an action such as list_" + product + "."
	case action != "":
		s.Confidence = 0.4
		s.Message = "Which product is " + action + " for? Add a product."
	default:
		s.Confidence = 0
		s.Message = "Add a product and an action to route this request."
	}
	if s.Confidence >= in.Threshold {
		s.NextStep = types.NextStepExecute
	} else {
		s.NextStep = types.NextStepClarify
	}
	return s, nil
}
