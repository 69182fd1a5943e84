package coach

import (
	"strings"
	"text/template"
)

// DefaultPrompt is the system prompt template for the LLM coach. It uses Go
// text/template syntax with promptData fields: .Hint, .Threshold
const DefaultPrompt = `You route requests for a cloud-management API proxy.

A caller sent a partial request. Work out which product and action it targets
and how sure you are. Reply with a single JSON object and nothing else:

{"product": string, "action": string, "method": "GET"|"POST"|"PUT"|"PATCH"|"DELETE",
 "confidence": number between 0 and 1, "message": string, "next_step": "execute"|"clarify"}

Rules:
- Leave product, action or method out when you cannot tell.
- confidence is your probability that executing the completed request does
  what the caller wants.
- Requests below {{.Threshold}} confidence will not be executed, so when you
  are unsure say what is missing in message.
- message is shown to the caller. Keep it to one or two sentences.
{{- if .Hint}}

Hint: {{.Hint}}
{{- end}}`

type promptData struct {
	Hint      string
	Threshold float64
}

var promptTemplate = template.Must(template.New("coach").Parse(DefaultPrompt))

func renderPrompt(hint string, threshold float64) (string, error) {
	var b strings.Builder
	if err := promptTemplate.Execute(&b, promptData{Hint: hint, Threshold: threshold}); err != nil {
		return "", err
	}
	return b.String(), nil
}
