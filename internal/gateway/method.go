package gateway

import (
	"strings"

	"github.com/jmbish04/cfgate/internal/types"
)

// methodPrefixes maps action prefixes to verbs, checked in order.
var methodPrefixes = []struct {
	prefix string
	method types.Method
}{
	{"list", types.MethodGet},
	{"create", types.MethodPost},
	{"deploy", types.MethodPost},
	{"run", types.MethodPost},
	{"update", types.MethodPut},
	{"modify", types.MethodPatch},
	{"delete", types.MethodDelete},
	{"remove", types.MethodDelete},
}

// InferMethod derives the HTTP verb from an action name. Unknown or empty
// actions are GET.
func InferMethod(action string) types.Method {
	a := strings.ToLower(strings.TrimSpace(action))
	for _, p := range methodPrefixes {
		if strings.HasPrefix(a, p.prefix) {
			return p.method
		}
	}
	return types.MethodGet
}
