// Package routing classifies requests by model-name prefix and applies the
// configurable alias mapping.
package routing

import "strings"

// Route identifies which backend serves a model.
type Route int

const (
	// RouteUnknown rejects the request.
	RouteUnknown Route = iota
	// RouteLocal proxies to the local OpenAI-compatible endpoint.
	RouteLocal
	// RouteCloudCode dispatches through the account pool.
	RouteCloudCode
)

var localPrefixes = []string{"local-", "gemma-"}

var cloudPrefixes = []string{
	"claude-", "gemini-", "gpt-os-", "gpt-4-", "lmstudio-", "deepseek-", "qwen-",
}

// Classify resolves a model name to its route, case-insensitively.
func Classify(model string) Route {
	lower := strings.ToLower(model)
	for _, p := range localPrefixes {
		if strings.HasPrefix(lower, p) {
			return RouteLocal
		}
	}
	for _, p := range cloudPrefixes {
		if strings.HasPrefix(lower, p) {
			return RouteCloudCode
		}
	}
	return RouteUnknown
}

// ApplyMapping rewrites an aliased model name to its canonical form. The
// rewrite happens before validation; the rewritten name must still satisfy
// the prefix whitelist, which Classify enforces on the result.
func ApplyMapping(model string, mapping map[string]string) string {
	if mapping == nil {
		return model
	}
	if canonical, ok := mapping[model]; ok && canonical != "" {
		return canonical
	}
	return model
}
