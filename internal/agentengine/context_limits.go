package agentengine

import "strings"

// contextLimits is grounded in the reference project's ContextLimitForModel
// table: exact matches first, then provider-family prefix matches, then a
// provider-level fallback. Operators may extend it via WithContextLimits.
var contextLimits = map[string]int{
	"gpt-4o":            128000,
	"gpt-4o-mini":       128000,
	"gpt-4.1":           1000000,
	"o1":                200000,
	"o3-mini":           200000,
	"claude-3-5-sonnet": 200000,
	"claude-3-opus":     200000,
	"llama3":            8192,
	"llama3.1":          128000,
	"mixtral":           32000,
	"qwen2.5":           32000,
}

var providerFamilyPrefixes = []struct {
	prefix string
	limit  int
}{
	{"gpt-", 128000},
	{"o1", 200000},
	{"o3", 200000},
	{"claude-", 200000},
	{"llama3.1", 128000},
	{"llama", 8192},
	{"qwen", 32000},
	{"mixtral", 32000},
}

const defaultContextWindow = 8192

// ContextLimitForModel resolves a model's context window: exact match,
// then provider-family prefix match, then the operator-supplied override
// map extending that table, then the package default.
func ContextLimitForModel(model string, overrides map[string]int) int {
	if v, ok := contextLimits[model]; ok {
		return v
	}
	lower := strings.ToLower(model)
	for _, fam := range providerFamilyPrefixes {
		if strings.HasPrefix(lower, fam.prefix) {
			return fam.limit
		}
	}
	if overrides != nil {
		if v, ok := overrides[model]; ok {
			return v
		}
	}
	return defaultContextWindow
}
