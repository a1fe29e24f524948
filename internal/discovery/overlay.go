// Package discovery implements the ProviderDiscoveryService: periodic
// verification of candidate provider configs, reliability scoring, and
// atomic overlay persistence merged into the ProviderManager's routing
// table and fallback chain.
package discovery

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/adamtash/ant-sub002/internal/providers"
)

// overlaySchemaDoc is compiled once at startup; records failing validation
// are skipped (and logged) rather than aborting the whole overlay load.
const overlaySchemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "generatedAt", "providers"],
  "properties": {
    "version": {"type": "integer"},
    "generatedAt": {"type": "integer"},
    "providers": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["id", "kind", "config"],
        "properties": {
          "id": {"type": "string"},
          "kind": {"enum": ["local", "remote"]},
          "config": {"type": "object"},
          "reliabilityScore": {"type": "number", "minimum": 0, "maximum": 100},
          "consecutiveFailures": {"type": "integer", "minimum": 0},
          "lastResult": {"type": "object"}
        }
      }
    }
  }
}`

var overlaySchema *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("overlay.schema.json", mustUnmarshalSchema(overlaySchemaDoc)); err != nil {
		panic("discovery: invalid embedded overlay schema: " + err.Error())
	}
	sch, err := compiler.Compile("overlay.schema.json")
	if err != nil {
		panic("discovery: failed to compile overlay schema: " + err.Error())
	}
	overlaySchema = sch
}

func mustUnmarshalSchema(doc string) any {
	var v any
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		panic(err)
	}
	return v
}

// LastResult is a single health-probe outcome.
type LastResult struct {
	OK        bool   `json:"ok"`
	CheckedAt int64  `json:"checkedAt"`
	LatencyMs int64  `json:"latencyMs,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Record is one discovered provider's overlay entry.
type Record struct {
	ID                  string            `json:"id"`
	Kind                string            `json:"kind"` // local | remote
	Config              providers.Config  `json:"config"`
	ReliabilityScore    int               `json:"reliabilityScore"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
	LastResult          LastResult        `json:"lastResult"`
}

// Overlay is the persisted snapshot of dynamically discovered providers.
type Overlay struct {
	Version     int               `json:"version"`
	GeneratedAt int64             `json:"generatedAt"`
	Providers   map[string]Record `json:"providers"`
}

// LoadOverlay reads and schema-validates path, skipping (and returning in
// skipped) any record that fails validation rather than aborting the load.
func LoadOverlay(path string) (*Overlay, []string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Overlay{Version: 1, Providers: map[string]Record{}}, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("decode overlay: %w", err)
	}

	var overlay Overlay
	if err := json.Unmarshal(data, &overlay); err != nil {
		return nil, nil, fmt.Errorf("decode overlay: %w", err)
	}

	var skipped []string
	rawProviders, _ := raw["providers"].(map[string]any)
	for id, rec := range overlay.Providers {
		single := map[string]any{
			"version": overlay.Version, "generatedAt": overlay.GeneratedAt,
			"providers": map[string]any{id: rawProviders[id]},
		}
		if err := overlaySchema.Validate(single); err != nil {
			skipped = append(skipped, id)
			delete(overlay.Providers, id)
			continue
		}
		_ = rec
	}
	return &overlay, skipped, nil
}

// SaveOverlay writes path atomically (temp file + rename), keeping the
// previous version as a .bak copy.
func SaveOverlay(path string, overlay *Overlay) error {
	data, err := json.MarshalIndent(overlay, "", "  ")
	if err != nil {
		return err
	}
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o644)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReliabilityScore implements §8's boundary formula: 0 when the last check
// failed, else clamp(10, round(100 - latencyMs/100), 100).
func ReliabilityScore(ok bool, latencyMs int64) int {
	if !ok {
		return 0
	}
	score := 100 - int(math.Round(float64(latencyMs)/100))
	if score < 10 {
		score = 10
	}
	if score > 100 {
		score = 100
	}
	return score
}

// SortedIDs returns overlay record ids sorted kind(local first) desc score, then id asc.
func (o *Overlay) sortedDiscoveredOrder() []string {
	ids := make([]string, 0, len(o.Providers))
	for id := range o.Providers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ri, rj := o.Providers[ids[i]], o.Providers[ids[j]]
		if (ri.Kind == "local") != (rj.Kind == "local") {
			return ri.Kind == "local"
		}
		if ri.ReliabilityScore != rj.ReliabilityScore {
			return ri.ReliabilityScore > rj.ReliabilityScore
		}
		return ids[i] < ids[j]
	})
	return ids
}
