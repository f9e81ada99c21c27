// Package codec provides the body codecs a store uses to turn documents into bytes.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/aretw0/loamdb/pkg/core"
)

// --- JSON Codec ---

// JSON encodes bodies as compact JSON.
type JSON struct {
	// Strict decodes numbers as json.Number to avoid precision loss.
	Strict bool
}

// NewJSON creates a new JSON codec.
func NewJSON(strict bool) *JSON {
	return &JSON{Strict: strict}
}

func (c *JSON) Name() string { return "json" }

func (c *JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSON) Unmarshal(data []byte, v any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	if c.Strict {
		decoder.UseNumber()
	}
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

// --- YAML Codec ---

// YAML encodes bodies as YAML documents.
type YAML struct{}

// NewYAML creates a new YAML codec.
func NewYAML() *YAML {
	return &YAML{}
}

func (c *YAML) Name() string { return "yaml" }

func (c *YAML) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *YAML) Unmarshal(data []byte, v any) error {
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid yaml: %w", err)
	}
	if m, ok := v.(*map[string]any); ok && *m != nil {
		*m = normalize(*m).(map[string]any)
	}
	return nil
}

// normalize rewrites the map[any]any values yaml produces for non-string keys
// into map[string]any so bodies look the same whichever codec decoded them.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			x[k] = normalize(val)
		}
		return x
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		for i, val := range x {
			x[i] = normalize(val)
		}
		return x
	default:
		return v
	}
}

var registry = map[string]func() core.Codec{
	"json": func() core.Codec { return NewJSON(false) },
	"yaml": func() core.Codec { return NewYAML() },
}

// ByName returns the codec registered under name ("json" or "yaml").
func ByName(name string) (core.Codec, error) {
	if name == "" {
		name = "json"
	}
	ctor, ok := registry[name]
	if !ok {
		return nil, core.Invalid("unknown codec %q (available: %v)", name, Names())
	}
	return ctor(), nil
}

// Names lists the registered codec names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Default is the codec used when none is configured.
func Default() core.Codec {
	return NewJSON(false)
}
