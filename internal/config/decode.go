package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// configJSON returns the config file's contents as JSON. YAML files
// (.yaml/.yml) are decoded and re-encoded; anything else is taken as
// JSON already. Funnelling both formats through JSON means one strict
// decoder, so unknown-field detection behaves the same regardless of
// which format the operator writes.
func configJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	out, err := json.Marshal(stringifyKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("re-encode yaml: %w", err)
	}
	return out, nil
}

// stringifyKeys rewrites any-keyed maps into string-keyed ones so the
// document survives json.Marshal. The yaml package produces string
// keys for plain mappings, but nested documents can still carry
// map[any]any.
func stringifyKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, inner := range t {
			t[k] = stringifyKeys(inner)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[fmt.Sprint(k)] = stringifyKeys(inner)
		}
		return out
	case []any:
		for i, inner := range t {
			t[i] = stringifyKeys(inner)
		}
		return t
	}
	return v
}

// durationField parses a Go-style duration from a config field, with
// the empty string meaning unset. The daemon has no meaningful
// negative intervals, so those are rejected here rather than at every
// point of use.
func durationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}
