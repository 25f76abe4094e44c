package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
)

// keySep joins the path segments of a nested config value.
const keySep = "."

// secretKeys are never printed in full by "config list" or "config get".
var secretKeys = []string{"telegram.token"}

func IsSecretKey(key string) bool {
	return slices.Contains(secretKeys, key)
}

// Flatten maps every leaf of a decoded JSON object to its dotted path:
// {"http": {"listen": ":8420"}} gives {"http.listen": ":8420"}. Empty
// objects contribute no keys.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	walkLeaves(nil, m, func(path []string, v any) {
		out[strings.Join(path, keySep)] = v
	})
	return out
}

func walkLeaves(path []string, m map[string]any, visit func([]string, any)) {
	for k, v := range m {
		p := append(slices.Clip(path), k)
		if child, ok := v.(map[string]any); ok {
			walkLeaves(p, child, visit)
			continue
		}
		visit(p, v)
	}
}

// Unflatten is the inverse of Flatten. A leaf that collides with a deeper
// path is replaced by an object.
func Unflatten(flat map[string]any) map[string]any {
	root := make(map[string]any)
	for key, v := range flat {
		setPath(root, strings.Split(key, keySep), v)
	}
	return root
}

func setPath(node map[string]any, path []string, v any) {
	last := len(path) - 1
	for _, seg := range path[:last] {
		child, ok := node[seg].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[seg] = child
		}
		node = child
	}
	node[path[last]] = v
}

// MaskSecrets returns a copy of flat with secret strings reduced to "***"
// and their last four characters.
func MaskSecrets(flat map[string]any) map[string]any {
	out := maps.Clone(flat)
	if out == nil {
		out = make(map[string]any)
	}
	for _, key := range secretKeys {
		if s, ok := out[key].(string); ok && s != "" {
			out[key] = maskSecret(s)
		}
	}
	return out
}

func maskSecret(s string) string {
	return "***" + s[max(0, len(s)-4):]
}

// ListValues returns cfg as dot-separated keys, optionally masking secrets.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue reads one dot-separated key from the file at path. Missing files
// are created with defaults first.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	flat, err := readFlat(path)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue writes one dot-separated key into the existing file at path.
// The raw value is stored as JSON when it parses as JSON, otherwise as a
// string.
func SetValue(path, key, raw string) error {
	flat, err := readFlat(path)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		v = raw
	}
	flat[key] = v
	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, append(data, '\n'))
}

func readFlat(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return Flatten(m), nil
}
