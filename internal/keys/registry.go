package keys

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Registry is an immutable set of access keys indexed by id.
type Registry struct {
	keys map[string]AccessKey
}

// NewRegistry builds a registry from entries keyed by id.
func NewRegistry(entries map[string]AccessKey) *Registry {
	keys := make(map[string]AccessKey, len(entries))
	for id, key := range entries {
		key.ID = id
		keys[id] = key
	}
	return &Registry{keys: keys}
}

// EmptyRegistry returns a registry without keys.
func EmptyRegistry() *Registry {
	return &Registry{keys: map[string]AccessKey{}}
}

// LoadFile reads a registry document. Files ending in .yaml or .yml are
// decoded as YAML, everything else as JSON. Both use the shape
// {"<id>": {"type": "...", "from": "DD.MM.YYYY", "till": "DD.MM.YYYY"}}.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keys: read registry %s: %w", path, err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes a registry document; ext selects the format.
func Parse(data []byte, ext string) (*Registry, error) {
	entries := map[string]AccessKey{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("keys: decode yaml registry: %w", err)
		}
	default:
		if len(strings.TrimSpace(string(data))) == 0 {
			return EmptyRegistry(), nil
		}
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("keys: decode json registry: %w", err)
		}
	}
	for id := range entries {
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("keys: registry contains an empty key id")
		}
	}
	return NewRegistry(entries), nil
}

// Marshal encodes the registry in the format selected by ext.
func (r *Registry) Marshal(ext string) ([]byte, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Marshal(r.keys)
	default:
		return json.MarshalIndent(r.keys, "", "  ")
	}
}

// Lookup returns the key registered under id.
func (r *Registry) Lookup(id string) (AccessKey, bool) {
	if r == nil {
		return AccessKey{}, false
	}
	key, ok := r.keys[id]
	return key, ok
}

// Len returns the number of keys.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// Keys returns every key sorted by id.
func (r *Registry) Keys() []AccessKey {
	if r == nil {
		return nil
	}
	out := make([]AccessKey, 0, len(r.keys))
	for _, key := range r.keys {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// With returns a copy of r that also contains key.
func (r *Registry) With(key AccessKey) *Registry {
	entries := make(map[string]AccessKey, r.Len()+1)
	if r != nil {
		for id, k := range r.keys {
			entries[id] = k
		}
	}
	entries[key.ID] = key
	return NewRegistry(entries)
}
