package manifest

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bytedance/sonic"
)

var (
	ErrUninitialized   = errors.New("scene manager is not initialized")
	ErrNotFound        = errors.New("object not found")
	ErrDependencyCycle = errors.New("dependency cycle")
)

// Manifest maps every scene object to the objects it depends on
type Manifest map[ObjectKey][]ObjectKey

// Keys returns every object in the manifest in key order
func (m Manifest) Keys() []ObjectKey {
	keys := make([]ObjectKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// Has reports whether key has an entry
func (m Manifest) Has(key ObjectKey) bool {
	_, ok := m[key]
	return ok
}

// ensureSingletons inserts the objects every worker loads unconditionally
func (m Manifest) ensureSingletons() {
	for _, kind := range RequiredSingletons {
		key := Key(kind, 0)
		if _, ok := m[key]; !ok {
			m[key] = []ObjectKey{}
		}
	}
}

// manifestObject and manifestFile are the persisted form of a Manifest
type manifestObject struct {
	ID           ObjectKey   `json:"id"`
	Dependencies []ObjectKey `json:"dependencies,omitempty"`
}

type manifestFile struct {
	Objects []manifestObject `json:"objects"`
}

// Marshal encodes the manifest blob, objects in key order
func (m Manifest) Marshal() ([]byte, error) {
	file := manifestFile{Objects: make([]manifestObject, 0, len(m))}
	for _, key := range m.Keys() {
		obj := manifestObject{ID: key}
		if deps := m[key]; len(deps) > 0 {
			obj.Dependencies = deps
		}
		file.Objects = append(file.Objects, obj)
	}

	data, err := sonic.Marshal(&file)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return data, nil
}

// UnmarshalManifest decodes a manifest blob. Singleton keys are not inserted here; see SceneManager.Load.
func UnmarshalManifest(data []byte) (Manifest, error) {
	var file manifestFile
	if err := sonic.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}

	m := make(Manifest, len(file.Objects))
	for _, obj := range file.Objects {
		if !obj.ID.Kind.Valid() {
			return nil, fmt.Errorf("manifest entry has invalid kind %d", obj.ID.Kind)
		}
		m[obj.ID] = dedupe(obj.Dependencies)
	}
	return m, nil
}

func sortKeys(keys []ObjectKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}

func dedupe(keys []ObjectKey) []ObjectKey {
	out := make([]ObjectKey, 0, len(keys))
	seen := make(map[ObjectKey]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sortKeys(out)
	return out
}
