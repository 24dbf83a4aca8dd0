package manifest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"cloudrt/internal/storage"
)

// Object is one listed scene object
type Object struct {
	ID   uint32 `json:"id"`
	Size int64  `json:"size"`
}

// SceneManager gives manifest and object access over one storage root.
// It is an explicit context object: create one per process and pass it around.
type SceneManager struct {
	mu       sync.Mutex
	store    storage.Backend
	manifest Manifest
}

// NewSceneManager creates an uninitialized manager
func NewSceneManager() *SceneManager {
	return &SceneManager{}
}

// Init binds the manager to a storage root and drops any cached manifest
func (s *SceneManager) Init(store storage.Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = store
	s.manifest = nil
}

// Load returns the manifest, reading the persisted blob on first use
func (s *SceneManager) Load(ctx context.Context) (Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *SceneManager) loadLocked(ctx context.Context) (Manifest, error) {
	if s.store == nil {
		return nil, ErrUninitialized
	}
	if s.manifest != nil {
		return s.manifest, nil
	}

	name := Key(KindManifest, 0).String()
	data, err := s.store.Get(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	m, err := UnmarshalManifest(data)
	if err != nil {
		return nil, err
	}
	m.ensureSingletons()
	s.manifest = m
	return m, nil
}

// Dependencies returns the direct dependencies of key
func (s *SceneManager) Dependencies(ctx context.Context, key ObjectKey) ([]ObjectKey, error) {
	m, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	deps, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]ObjectKey(nil), deps...), nil
}

// LoadOrder returns key and everything it transitively depends on, dependencies first
func (s *SceneManager) LoadOrder(ctx context.Context, key ObjectKey) ([]ObjectKey, error) {
	m, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return m.LoadOrder(key)
}

// LoadOrder walks the dependency graph depth-first. Dependencies without an entry of their
// own are treated as leaves.
func (m Manifest) LoadOrder(key ObjectKey) ([]ObjectKey, error) {
	if _, ok := m[key]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	const (
		visiting = 1
		done     = 2
	)
	state := make(map[ObjectKey]int)
	var order []ObjectKey

	var visit func(k ObjectKey, path []ObjectKey) error
	visit = func(k ObjectKey, path []ObjectKey) error {
		switch state[k] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: %v -> %s", ErrDependencyCycle, path, k)
		}
		state[k] = visiting
		for _, dep := range m[k] {
			if err := visit(dep, slices.Concat(path, []ObjectKey{k})); err != nil {
				return err
			}
		}
		state[k] = done
		order = append(order, k)
		return nil
	}

	if err := visit(key, nil); err != nil {
		return nil, err
	}
	return order, nil
}

// ListObjects lists every object of kind with its stored size. TriangleMesh sizes are not
// queried and report 0.
func (s *SceneManager) ListObjects(ctx context.Context, kind ObjectKind) ([]Object, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: object kind %d", ErrNotFound, kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.loadLocked(ctx)
	if err != nil {
		return nil, err
	}

	var objects []Object
	for key := range m {
		if key.Kind != kind {
			continue
		}
		obj := Object{ID: key.ID}
		if kind != KindTriangleMesh {
			size, err := s.store.Size(ctx, key.String())
			if err != nil {
				return nil, fmt.Errorf("failed to stat %s: %w", key, err)
			}
			obj.Size = size
		}
		objects = append(objects, obj)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].ID < objects[j].ID })
	return objects, nil
}

// ListAll lists every kind present in the manifest
func (s *SceneManager) ListAll(ctx context.Context) (map[ObjectKind][]Object, error) {
	m, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}

	kinds := make(map[ObjectKind]struct{})
	for key := range m {
		kinds[key.Kind] = struct{}{}
	}

	result := make(map[ObjectKind][]Object, len(kinds))
	for kind := range kinds {
		objects, err := s.ListObjects(ctx, kind)
		if err != nil {
			return nil, err
		}
		result[kind] = objects
	}
	return result, nil
}

// Read fetches a single object blob
func (s *SceneManager) Read(ctx context.Context, key ObjectKey) ([]byte, error) {
	s.mu.Lock()
	store := s.store
	s.mu.Unlock()

	if store == nil {
		return nil, ErrUninitialized
	}
	data, err := store.Get(ctx, key.String())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}
	return data, nil
}
