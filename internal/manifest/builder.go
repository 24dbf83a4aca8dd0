package manifest

import (
	"context"
	"fmt"
)

// Handle is an opaque identity assigned by the scene-building code to a logical object.
// The zero Handle means "no identity".
type Handle uint64

// BlobWriter is the subset of the storage contract the builder needs
type BlobWriter interface {
	Put(ctx context.Context, name string, data []byte) error
}

// Builder assigns object ids and records dependency edges during scene preprocessing
type Builder struct {
	nextIDs      [kindCount]uint32
	handleIDs    map[ObjectKind]map[Handle]uint32
	textureIDs   map[string]uint32
	dependencies map[ObjectKey]map[ObjectKey]struct{}
}

// NewBuilder creates an empty builder
func NewBuilder() *Builder {
	return &Builder{
		handleIDs:    make(map[ObjectKind]map[Handle]uint32),
		textureIDs:   make(map[string]uint32),
		dependencies: make(map[ObjectKey]map[ObjectKey]struct{}),
	}
}

// AllocateID returns the next unused id for kind. A non-zero handle seen before for the
// same kind gets the id it was first given.
func (b *Builder) AllocateID(kind ObjectKind, handle Handle) uint32 {
	if kind.IsSingleton() {
		return 0
	}

	if handle != 0 {
		if id, ok := b.handleIDs[kind][handle]; ok {
			return id
		}
	}

	id := b.nextIDs[kind]
	b.nextIDs[kind]++

	if handle != 0 {
		if b.handleIDs[kind] == nil {
			b.handleIDs[kind] = make(map[Handle]uint32)
		}
		b.handleIDs[kind][handle] = id
	}
	return id
}

// TextureID returns the Texture id for an image path, allocating one on first use
func (b *Builder) TextureID(path string) uint32 {
	if id, ok := b.textureIDs[path]; ok {
		return id
	}
	id := b.AllocateID(KindTexture, 0)
	b.textureIDs[path] = id
	return id
}

// Count returns how many ids have been allocated for kind
func (b *Builder) Count(kind ObjectKind) uint32 {
	if !kind.Valid() {
		return 0
	}
	return b.nextIDs[kind]
}

// RecordDependency notes that from cannot be used before to is loaded
func (b *Builder) RecordDependency(from, to ObjectKey) {
	deps, ok := b.dependencies[from]
	if !ok {
		deps = make(map[ObjectKey]struct{})
		b.dependencies[from] = deps
	}
	deps[to] = struct{}{}
}

// BuildManifest emits one entry per allocated id of every multi-instance kind, plus the
// required singletons
func (b *Builder) BuildManifest() Manifest {
	m := make(Manifest)
	for _, kind := range MultiInstanceKinds {
		for id := uint32(0); id < b.nextIDs[kind]; id++ {
			key := ObjectKey{Kind: kind, ID: id}
			m[key] = b.dependencyList(key)
		}
	}
	for _, kind := range RequiredSingletons {
		key := Key(kind, 0)
		m[key] = b.dependencyList(key)
	}
	return m
}

func (b *Builder) dependencyList(key ObjectKey) []ObjectKey {
	deps := b.dependencies[key]
	list := make([]ObjectKey, 0, len(deps))
	for dep := range deps {
		list = append(list, dep)
	}
	sortKeys(list)
	return list
}

// Persist writes the manifest blob
func (b *Builder) Persist(ctx context.Context, w BlobWriter) error {
	data, err := b.BuildManifest().Marshal()
	if err != nil {
		return err
	}
	if err := w.Put(ctx, Key(KindManifest, 0).String(), data); err != nil {
		return fmt.Errorf("failed to persist manifest: %w", err)
	}
	return nil
}
