package manifest

import (
	"fmt"
	"strconv"
	"strings"
)

// ObjectKind enumerates every object a scene is split into
type ObjectKind uint8

const (
	KindTreelet ObjectKind = iota
	KindTriangleMesh
	KindLights
	KindSampler
	KindCamera
	KindScene
	KindMaterial
	KindFloatTexture
	KindSpectrumTexture
	KindManifest
	KindTexture

	kindCount
)

var kindPrefixes = [kindCount]string{
	"T", "TM", "LIGHTS", "SAMPLER", "CAMERA", "SCENE",
	"MAT", "FTEX", "STEX", "MANIFEST", "TEX",
}

var kindNames = [kindCount]string{
	"Treelet", "TriangleMesh", "Lights", "Sampler", "Camera", "Scene",
	"Material", "FloatTexture", "SpectrumTexture", "Manifest", "Texture",
}

// MultiInstanceKinds are the kinds whose ids are allocated monotonically, in manifest order
var MultiInstanceKinds = []ObjectKind{
	KindTreelet,
	KindTriangleMesh,
	KindMaterial,
	KindFloatTexture,
	KindSpectrumTexture,
	KindTexture,
}

// RequiredSingletons must be present in every loaded manifest
var RequiredSingletons = []ObjectKind{
	KindScene,
	KindCamera,
	KindLights,
	KindSampler,
}

// Valid reports whether k is one of the declared kinds
func (k ObjectKind) Valid() bool {
	return k < kindCount
}

// IsSingleton reports whether the kind always uses id 0
func (k ObjectKind) IsSingleton() bool {
	switch k {
	case KindSampler, KindCamera, KindLights, KindScene, KindManifest:
		return true
	default:
		return false
	}
}

// Prefix returns the on-disk name prefix of the kind
func (k ObjectKind) Prefix() string {
	if !k.Valid() {
		return ""
	}
	return kindPrefixes[k]
}

func (k ObjectKind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("ObjectKind(%d)", uint8(k))
	}
	return kindNames[k]
}

// ParseKind resolves a kind by its name ("Treelet") or prefix ("T"), case-insensitively
func ParseKind(s string) (ObjectKind, error) {
	for k := ObjectKind(0); k < kindCount; k++ {
		if strings.EqualFold(s, kindNames[k]) || strings.EqualFold(s, kindPrefixes[k]) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: object kind %q", ErrNotFound, s)
}

// ObjectKey names one scene object
type ObjectKey struct {
	Kind ObjectKind `json:"kind"`
	ID   uint32     `json:"id"`
}

// Key builds an ObjectKey, forcing id 0 for singleton kinds
func Key(kind ObjectKind, id uint32) ObjectKey {
	if kind.IsSingleton() {
		id = 0
	}
	return ObjectKey{Kind: kind, ID: id}
}

// Less orders keys by kind, then id
func (k ObjectKey) Less(o ObjectKey) bool {
	if k.Kind != o.Kind {
		return k.Kind < o.Kind
	}
	return k.ID < o.ID
}

// String returns the stable storage name of the object: T12, MAT3, SAMPLER
func (k ObjectKey) String() string {
	if k.Kind.IsSingleton() {
		return k.Kind.Prefix()
	}
	return k.Kind.Prefix() + strconv.FormatUint(uint64(k.ID), 10)
}

// ParseObjectKey is the inverse of ObjectKey.String
func ParseObjectKey(name string) (ObjectKey, error) {
	best := -1
	for k := ObjectKind(0); k < kindCount; k++ {
		p := kindPrefixes[k]
		if !strings.HasPrefix(name, p) {
			continue
		}
		rest := name[len(p):]
		if k.IsSingleton() != (rest == "") {
			continue
		}
		if best < 0 || len(p) > len(kindPrefixes[best]) {
			best = int(k)
		}
	}
	if best < 0 {
		return ObjectKey{}, fmt.Errorf("%w: object name %q", ErrNotFound, name)
	}

	kind := ObjectKind(best)
	if kind.IsSingleton() {
		return ObjectKey{Kind: kind}, nil
	}
	id, err := strconv.ParseUint(name[len(kind.Prefix()):], 10, 32)
	if err != nil {
		return ObjectKey{}, fmt.Errorf("%w: object name %q", ErrNotFound, name)
	}
	return ObjectKey{Kind: kind, ID: uint32(id)}, nil
}
