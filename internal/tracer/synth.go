package tracer

import (
	"context"
	"fmt"

	"cloudrt/internal/manifest"

	"github.com/bytedance/sonic"
	"github.com/go-gl/mathgl/mgl64"
)

// SynthOptions shapes a synthetic scene for the passthrough integrator
type SynthOptions struct {
	Treelets    int
	Materials   int
	Textures    int
	BlobSize    int
	Width       int
	Height      int
	Lights      []Light
	Environment mgl64.Vec3
	Albedo      float64
}

// DefaultSynthOptions is a small scene every worker can hold entirely
func DefaultSynthOptions() SynthOptions {
	return SynthOptions{
		Treelets:    4,
		Materials:   2,
		Textures:    2,
		BlobSize:    1024,
		Width:       64,
		Height:      64,
		Lights:      []Light{{Radiance: mgl64.Vec3{1, 1, 1}}},
		Environment: mgl64.Vec3{0.2, 0.3, 0.5},
		Albedo:      0.6,
	}
}

// WriteSynthScene writes a scene of opts.Treelets treelets, each depending on one material
// that in turn depends on one image texture, plus the singletons and the manifest
func WriteSynthScene(ctx context.Context, w manifest.BlobWriter, opts SynthOptions) (manifest.Manifest, error) {
	if opts.Treelets <= 0 {
		return nil, fmt.Errorf("synthetic scene needs at least one treelet, got %d", opts.Treelets)
	}
	opts.Materials = max(opts.Materials, 1)
	opts.Textures = max(opts.Textures, 1)

	b := manifest.NewBuilder()
	put := func(key manifest.ObjectKey, data []byte) error {
		if err := w.Put(ctx, key.String(), data); err != nil {
			return fmt.Errorf("failed to write %s: %w", key, err)
		}
		return nil
	}

	textures := make([]manifest.ObjectKey, opts.Textures)
	for i := range textures {
		path := fmt.Sprintf("textures/synth%d.png", i)
		textures[i] = manifest.Key(manifest.KindTexture, b.TextureID(path))
		if err := put(textures[i], []byte(path)); err != nil {
			return nil, err
		}
	}

	materials := make([]manifest.ObjectKey, opts.Materials)
	for i := range materials {
		materials[i] = manifest.Key(manifest.KindMaterial, b.AllocateID(manifest.KindMaterial, manifest.Handle(i+1)))
		b.RecordDependency(materials[i], textures[i%len(textures)])
		if err := put(materials[i], []byte(fmt.Sprintf(`{"albedo":%g}`, opts.Albedo))); err != nil {
			return nil, err
		}
	}

	for i := 0; i < opts.Treelets; i++ {
		key := manifest.Key(manifest.KindTreelet, b.AllocateID(manifest.KindTreelet, 0))
		b.RecordDependency(key, materials[i%len(materials)])
		if err := put(key, synthBlob(key.ID, opts.BlobSize)); err != nil {
			return nil, err
		}
	}

	lights, err := sonic.Marshal(opts.Lights)
	if err != nil {
		return nil, fmt.Errorf("failed to encode lights: %w", err)
	}
	info, err := sonic.Marshal(SceneInfo{
		Treelets:    uint32(opts.Treelets),
		Environment: opts.Environment,
		Albedo:      opts.Albedo,
		Width:       opts.Width,
		Height:      opts.Height,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode scene: %w", err)
	}
	singletons := map[manifest.ObjectKind][]byte{
		manifest.KindCamera:  []byte(fmt.Sprintf(`{"width":%d,"height":%d}`, opts.Width, opts.Height)),
		manifest.KindSampler: []byte(`{"type":"independent"}`),
		manifest.KindLights:  lights,
		manifest.KindScene:   info,
	}
	for kind, data := range singletons {
		if err := put(manifest.Key(kind, 0), data); err != nil {
			return nil, err
		}
	}

	if err := b.Persist(ctx, w); err != nil {
		return nil, err
	}
	return b.BuildManifest(), nil
}

func synthBlob(id uint32, size int) []byte {
	blob := make([]byte, max(size, 8))
	x := uint64(id) + 1
	for i := range blob {
		x = mix(x, uint64(i), 0)
		blob[i] = byte(x)
	}
	return blob
}
