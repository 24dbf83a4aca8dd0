package tracer

import (
	"context"
	"testing"

	"cloudrt/internal/manifest"
	"cloudrt/internal/raystate"
	"cloudrt/internal/storage"
	"cloudrt/pkg"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScene() *SceneData {
	return &SceneData{
		Info: SceneInfo{
			Treelets:    3,
			Environment: mgl64.Vec3{0.5, 0.5, 0.5},
			Albedo:      0.5,
		},
		Lights: []Light{{Radiance: mgl64.Vec3{1, 1, 1}}, {Radiance: mgl64.Vec3{2, 0, 0}}},
	}
}

func TestCameraGenerator(t *testing.T) {
	g := NewCameraGenerator(4, 4, pkg.Bounds{MinX: 1, MinY: 2, MaxX: 3, MaxY: 10}, 2, 7, 3)
	assert.Equal(t, 2*2*2, g.Remaining())

	first := g.Next(3)
	require.Len(t, first, 3)
	rest := g.Next(100)
	require.Len(t, rest, 5)
	assert.True(t, g.Done())
	assert.Nil(t, g.Next(1))

	all := append(first, rest...)
	ids := make(map[uint64]bool)
	for _, rs := range all {
		assert.Equal(t, []pkg.TreeletID{7}, rs.ToVisit)
		assert.Equal(t, uint8(3), rs.RemainingBounces)
		assert.Equal(t, raystate.NeedsTrace, rs.Classify())
		assert.InDelta(t, 1.0, rs.Ray.Direction.Len(), 1e-9)
		assert.GreaterOrEqual(t, rs.Pixel[0], int32(1))
		assert.Less(t, rs.Pixel[0], int32(3))
		assert.GreaterOrEqual(t, rs.Pixel[1], int32(2))
		assert.Less(t, rs.Pixel[1], int32(4))
		assert.False(t, ids[rs.SampleID], "duplicate sample id %d", rs.SampleID)
		ids[rs.SampleID] = true
	}
	assert.Equal(t, [2]int32{1, 2}, all[0].Pixel)
	assert.Equal(t, [2]int32{1, 2}, all[1].Pixel)
	assert.Equal(t, [2]int32{2, 2}, all[2].Pixel)
}

func TestCameraGenerator_EmptyCrop(t *testing.T) {
	g := NewCameraGenerator(4, 4, pkg.Bounds{MinX: 5, MaxX: 8, MaxY: 4}, 1, 0, 1)
	assert.True(t, g.Done())
	assert.Empty(t, g.Next(16))
}

func TestPassthrough_TraceWalksTreelets(t *testing.T) {
	p := &Passthrough{}
	rs := raystate.RayState{ToVisit: []pkg.TreeletID{0, 2}}

	_, err := p.Trace(rs, &Treelet{ID: 2})
	assert.ErrorIs(t, err, ErrWrongTreelet)

	rs, err = p.Trace(rs, &Treelet{ID: 0})
	require.NoError(t, err)
	assert.Equal(t, []pkg.TreeletID{2}, rs.ToVisit)
	assert.Nil(t, rs.Hit)

	rs, err = p.Trace(rs, &Treelet{ID: 2})
	require.NoError(t, err)
	assert.Empty(t, rs.ToVisit)
	require.NotNil(t, rs.Hit)
	assert.Equal(t, pkg.TreeletID(2), rs.Hit.Treelet)
	assert.False(t, rs.Hit.Miss)
	assert.Equal(t, raystate.NeedsShade, rs.Classify())
}

func TestPassthrough_ShadowRays(t *testing.T) {
	always := &Passthrough{OccludeEvery: 1}
	rs, err := always.Trace(raystate.RayState{IsShadowRay: true, ToVisit: []pkg.TreeletID{1}}, &Treelet{ID: 1})
	require.NoError(t, err)
	assert.Equal(t, raystate.FinishedOccluded, rs.Classify())

	never := &Passthrough{}
	rs, err = never.Trace(raystate.RayState{IsShadowRay: true, ToVisit: []pkg.TreeletID{1}}, &Treelet{ID: 1})
	require.NoError(t, err)
	assert.Equal(t, raystate.FinishedVisible, rs.Classify())
}

func TestPassthrough_ShadeHit(t *testing.T) {
	p := &Passthrough{}
	scene := testScene()
	rs := raystate.RayState{
		SampleID:         9,
		Weight:           1,
		Ray:              raystate.Ray{Direction: mgl64.Vec3{0, 0, -1}, TMax: 10},
		Hit:              &raystate.Hit{Treelet: 2, T: 2},
		Beta:             mgl64.Vec3{1, 1, 1},
		RemainingBounces: 1,
	}

	out, err := p.Shade(rs, &Treelet{ID: 2}, scene)
	require.NoError(t, err)
	require.Len(t, out, 3)

	for _, shadow := range out[:2] {
		assert.True(t, shadow.IsShadowRay)
		assert.Equal(t, []pkg.TreeletID{2, 0}, shadow.ToVisit)
		assert.Equal(t, mgl64.Vec3{0, 0, -2}, shadow.Ray.Origin)
	}
	assert.Equal(t, mgl64.Vec3{0.25, 0.25, 0.25}, out[0].Ld)
	assert.Equal(t, mgl64.Vec3{0.5, 0, 0}, out[1].Ld)

	bounce := out[2]
	assert.False(t, bounce.IsShadowRay)
	assert.Equal(t, []pkg.TreeletID{0}, bounce.ToVisit)
	assert.Equal(t, uint8(1), bounce.Bounces)
	assert.Equal(t, uint8(0), bounce.RemainingBounces)
	assert.Equal(t, mgl64.Vec3{0.5, 0.5, 0.5}, bounce.Beta)
}

func TestPassthrough_ShadeMiss(t *testing.T) {
	p := &Passthrough{}
	rs := raystate.RayState{
		Hit:  &raystate.Hit{Treelet: 1, Miss: true},
		Beta: mgl64.Vec3{1, 0.5, 0},
	}

	out, err := p.Shade(rs, &Treelet{ID: 1}, testScene())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, raystate.FinishedVisible, out[0].Classify())
	assert.Equal(t, mgl64.Vec3{0.5, 0.25, 0}, out[0].Ld)

	_, err = p.Shade(rs, &Treelet{ID: 0}, testScene())
	assert.ErrorIs(t, err, ErrWrongTreelet)
}

func TestLoadSceneData(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend()
	require.NoError(t, store.Put(ctx, "CAMERA", []byte("cam")))
	require.NoError(t, store.Put(ctx, "SAMPLER", nil))
	require.NoError(t, store.Put(ctx, "LIGHTS", []byte(`[{"radiance":[1,2,3]}]`)))
	require.NoError(t, store.Put(ctx, "SCENE", []byte(`{"treelets":4,"albedo":0.5}`)))

	sm := manifest.NewSceneManager()
	sm.Init(store)
	scene, err := LoadSceneData(ctx, sm)
	require.NoError(t, err)
	assert.Equal(t, []byte("cam"), scene.Camera)
	assert.Equal(t, []Light{{Radiance: mgl64.Vec3{1, 2, 3}}}, scene.Lights)
	assert.Equal(t, uint32(4), scene.Info.Treelets)
	assert.Equal(t, 0.5, scene.Info.Albedo)

	empty := manifest.NewSceneManager()
	empty.Init(storage.NewMemoryBackend())
	_, err = LoadSceneData(ctx, empty)
	assert.ErrorIs(t, err, manifest.ErrNotFound)
}

func TestWriteSynthScene(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend()
	opts := DefaultSynthOptions()
	opts.Treelets = 3

	m, err := WriteSynthScene(ctx, store, opts)
	require.NoError(t, err)
	assert.Equal(t, []manifest.ObjectKey{manifest.Key(manifest.KindMaterial, 0)}, m[manifest.Key(manifest.KindTreelet, 2)])

	sm := manifest.NewSceneManager()
	sm.Init(store)
	order, err := sm.LoadOrder(ctx, manifest.Key(manifest.KindTreelet, 1))
	require.NoError(t, err)
	assert.Equal(t, []manifest.ObjectKey{
		manifest.Key(manifest.KindTexture, 1),
		manifest.Key(manifest.KindMaterial, 1),
		manifest.Key(manifest.KindTreelet, 1),
	}, order)

	scene, err := LoadSceneData(ctx, sm)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), scene.Info.Treelets)
	assert.Equal(t, opts.Albedo, scene.Info.Albedo)
	require.Len(t, scene.Lights, 1)

	blob, err := store.Get(ctx, "T2")
	require.NoError(t, err)
	assert.Len(t, blob, opts.BlobSize)

	_, err = WriteSynthScene(ctx, store, SynthOptions{})
	assert.Error(t, err)
}
