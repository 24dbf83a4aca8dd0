package tracer

import (
	"context"
	"errors"
	"fmt"

	"cloudrt/internal/manifest"
	"cloudrt/internal/raystate"
	"cloudrt/pkg"

	"github.com/bytedance/sonic"
	"github.com/go-gl/mathgl/mgl64"
)

// Integrator advances ray states one step. Both calls run on the worker loop goroutine
// and must not block.
type Integrator interface {
	// Trace requires rs.ToVisit[0] == t.ID
	Trace(rs raystate.RayState, t *Treelet) (raystate.RayState, error)
	// Shade requires rs to be shade-eligible; it consumes rs
	Shade(rs raystate.RayState, t *Treelet, scene *SceneData) ([]raystate.RayState, error)
}

// Treelet is a resident treelet together with the objects it depends on
type Treelet struct {
	ID      pkg.TreeletID
	Blob    []byte
	Objects map[manifest.ObjectKey][]byte
}

// Light is one entry of the LIGHTS object
type Light struct {
	Radiance mgl64.Vec3 `json:"radiance"`
}

// SceneInfo is the decoded SCENE object
type SceneInfo struct {
	Treelets    uint32     `json:"treelets"`
	Root        uint32     `json:"root"`
	Environment mgl64.Vec3 `json:"environment"`
	Albedo      float64    `json:"albedo"`
	Width       int        `json:"width"`
	Height      int        `json:"height"`
}

// SceneData is the read-only context every worker loads at start
type SceneData struct {
	Info    SceneInfo
	Lights  []Light
	Camera  []byte
	Sampler []byte
}

// LoadSceneData reads the four singleton objects through the scene manager
func LoadSceneData(ctx context.Context, sm *manifest.SceneManager) (*SceneData, error) {
	read := func(kind manifest.ObjectKind) ([]byte, error) {
		data, err := sm.Read(ctx, manifest.Key(kind, 0))
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", kind, err)
		}
		return data, nil
	}

	scene := &SceneData{}
	var err error
	if scene.Camera, err = read(manifest.KindCamera); err != nil {
		return nil, err
	}
	if scene.Sampler, err = read(manifest.KindSampler); err != nil {
		return nil, err
	}

	lights, err := read(manifest.KindLights)
	if err != nil {
		return nil, err
	}
	if len(lights) > 0 {
		if err := sonic.Unmarshal(lights, &scene.Lights); err != nil {
			return nil, fmt.Errorf("failed to decode lights: %w", err)
		}
	}

	info, err := read(manifest.KindScene)
	if err != nil {
		return nil, err
	}
	if len(info) > 0 {
		if err := sonic.Unmarshal(info, &scene.Info); err != nil {
			return nil, fmt.Errorf("failed to decode scene: %w", err)
		}
	}
	return scene, nil
}

var ErrWrongTreelet = errors.New("ray state does not need this treelet")
