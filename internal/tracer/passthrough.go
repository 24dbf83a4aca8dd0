package tracer

import (
	"fmt"

	"cloudrt/internal/raystate"
	"cloudrt/pkg"

	"github.com/go-gl/mathgl/mgl64"
)

// Passthrough is a deterministic integrator that exercises the routing substrate without
// real geometry. Trace consumes one treelet per call. When the last treelet is consumed a
// radiance ray records a hit (or a miss every MissEvery samples) and a shadow ray is
// occluded every OccludeEvery samples. Shade sends one shadow ray per light through the
// hit treelet and its successor, plus one bounce ray while bounces remain.
type Passthrough struct {
	MissEvery    uint64
	OccludeEvery uint64
}

// NewPassthrough creates the integrator used by local runs
func NewPassthrough() *Passthrough {
	return &Passthrough{MissEvery: 4, OccludeEvery: 3}
}

func (p *Passthrough) Trace(rs raystate.RayState, t *Treelet) (raystate.RayState, error) {
	if len(rs.ToVisit) == 0 || rs.ToVisit[0] != t.ID {
		return rs, fmt.Errorf("%w: treelet %d, %s", ErrWrongTreelet, t.ID, rs)
	}
	rs.PopTreelet()
	if len(rs.ToVisit) > 0 {
		return rs, nil
	}

	h := mix(rs.SampleID, uint64(rs.Bounces), uint64(t.ID))
	if rs.IsShadowRay {
		if p.OccludeEvery > 0 && h%p.OccludeEvery == 0 {
			rs.Hit = &raystate.Hit{Treelet: t.ID, T: rs.Ray.TMax / 2}
		}
		return rs, nil
	}

	rs.Hit = &raystate.Hit{
		Treelet:   t.ID,
		Node:      uint32(h >> 40),
		Primitive: uint32(h),
		T:         1,
		Miss:      p.MissEvery > 0 && h%p.MissEvery == 0,
	}
	return rs, nil
}

func (p *Passthrough) Shade(rs raystate.RayState, t *Treelet, scene *SceneData) ([]raystate.RayState, error) {
	if rs.Classify() != raystate.NeedsShade || rs.Hit.Treelet != t.ID {
		return nil, fmt.Errorf("%w: shade on treelet %d, %s", ErrWrongTreelet, t.ID, rs)
	}

	if rs.Hit.Miss {
		le := mulElem(rs.Beta, scene.Info.Environment)
		if le == (mgl64.Vec3{}) {
			return nil, nil
		}
		return []raystate.RayState{terminal(rs, le)}, nil
	}

	treelets := scene.Info.Treelets
	if treelets == 0 {
		treelets = 1
	}
	next := pkg.TreeletID((uint32(t.ID) + 1) % treelets)
	point := rs.Ray.Origin.Add(rs.Ray.Direction.Mul(rs.Hit.T))

	var out []raystate.RayState
	for i, light := range scene.Lights {
		shadow := raystate.RayState{
			SampleID:    rs.SampleID,
			Pixel:       rs.Pixel,
			Weight:      rs.Weight,
			IsShadowRay: true,
			Ray: raystate.Ray{
				Origin:    point,
				Direction: lightDirection(i),
				TMax:      1,
			},
			ToVisit:          []pkg.TreeletID{t.ID},
			Ld:               mulElem(rs.Beta, light.Radiance).Mul(scene.Info.Albedo / float64(len(scene.Lights))),
			Bounces:          rs.Bounces,
			RemainingBounces: 0,
		}
		if next != t.ID {
			shadow.ToVisit = append(shadow.ToVisit, next)
		}
		out = append(out, shadow)
	}

	if rs.RemainingBounces > 0 {
		bounce := raystate.RayState{
			SampleID: rs.SampleID,
			Pixel:    rs.Pixel,
			Weight:   rs.Weight,
			Ray: raystate.Ray{
				Origin:    point,
				Direction: reflect(rs.Ray.Direction),
				TMax:      rs.Ray.TMax,
			},
			ToVisit:          []pkg.TreeletID{next},
			Beta:             rs.Beta.Mul(scene.Info.Albedo),
			Bounces:          rs.Bounces + 1,
			RemainingBounces: rs.RemainingBounces - 1,
		}
		out = append(out, bounce)
	}
	return out, nil
}

// terminal builds a ray that is finished on creation and carries l to the film
func terminal(rs raystate.RayState, l mgl64.Vec3) raystate.RayState {
	return raystate.RayState{
		SampleID:    rs.SampleID,
		Pixel:       rs.Pixel,
		Weight:      rs.Weight,
		IsShadowRay: true,
		Ray:         rs.Ray,
		Ld:          l,
		Bounces:     rs.Bounces,
	}
}

func mulElem(a, b mgl64.Vec3) mgl64.Vec3 {
	return mgl64.Vec3{a[0] * b[0], a[1] * b[1], a[2] * b[2]}
}

func lightDirection(i int) mgl64.Vec3 {
	return mgl64.Vec3{float64(i%3) - 1, 1, float64(i/3%3) - 1}.Normalize()
}

func reflect(d mgl64.Vec3) mgl64.Vec3 {
	return mgl64.Vec3{d[0], -d[1], d[2]}
}

// mix is splitmix64 over the combined inputs
func mix(a, b, c uint64) uint64 {
	x := a*0x9e3779b97f4a7c15 ^ b<<32 ^ c
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
