package tracer

import (
	"math"

	"cloudrt/internal/raystate"
	"cloudrt/pkg"

	"github.com/go-gl/mathgl/mgl64"
)

// CameraGenerator produces the initial camera rays of a crop window, one per pixel sample,
// in scanline order. It is pulled in batches so generation can pause under backpressure.
type CameraGenerator struct {
	width, height int
	crop          pkg.Bounds
	spp           int
	root          pkg.TreeletID
	maxDepth      uint8

	next  int
	total int
}

// NewCameraGenerator clips crop to the film and prepares generation
func NewCameraGenerator(width, height int, crop pkg.Bounds, spp int, root pkg.TreeletID, maxDepth int) *CameraGenerator {
	crop.MinX = max(crop.MinX, 0)
	crop.MinY = max(crop.MinY, 0)
	crop.MaxX = min(crop.MaxX, width)
	crop.MaxY = min(crop.MaxY, height)
	if spp < 1 {
		spp = 1
	}
	maxDepth = min(max(maxDepth, 0), math.MaxUint8)

	return &CameraGenerator{
		width:    width,
		height:   height,
		crop:     crop,
		spp:      spp,
		root:     root,
		maxDepth: uint8(maxDepth),
		total:    crop.Area() * spp,
	}
}

// Done reports whether every sample has been generated
func (g *CameraGenerator) Done() bool {
	return g.next >= g.total
}

// Remaining returns the number of samples not yet generated
func (g *CameraGenerator) Remaining() int {
	return g.total - g.next
}

// Next returns up to n more camera rays
func (g *CameraGenerator) Next(n int) []raystate.RayState {
	n = min(n, g.total-g.next)
	if n <= 0 {
		return nil
	}

	out := make([]raystate.RayState, 0, n)
	cropWidth := g.crop.MaxX - g.crop.MinX
	for i := 0; i < n; i++ {
		idx := g.next + i
		sample := idx % g.spp
		pixel := idx / g.spp
		x := g.crop.MinX + pixel%cropWidth
		y := g.crop.MinY + pixel/cropWidth
		out = append(out, g.ray(x, y, sample))
	}
	g.next += n
	return out
}

func (g *CameraGenerator) ray(x, y, sample int) raystate.RayState {
	// jitter within the pixel by sample index, image plane at z = -1
	jitter := (float64(sample) + 0.5) / float64(g.spp)
	aspect := float64(g.width) / float64(max(g.height, 1))
	u := (2*(float64(x)+jitter)/float64(g.width) - 1) * aspect
	v := 1 - 2*(float64(y)+jitter)/float64(g.height)

	return raystate.RayState{
		SampleID: uint64(y*g.width+x)*uint64(g.spp) + uint64(sample),
		Pixel:    [2]int32{int32(x), int32(y)},
		Weight:   1,
		Ray: raystate.Ray{
			Direction: mgl64.Vec3{u, v, -1}.Normalize(),
			TMax:      math.Inf(1),
		},
		ToVisit:          []pkg.TreeletID{g.root},
		Beta:             mgl64.Vec3{1, 1, 1},
		RemainingBounces: g.maxDepth,
	}
}

