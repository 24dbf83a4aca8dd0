package raystate

import (
	"fmt"
	"strings"

	"cloudrt/pkg"

	"github.com/go-gl/mathgl/mgl64"
)

// Status is the classification of a ray state against the trace/shade transition table
type Status uint8

const (
	// NeedsTrace: toVisit is non-empty, the head treelet must be traced next
	NeedsTrace Status = iota
	// NeedsShade: toVisit is empty, radiance ray, hit recorded
	NeedsShade
	// FinishedVisible: toVisit is empty, shadow ray, no hit. The carried radiance is output.
	FinishedVisible
	// FinishedOccluded: toVisit is empty, shadow ray, hit recorded. Dropped.
	FinishedOccluded
	// Invalid: toVisit is empty, radiance ray, no hit
	Invalid
)

func (s Status) String() string {
	switch s {
	case NeedsTrace:
		return "needs_trace"
	case NeedsShade:
		return "needs_shade"
	case FinishedVisible:
		return "finished_visible"
	case FinishedOccluded:
		return "finished_occluded"
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Ray is the geometric part of a ray state
type Ray struct {
	Origin    mgl64.Vec3 `json:"origin"`
	Direction mgl64.Vec3 `json:"direction"`
	TMax      float64    `json:"t_max"`
}

// Hit is a recorded intersection. A ray that left the scene records a Hit with Miss set,
// so "hit initialized" always holds for a radiance ray whose traversal is done.
type Hit struct {
	Treelet   pkg.TreeletID `json:"treelet"`
	Node      uint32        `json:"node"`
	Primitive uint32        `json:"primitive"`
	T         float64       `json:"t"`
	Miss      bool          `json:"miss"`
}

// RayState is a serializable continuation of one ray's traversal and shading work.
// A ray state belongs to exactly one queue at a time; it is moved, never shared.
type RayState struct {
	SampleID uint64   `json:"sample_id"`
	Pixel    [2]int32 `json:"pixel"`
	Weight   float64  `json:"weight"`

	Ray         Ray             `json:"ray"`
	ToVisit     []pkg.TreeletID `json:"to_visit"`
	IsShadowRay bool            `json:"is_shadow_ray"`
	Hit         *Hit            `json:"hit,omitempty"`

	// Beta is the path throughput, Ld the radiance a shadow ray carries to the film
	Beta mgl64.Vec3 `json:"beta"`
	Ld   mgl64.Vec3 `json:"ld"`

	Bounces          uint8 `json:"bounces"`
	RemainingBounces uint8 `json:"remaining_bounces"`
}

// HasHit reports whether a hit record is initialized
func (rs *RayState) HasHit() bool {
	return rs.Hit != nil
}

// Classify places the ray state in the transition table
func (rs *RayState) Classify() Status {
	if len(rs.ToVisit) > 0 {
		return NeedsTrace
	}
	switch {
	case rs.IsShadowRay && rs.Hit == nil:
		return FinishedVisible
	case rs.IsShadowRay:
		return FinishedOccluded
	case rs.Hit != nil:
		return NeedsShade
	default:
		return Invalid
	}
}

// NextTreelet returns the treelet the ray state has to visit next: the head of ToVisit, or
// the hit treelet for a ray waiting to be shaded
func (rs *RayState) NextTreelet() (pkg.TreeletID, bool) {
	switch rs.Classify() {
	case NeedsTrace:
		return rs.ToVisit[0], true
	case NeedsShade:
		return rs.Hit.Treelet, true
	default:
		return 0, false
	}
}

// PopTreelet removes the head of ToVisit
func (rs *RayState) PopTreelet() (pkg.TreeletID, bool) {
	if len(rs.ToVisit) == 0 {
		return 0, false
	}
	head := rs.ToVisit[0]
	rs.ToVisit = rs.ToVisit[1:]
	if len(rs.ToVisit) == 0 {
		rs.ToVisit = nil
	}
	return head, true
}

// PushTreelet makes id the next treelet to visit
func (rs *RayState) PushTreelet(id pkg.TreeletID) {
	rs.ToVisit = append([]pkg.TreeletID{id}, rs.ToVisit...)
}

// Finished converts a visible shadow ray into its film sample
func (rs *RayState) Finished() FinishedRay {
	return FinishedRay{
		SampleID: rs.SampleID,
		Pixel:    rs.Pixel,
		L:        rs.Ld,
		Weight:   rs.Weight,
	}
}

func (rs RayState) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "sample=%d pixel=(%d,%d) shadow=%t to_visit=%v", rs.SampleID, rs.Pixel[0], rs.Pixel[1], rs.IsShadowRay, rs.ToVisit)
	if rs.Hit != nil {
		fmt.Fprintf(&b, " hit={treelet=%d node=%d prim=%d t=%g miss=%t}", rs.Hit.Treelet, rs.Hit.Node, rs.Hit.Primitive, rs.Hit.T, rs.Hit.Miss)
	} else {
		b.WriteString(" hit=none")
	}
	fmt.Fprintf(&b, " bounces=%d/%d", rs.Bounces, rs.RemainingBounces)
	return b.String()
}

// FinishedRay is a film-sample contribution
type FinishedRay struct {
	SampleID uint64     `json:"sample_id"`
	Pixel    [2]int32   `json:"pixel"`
	L        mgl64.Vec3 `json:"l"`
	Weight   float64    `json:"weight"`
}
