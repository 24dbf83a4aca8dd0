package raystate

import (
	"math"
	"testing"

	"cloudrt/pkg"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	hit := &Hit{Treelet: 3, T: 1.5}
	cases := []struct {
		name string
		rs   RayState
		want Status
	}{
		{"radiance with treelets", RayState{ToVisit: []pkg.TreeletID{1}}, NeedsTrace},
		{"shadow with treelets", RayState{ToVisit: []pkg.TreeletID{1}, IsShadowRay: true}, NeedsTrace},
		{"radiance with treelets and hit", RayState{ToVisit: []pkg.TreeletID{1}, Hit: hit}, NeedsTrace},
		{"radiance hit", RayState{Hit: hit}, NeedsShade},
		{"radiance miss", RayState{Hit: &Hit{Miss: true}}, NeedsShade},
		{"shadow unoccluded", RayState{IsShadowRay: true}, FinishedVisible},
		{"shadow occluded", RayState{IsShadowRay: true, Hit: hit}, FinishedOccluded},
		{"radiance without hit", RayState{}, Invalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.rs.Classify())
		})
	}
}

func TestNextTreelet(t *testing.T) {
	rs := RayState{ToVisit: []pkg.TreeletID{4, 9}}
	id, ok := rs.NextTreelet()
	require.True(t, ok)
	assert.Equal(t, pkg.TreeletID(4), id)

	rs = RayState{Hit: &Hit{Treelet: 7}}
	id, ok = rs.NextTreelet()
	require.True(t, ok)
	assert.Equal(t, pkg.TreeletID(7), id)

	rs = RayState{IsShadowRay: true}
	_, ok = rs.NextTreelet()
	assert.False(t, ok)
}

func TestPushPopTreelet(t *testing.T) {
	var rs RayState
	rs.PushTreelet(2)
	rs.PushTreelet(1)
	assert.Equal(t, []pkg.TreeletID{1, 2}, rs.ToVisit)

	id, ok := rs.PopTreelet()
	require.True(t, ok)
	assert.Equal(t, pkg.TreeletID(1), id)
	id, ok = rs.PopTreelet()
	require.True(t, ok)
	assert.Equal(t, pkg.TreeletID(2), id)
	assert.Nil(t, rs.ToVisit)

	_, ok = rs.PopTreelet()
	assert.False(t, ok)
}

func TestFinished(t *testing.T) {
	rs := RayState{
		SampleID:    42,
		Pixel:       [2]int32{3, 5},
		Weight:      0.5,
		IsShadowRay: true,
		Ld:          mgl64.Vec3{1, 2, 3},
	}
	f := rs.Finished()
	assert.Equal(t, uint64(42), f.SampleID)
	assert.Equal(t, [2]int32{3, 5}, f.Pixel)
	assert.Equal(t, mgl64.Vec3{1, 2, 3}, f.L)
	assert.Equal(t, 0.5, f.Weight)
}

func TestRoundTrip(t *testing.T) {
	base := RayState{
		SampleID: math.MaxUint64 - 3,
		Pixel:    [2]int32{-1, 1 << 20},
		Weight:   0.25,
		Ray: Ray{
			Origin:    mgl64.Vec3{1.5, -2.25, 1e-300},
			Direction: mgl64.Vec3{0, 0, -1},
			TMax:      math.Inf(1),
		},
		Beta:             mgl64.Vec3{0.9, 0.8, 0.7},
		Ld:               mgl64.Vec3{math.SmallestNonzeroFloat64, 0, 12},
		Bounces:          2,
		RemainingBounces: 3,
	}

	toVisits := [][]pkg.TreeletID{nil, {0}, {5, 1, 1 << 31}, make([]pkg.TreeletID, 300)}
	hits := []*Hit{nil, {Treelet: 8, Node: 17, Primitive: 1 << 30, T: 3.75}, {Miss: true}}

	for _, toVisit := range toVisits {
		for _, shadow := range []bool{false, true} {
			for _, hit := range hits {
				rs := base
				rs.ToVisit = toVisit
				rs.IsShadowRay = shadow
				rs.Hit = hit

				data := rs.Marshal()
				assert.Len(t, data, rs.EncodedSize())

				decoded, err := Unmarshal(data)
				require.NoError(t, err)
				assert.Equal(t, rs, decoded, rs.String())
			}
		}
	}
}

func TestUnmarshal_Truncated(t *testing.T) {
	rs := RayState{ToVisit: []pkg.TreeletID{1, 2}, Hit: &Hit{Treelet: 2}}
	data := rs.Marshal()

	for _, n := range []int{0, 10, fixedSize - 1, fixedSize, len(data) - 1} {
		_, err := Unmarshal(data[:n])
		assert.ErrorIs(t, err, ErrTruncated, "length %d", n)
	}

	_, err := Unmarshal(append(data, 0))
	assert.Error(t, err)
}

func TestBatchRoundTrip(t *testing.T) {
	states := []RayState{
		{SampleID: 1, ToVisit: []pkg.TreeletID{3}},
		{SampleID: 2, IsShadowRay: true, Ld: mgl64.Vec3{1, 1, 1}},
		{SampleID: 3, Hit: &Hit{Treelet: 4, Miss: true}},
	}

	decoded, err := UnmarshalBatch(MarshalBatch(states))
	require.NoError(t, err)
	assert.Equal(t, states, decoded)

	empty, err := UnmarshalBatch(MarshalBatch(nil))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestUnmarshalBatch_BadCount(t *testing.T) {
	data := MarshalBatch([]RayState{{SampleID: 1, Hit: &Hit{}}})
	le.PutUint32(data, 1000)

	_, err := UnmarshalBatch(data)
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = UnmarshalBatch([]byte{1})
	assert.ErrorIs(t, err, ErrTruncated)
}
