package raystate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"cloudrt/pkg"

	"github.com/go-gl/mathgl/mgl64"
)

var ErrTruncated = errors.New("truncated ray state")

const (
	flagShadow = 1 << 0
	flagHit    = 1 << 1

	// sample id, pixel, weight, origin, direction, tmax, beta, ld, bounces, flags, toVisit count
	fixedSize = 8 + 4*2 + 8 + 8*3 + 8*3 + 8 + 8*3 + 8*3 + 2 + 1 + 4
	hitSize   = 4 + 4 + 4 + 8 + 1

	// upper bound on a single encoded toVisit list, guards against corrupt counts
	maxToVisit = 1 << 16
)

var le = binary.LittleEndian

// Marshal encodes a ray state. Floats are written as raw IEEE-754 bits.
func (rs *RayState) Marshal() []byte {
	return rs.AppendBinary(make([]byte, 0, rs.EncodedSize()))
}

// EncodedSize returns the exact length of the binary encoding
func (rs *RayState) EncodedSize() int {
	n := fixedSize + 4*len(rs.ToVisit)
	if rs.Hit != nil {
		n += hitSize
	}
	return n
}

// AppendBinary appends the encoding of rs to buf
func (rs *RayState) AppendBinary(buf []byte) []byte {
	buf = le.AppendUint64(buf, rs.SampleID)
	buf = le.AppendUint32(buf, uint32(rs.Pixel[0]))
	buf = le.AppendUint32(buf, uint32(rs.Pixel[1]))
	buf = appendFloat(buf, rs.Weight)
	buf = appendVec(buf, rs.Ray.Origin)
	buf = appendVec(buf, rs.Ray.Direction)
	buf = appendFloat(buf, rs.Ray.TMax)
	buf = appendVec(buf, rs.Beta)
	buf = appendVec(buf, rs.Ld)
	buf = append(buf, rs.Bounces, rs.RemainingBounces)

	var flags byte
	if rs.IsShadowRay {
		flags |= flagShadow
	}
	if rs.Hit != nil {
		flags |= flagHit
	}
	buf = append(buf, flags)

	buf = le.AppendUint32(buf, uint32(len(rs.ToVisit)))
	for _, id := range rs.ToVisit {
		buf = le.AppendUint32(buf, uint32(id))
	}

	if rs.Hit != nil {
		buf = le.AppendUint32(buf, uint32(rs.Hit.Treelet))
		buf = le.AppendUint32(buf, rs.Hit.Node)
		buf = le.AppendUint32(buf, rs.Hit.Primitive)
		buf = appendFloat(buf, rs.Hit.T)
		miss := byte(0)
		if rs.Hit.Miss {
			miss = 1
		}
		buf = append(buf, miss)
	}
	return buf
}

// Unmarshal decodes a single ray state; trailing bytes are an error
func Unmarshal(data []byte) (RayState, error) {
	rs, n, err := decode(data)
	if err != nil {
		return RayState{}, err
	}
	if n != len(data) {
		return RayState{}, fmt.Errorf("ray state has %d trailing bytes", len(data)-n)
	}
	return rs, nil
}

// MarshalBatch encodes ray states as a uint32 count followed by the states back to back
func MarshalBatch(states []RayState) []byte {
	size := 4
	for i := range states {
		size += states[i].EncodedSize()
	}
	buf := make([]byte, 0, size)
	buf = le.AppendUint32(buf, uint32(len(states)))
	for i := range states {
		buf = states[i].AppendBinary(buf)
	}
	return buf
}

// UnmarshalBatch is the inverse of MarshalBatch
func UnmarshalBatch(data []byte) ([]RayState, error) {
	if len(data) < 4 {
		return nil, ErrTruncated
	}
	count := le.Uint32(data)
	data = data[4:]

	// every state needs at least fixedSize bytes
	if uint64(count)*fixedSize > uint64(len(data)) {
		return nil, fmt.Errorf("%w: batch claims %d states in %d bytes", ErrTruncated, count, len(data))
	}

	states := make([]RayState, 0, count)
	for i := uint32(0); i < count; i++ {
		rs, n, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("ray state %d: %w", i, err)
		}
		states = append(states, rs)
		data = data[n:]
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("ray batch has %d trailing bytes", len(data))
	}
	return states, nil
}

func decode(data []byte) (RayState, int, error) {
	if len(data) < fixedSize {
		return RayState{}, 0, ErrTruncated
	}

	var rs RayState
	r := reader{buf: data}
	rs.SampleID = r.uint64()
	rs.Pixel[0] = int32(r.uint32())
	rs.Pixel[1] = int32(r.uint32())
	rs.Weight = r.float()
	rs.Ray.Origin = r.vec()
	rs.Ray.Direction = r.vec()
	rs.Ray.TMax = r.float()
	rs.Beta = r.vec()
	rs.Ld = r.vec()
	rs.Bounces = r.byte()
	rs.RemainingBounces = r.byte()
	flags := r.byte()
	if flags&^(flagShadow|flagHit) != 0 {
		return RayState{}, 0, fmt.Errorf("unknown ray state flags %#x", flags)
	}
	rs.IsShadowRay = flags&flagShadow != 0

	count := r.uint32()
	if count > maxToVisit {
		return RayState{}, 0, fmt.Errorf("toVisit length %d exceeds %d", count, maxToVisit)
	}
	need := int(count) * 4
	if flags&flagHit != 0 {
		need += hitSize
	}
	if r.remaining() < need {
		return RayState{}, 0, ErrTruncated
	}

	if count > 0 {
		rs.ToVisit = make([]pkg.TreeletID, count)
		for i := range rs.ToVisit {
			rs.ToVisit[i] = pkg.TreeletID(r.uint32())
		}
	}

	if flags&flagHit != 0 {
		hit := &Hit{}
		hit.Treelet = pkg.TreeletID(r.uint32())
		hit.Node = r.uint32()
		hit.Primitive = r.uint32()
		hit.T = r.float()
		switch r.byte() {
		case 0:
		case 1:
			hit.Miss = true
		default:
			return RayState{}, 0, errors.New("invalid hit miss flag")
		}
		rs.Hit = hit
	}
	return rs, r.off, nil
}

func appendFloat(buf []byte, f float64) []byte {
	return le.AppendUint64(buf, math.Float64bits(f))
}

func appendVec(buf []byte, v mgl64.Vec3) []byte {
	for _, c := range v {
		buf = appendFloat(buf, c)
	}
	return buf
}

// reader walks a buffer whose length has already been checked
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) byte() byte {
	b := r.buf[r.off]
	r.off++
	return b
}

func (r *reader) uint32() uint32 {
	v := le.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) uint64() uint64 {
	v := le.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) float() float64 {
	return math.Float64frombits(r.uint64())
}

func (r *reader) vec() mgl64.Vec3 {
	return mgl64.Vec3{r.float(), r.float(), r.float()}
}
