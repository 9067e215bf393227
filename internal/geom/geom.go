package geom

import "math"

// Vec3 represents a position, velocity, or direction in world space.
type Vec3 struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
	Z float64 `json:"z" msgpack:"z"`
}

// Add returns the component-wise sum of the two vectors.
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

// Sub returns the component-wise difference v - o.
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

// Scale multiplies every component by s.
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{X: v.X * s, Y: v.Y * s, Z: v.Z * s}
}

// Length returns the Euclidean magnitude of the vector.
func (v Vec3) Length() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// DistanceTo returns the Euclidean distance between the two points.
func (v Vec3) DistanceTo(o Vec3) float64 {
	return v.Sub(o).Length()
}

// Lerp blends linearly from a to b. t is clamped to [0, 1] so callers feeding
// raw timing ratios never overshoot past either endpoint.
func Lerp(a, b Vec3, t float64) Vec3 {
	t = clamp01(t)
	return Vec3{
		X: a.X + (b.X-a.X)*t,
		Y: a.Y + (b.Y-a.Y)*t,
		Z: a.Z + (b.Z-a.Z)*t,
	}
}

// Quat is a rotation quaternion. Wire payloads carry it as four floats; the
// helpers below assume (and restore) unit length.
type Quat struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
	Z float64 `json:"z" msgpack:"z"`
	W float64 `json:"w" msgpack:"w"`
}

// IdentityQuat returns the no-rotation quaternion.
func IdentityQuat() Quat {
	return Quat{W: 1}
}

// Dot returns the four-component dot product of the two quaternions.
func (q Quat) Dot(o Quat) float64 {
	return q.X*o.X + q.Y*o.Y + q.Z*o.Z + q.W*o.W
}

// Length returns the four-component magnitude of the quaternion.
func (q Quat) Length() float64 {
	return math.Sqrt(q.Dot(q))
}

// Normalize rescales the quaternion to unit length. Degenerate inputs
// (near-zero magnitude) collapse to the identity rotation instead of
// producing NaN components.
func (q Quat) Normalize() Quat {
	length := q.Length()
	if length < 1e-9 {
		return IdentityQuat()
	}
	inv := 1 / length
	return Quat{X: q.X * inv, Y: q.Y * inv, Z: q.Z * inv, W: q.W * inv}
}

// Negate flips the sign of every component. q and -q encode the same
// rotation; the sign flip matters only when blending.
func (q Quat) Negate() Quat {
	return Quat{X: -q.X, Y: -q.Y, Z: -q.Z, W: -q.W}
}

// Nlerp blends from a to b with a normalized linear interpolation using the
// shortest arc: when the quaternions sit in opposite hemispheres (negative
// dot product) b is negated first so the blend never rotates the long way
// around. The result is renormalized to unit length.
func Nlerp(a, b Quat, t float64) Quat {
	t = clamp01(t)
	if a.Dot(b) < 0 {
		b = b.Negate()
	}
	blended := Quat{
		X: a.X + (b.X-a.X)*t,
		Y: a.Y + (b.Y-a.Y)*t,
		Z: a.Z + (b.Z-a.Z)*t,
		W: a.W + (b.W-a.W)*t,
	}
	return blended.Normalize()
}

func clamp01(t float64) float64 {
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}
