package geom

import (
	"math"
	"testing"
)

func TestLerpMidpoint(t *testing.T) {
	a := Vec3{X: 0, Y: 0, Z: 0}
	b := Vec3{X: 10, Y: -4, Z: 2}
	mid := Lerp(a, b, 0.5)
	if mid.X != 5 || mid.Y != -2 || mid.Z != 1 {
		t.Fatalf("unexpected midpoint: %+v", mid)
	}
}

func TestLerpClampsRatio(t *testing.T) {
	a := Vec3{X: 1}
	b := Vec3{X: 3}
	if got := Lerp(a, b, 2.5); got.X != 3 {
		t.Fatalf("expected clamp to endpoint, got %+v", got)
	}
	if got := Lerp(a, b, -1); got.X != 1 {
		t.Fatalf("expected clamp to start, got %+v", got)
	}
}

func TestNormalizeDegenerateQuat(t *testing.T) {
	q := Quat{}.Normalize()
	if q != IdentityQuat() {
		t.Fatalf("expected identity for zero quaternion, got %+v", q)
	}
}

func TestNlerpStaysUnitLength(t *testing.T) {
	a := IdentityQuat()
	b := Quat{X: 0, Y: 0.7071, Z: 0, W: 0.7071}
	for _, ratio := range []float64{0, 0.25, 0.5, 0.75, 1} {
		blended := Nlerp(a, b, ratio)
		if math.Abs(blended.Length()-1) > 1e-9 {
			t.Fatalf("blend at t=%v not unit length: %v", ratio, blended.Length())
		}
	}
}

func TestNlerpTakesShortestArc(t *testing.T) {
	a := IdentityQuat()
	// Same rotation as identity but in the opposite hemisphere.
	b := IdentityQuat().Negate()
	blended := Nlerp(a, b, 0.5)
	if blended.Dot(a) < 0.999 {
		t.Fatalf("expected blend to stay near a, got %+v", blended)
	}
}

func TestNlerpEndpoints(t *testing.T) {
	a := Quat{X: 0.5, Y: 0.5, Z: 0.5, W: 0.5}
	b := Quat{X: 0, Y: 0, Z: 0.7071, W: 0.7071}
	start := Nlerp(a, b, 0)
	if math.Abs(start.Dot(a)) < 0.999 {
		t.Fatalf("expected t=0 to return a, got %+v", start)
	}
	end := Nlerp(a, b, 1)
	if math.Abs(end.Dot(b)) < 0.999 {
		t.Fatalf("expected t=1 to return b, got %+v", end)
	}
}
