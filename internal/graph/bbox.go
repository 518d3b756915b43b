package graph

import "math"

// BBox is a rotated bounding box given by its center, size and angle in
// radians. Angle is kept in [0, 2π).
type BBox struct {
	XC     float64 `json:"xc"`
	YC     float64 `json:"yc"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Angle  float64 `json:"angle"`
}

// NewBBox builds a box with a normalized angle.
func NewBBox(xc, yc, width, height, angle float64) BBox {
	return BBox{XC: xc, YC: yc, Width: width, Height: height, Angle: NormalizeAngle(angle)}
}

// NewLTWH builds an axis-aligned box from its left-top corner.
func NewLTWH(left, top, width, height float64) BBox {
	return BBox{XC: left + width/2, YC: top + height/2, Width: width, Height: height}
}

// NormalizeAngle maps any finite angle into [0, 2π). Non-finite input
// becomes zero.
func NormalizeAngle(a float64) float64 {
	if math.IsNaN(a) || math.IsInf(a, 0) {
		return 0
	}
	a = math.Mod(a, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	// -tiny + 2π rounds to 2π
	if a >= 2*math.Pi {
		a = 0
	}
	return a
}

// Normalized returns b with its angle normalized.
func (b BBox) Normalized() BBox {
	b.Angle = NormalizeAngle(b.Angle)
	return b
}

// Rotated reports whether the angle is non-zero.
func (b BBox) Rotated() bool { return b.Angle != 0 }

// Area is the box area, independent of rotation.
func (b BBox) Area() float64 { return b.Width * b.Height }

// Vertices returns the four corners after rotation about the center.
func (b BBox) Vertices() [4][2]float64 {
	sin, cos := math.Sincos(b.Angle)
	hw, hh := b.Width/2, b.Height/2
	corners := [4][2]float64{{-hw, -hh}, {hw, -hh}, {hw, hh}, {-hw, hh}}
	var out [4][2]float64
	for i, c := range corners {
		out[i] = [2]float64{
			b.XC + c[0]*cos - c[1]*sin,
			b.YC + c[0]*sin + c[1]*cos,
		}
	}
	return out
}

// Wrapping returns the smallest axis-aligned box containing b.
func (b BBox) Wrapping() BBox {
	if !b.Rotated() {
		return b
	}
	v := b.Vertices()
	minX, maxX := v[0][0], v[0][0]
	minY, maxY := v[0][1], v[0][1]
	for _, p := range v[1:] {
		minX, maxX = math.Min(minX, p[0]), math.Max(maxX, p[0])
		minY, maxY = math.Min(minY, p[1]), math.Max(maxY, p[1])
	}
	return NewLTWH(minX, minY, maxX-minX, maxY-minY)
}
