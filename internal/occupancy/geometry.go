package occupancy

import (
	"errors"
	"fmt"
	"math"

	"github.com/hau2park/parking-monitor/pkg/types"
)

// iouEpsilon keeps IoU finite when both rectangles have zero area.
const iouEpsilon = 1e-6

// ErrFrameSize is returned for pixel-unit frames without usable dimensions.
var ErrFrameSize = errors.New("frame has no usable dimensions")

// Rect is an axis-aligned rectangle given by its min/max corners.
type Rect struct {
	XMin float64 `json:"x_min"`
	YMin float64 `json:"y_min"`
	XMax float64 `json:"x_max"`
	YMax float64 `json:"y_max"`
}

// RectFromCenter converts a center+size box to corners.
func RectFromCenter(cx, cy, w, h float64) Rect {
	return Rect{
		XMin: cx - w/2,
		YMin: cy - h/2,
		XMax: cx + w/2,
		YMax: cy + h/2,
	}
}

// Area is zero for malformed rectangles (min > max).
func (r Rect) Area() float64 {
	return math.Max(0, r.XMax-r.XMin) * math.Max(0, r.YMax-r.YMin)
}

// Valid reports whether both extents are strictly positive.
func (r Rect) Valid() bool {
	return r.XMin < r.XMax && r.YMin < r.YMax
}

// Contains uses inclusive bounds on all edges.
func (r Rect) Contains(x, y float64) bool {
	return r.XMin <= x && x <= r.XMax && r.YMin <= y && y <= r.YMax
}

// Scale multiplies x coordinates by sx and y coordinates by sy.
func (r Rect) Scale(sx, sy float64) Rect {
	return Rect{XMin: r.XMin * sx, YMin: r.YMin * sy, XMax: r.XMax * sx, YMax: r.YMax * sy}
}

func (r Rect) String() string {
	return fmt.Sprintf("(%.3f,%.3f)-(%.3f,%.3f)", r.XMin, r.YMin, r.XMax, r.YMax)
}

// IoU returns the intersection-over-union of a and b in [0,1].
// Disjoint or malformed rectangles give 0.
func IoU(a, b Rect) float64 {
	iw := math.Max(0, math.Min(a.XMax, b.XMax)-math.Max(a.XMin, b.XMin))
	ih := math.Max(0, math.Min(a.YMax, b.YMax)-math.Max(a.YMin, b.YMin))
	inter := iw * ih
	return inter / (a.Area() + b.Area() - inter + iouEpsilon)
}

// DetectionRect returns the detection box in normalized frame coordinates.
func DetectionRect(d types.Detection, f types.Frame) (Rect, error) {
	box := RectFromCenter(d.X, d.Y, d.Width, d.Height)
	if f.Normalized {
		return box, nil
	}
	if f.Width <= 0 || f.Height <= 0 {
		return Rect{}, fmt.Errorf("%w: %dx%d", ErrFrameSize, f.Width, f.Height)
	}
	return box.Scale(1/float64(f.Width), 1/float64(f.Height)), nil
}
