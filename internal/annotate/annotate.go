// Package annotate draws space regions and detections onto preview frames.
package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/hau2park/parking-monitor/internal/occupancy"
	"github.com/hau2park/parking-monitor/pkg/types"
)

var (
	ColorOpen      = color.RGBA{R: 0, G: 200, B: 0, A: 255}
	ColorOccupied  = color.RGBA{R: 220, G: 0, B: 0, A: 255}
	ColorHit       = color.RGBA{R: 255, G: 215, B: 0, A: 255}
	ColorDetection = color.RGBA{R: 0, G: 90, B: 255, A: 255}
	colorCanvas    = color.RGBA{R: 32, G: 32, B: 32, A: 255}
)

// Options controls rendering.
type Options struct {
	// Canvas size used when the frame carries neither an image nor a size.
	Width     int
	Height    int
	Thickness int
	Quality   int
}

// DefaultOptions renders a 640x360 canvas at JPEG quality 80.
func DefaultOptions() Options {
	return Options{Width: 640, Height: 360, Thickness: 2, Quality: 80}
}

// StatusColor is the outline color of a space in the given status.
func StatusColor(s types.Status) color.RGBA {
	if s == types.StatusOccupied {
		return ColorOccupied
	}
	return ColorOpen
}

// Render draws spaces (with hit markers) and detections on a copy of the
// frame image, or on a blank canvas when the frame has none.
func Render(f types.Frame, spaces []occupancy.Space, hits []string, opts Options) *image.RGBA {
	if opts.Thickness <= 0 {
		opts.Thickness = 1
	}
	img := canvas(f, opts)
	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())

	hit := make(map[string]bool, len(hits))
	for _, id := range hits {
		hit[id] = true
	}

	for _, s := range spaces {
		r := toPixels(s.Region, w, h).Add(b.Min)
		c := StatusColor(s.Status)
		strokeRect(img, r, opts.Thickness, c)
		if hit[s.ID] {
			strokeRect(img, r.Inset(opts.Thickness), 1, ColorHit)
		}
		label(img, r.Min.X, r.Min.Y-3, fmt.Sprintf("%s %s", s.ID, s.Status), c)
	}

	for _, d := range f.Detections {
		nr, err := occupancy.DetectionRect(d, f)
		if err != nil {
			continue
		}
		r := toPixels(nr, w, h).Add(b.Min)
		strokeRect(img, r, opts.Thickness, ColorDetection)
		label(img, r.Min.X+2, r.Max.Y-3, fmt.Sprintf("%s %.2f", d.Class, d.Confidence), ColorDetection)
	}
	return img
}

// JPEG renders and encodes in one step.
func JPEG(f types.Frame, spaces []occupancy.Space, hits []string, opts Options) ([]byte, error) {
	img := Render(f, spaces, hits, opts)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality(opts.Quality)}); err != nil {
		return nil, fmt.Errorf("encode preview: %w", err)
	}
	return buf.Bytes(), nil
}

func quality(q int) int {
	if q <= 0 || q > 100 {
		return jpeg.DefaultQuality
	}
	return q
}

func canvas(f types.Frame, opts Options) *image.RGBA {
	if f.Image != nil {
		b := f.Image.Bounds()
		img := image.NewRGBA(b)
		draw.Draw(img, b, f.Image, b.Min, draw.Src)
		return img
	}
	w, h := f.Width, f.Height
	if w <= 0 || h <= 0 {
		w, h = opts.Width, opts.Height
	}
	if w <= 0 || h <= 0 {
		w, h = DefaultOptions().Width, DefaultOptions().Height
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: colorCanvas}, image.Point{}, draw.Src)
	return img
}

func toPixels(r occupancy.Rect, w, h float64) image.Rectangle {
	return image.Rect(int(r.XMin*w), int(r.YMin*h), int(r.XMax*w), int(r.YMax*h))
}

func strokeRect(img *image.RGBA, r image.Rectangle, thickness int, c color.Color) {
	r = r.Canon().Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	src := &image.Uniform{C: c}
	t := min(thickness, r.Dx(), r.Dy())
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e, src, image.Point{}, draw.Src)
	}
}

func label(img *image.RGBA, x, y int, text string, c color.Color) {
	face := basicfont.Face7x13
	if y < face.Ascent {
		y = face.Ascent
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{C: c},
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
