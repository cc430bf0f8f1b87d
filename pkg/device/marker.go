package device

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
)

var (
	shadowColor = color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}
	fillColor   = color.RGBA{R: 0xFF, A: 0x40}
)

// DrawMarker overlays a click marker on a PNG screenshot: a semi-transparent
// filled circle with a crosshair, outlined in c over a white shadow so it
// stays visible on any background.
func DrawMarker(pngData []byte, x, y int, c color.Color) ([]byte, error) {
	src, err := png.Decode(bytes.NewReader(pngData))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	b := src.Bounds()
	img := image.NewRGBA(b)
	draw.Draw(img, b, src, b.Min, draw.Src)

	r := MarkerRadius(b.Dx(), b.Dy())
	outline := int(math.Max(6, float64(r)*0.18))
	shadow := outline + 4

	stroke(img, x, y, r, shadow, shadowColor)
	fillCircle(img, x, y, r, fillColor)
	stroke(img, x, y, r, outline, c)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode screenshot: %w", err)
	}
	return buf.Bytes(), nil
}

// MarkerRadius is max(40, 5% of the shorter side).
func MarkerRadius(w, h int) int {
	short := w
	if h < short {
		short = h
	}
	r := int(float64(short) * 0.05)
	if r < 40 {
		r = 40
	}
	return r
}

// stroke draws the circle outline and the crosshair with the given width.
func stroke(img *image.RGBA, cx, cy, r, width int, c color.Color) {
	half := float64(width) / 2
	ext := r + width
	for py := cy - ext; py <= cy+ext; py++ {
		for px := cx - ext; px <= cx+ext; px++ {
			dx, dy := float64(px-cx), float64(py-cy)
			dist := math.Hypot(dx, dy)
			onRing := math.Abs(dist-float64(r)) <= half
			onCross := (math.Abs(dy) <= half && math.Abs(dx) <= float64(r)) ||
				(math.Abs(dx) <= half && math.Abs(dy) <= float64(r))
			if onRing || onCross {
				blend(img, px, py, c)
			}
		}
	}
}

func fillCircle(img *image.RGBA, cx, cy, r int, c color.Color) {
	for py := cy - r; py <= cy+r; py++ {
		for px := cx - r; px <= cx+r; px++ {
			if math.Hypot(float64(px-cx), float64(py-cy)) <= float64(r) {
				blend(img, px, py, c)
			}
		}
	}
}

// blend composites c over the pixel at (x, y); points off-image are ignored.
func blend(img *image.RGBA, x, y int, c color.Color) {
	if !(image.Point{X: x, Y: y}.In(img.Bounds())) {
		return
	}
	sr, sg, sb, sa := c.RGBA()
	dst := img.RGBAAt(x, y)
	inv := 0xFFFF - sa
	mix := func(s uint32, d uint8) uint8 {
		return uint8((s + uint32(d)*0x101*inv/0xFFFF) >> 8)
	}
	img.SetRGBA(x, y, color.RGBA{
		R: mix(sr, dst.R),
		G: mix(sg, dst.G),
		B: mix(sb, dst.B),
		A: mix(sa, dst.A),
	})
}
