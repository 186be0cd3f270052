package overlay

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	Thickness = 2

	// LabelOffset is the distance between the label baseline and the top edge of its box.
	LabelOffset = 10
	LabelMargin = 2
)

var BoxColor = color.NRGBA{R: 0, G: 255, B: 0, A: 255}

var face font.Face = basicfont.Face7x13

// Annotation is a box in pixel coordinates, corners inclusive, with the text drawn above it.
type Annotation struct {
	X1, Y1, X2, Y2 int
	Label          string
}

// Draw renders every annotation onto dst in the given order.
func Draw(dst draw.Image, annotations []Annotation) {
	for _, a := range annotations {
		Rectangle(dst, a.X1, a.Y1, a.X2, a.Y2, BoxColor, Thickness)
		if a.Label != "" {
			Label(dst, a.X1, a.Y1, a.Label, BoxColor)
		}
	}
}

// Rectangle draws an outline whose outer edge passes through both corners.
// Lines grow inwards and pixels outside dst are skipped.
func Rectangle(dst draw.Image, x1, y1, x2, y2 int, col color.Color, thickness int) {
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	if y1 > y2 {
		y1, y2 = y2, y1
	}

	bounds := dst.Bounds()
	setPixel := func(x, y int) {
		if image.Pt(x, y).In(bounds) {
			dst.Set(x, y, col)
		}
	}

	// walk only the part of each edge that lies inside dst
	fromX, toX := max(x1, bounds.Min.X), min(x2, bounds.Max.X-1)
	fromY, toY := max(y1, bounds.Min.Y), min(y2, bounds.Max.Y-1)

	for t := 0; t < thickness; t++ {
		for x := fromX; x <= toX; x++ {
			setPixel(x, y1+t)
			setPixel(x, y2-t)
		}
		for y := fromY; y <= toY; y++ {
			setPixel(x1+t, y)
			setPixel(x2-t, y)
		}
	}
}

// Label draws text above the box whose top-left corner is (x, y).
func Label(dst draw.Image, x, y int, text string, col color.Color) {
	dot := LabelOrigin(dst.Bounds(), x, y, text)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(col),
		Face: face,
	}
	// second pass one pixel to the right for a heavier stroke
	for dx := 0; dx < 2; dx++ {
		d.Dot = fixed.P(dot.X+dx, dot.Y)
		d.DrawString(text)
	}
}

// LabelOrigin returns the baseline origin for text placed above (x, y),
// moved so the rendered glyphs stay inside bounds.
func LabelOrigin(bounds image.Rectangle, x, y int, text string) image.Point {
	width := LabelWidth(text)
	ascent := face.Metrics().Ascent.Ceil()

	if x+width > bounds.Max.X {
		x = bounds.Max.X - width
	}
	if x < bounds.Min.X {
		x = bounds.Min.X
	}

	baseline := y - LabelOffset
	if minBaseline := bounds.Min.Y + ascent + LabelMargin; baseline < minBaseline {
		baseline = minBaseline
	}

	return image.Pt(x, baseline)
}

func LabelWidth(text string) int {
	return font.MeasureString(face, text).Ceil() + 1
}
