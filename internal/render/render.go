// Package render draws detections onto a copy of an image.
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/example/ripeness-api/internal/detector"
)

// palette is indexed by class id.
var palette = []color.RGBA{
	{R: 255, G: 56, B: 56, A: 255},
	{R: 255, G: 157, B: 151, A: 255},
	{R: 255, G: 112, B: 31, A: 255},
	{R: 255, G: 178, B: 29, A: 255},
	{R: 207, G: 210, B: 49, A: 255},
	{R: 72, G: 249, B: 10, A: 255},
	{R: 146, G: 204, B: 23, A: 255},
	{R: 61, G: 219, B: 134, A: 255},
	{R: 26, G: 147, B: 52, A: 255},
	{R: 0, G: 212, B: 187, A: 255},
}

// ColorFor returns the box colour used for a class.
func ColorFor(classID int) color.RGBA {
	if classID < 0 {
		classID = -classID
	}
	return palette[classID%len(palette)]
}

// Annotate returns a copy of src with every box outlined and labelled
// "<label> <confidence>". src is not modified.
func Annotate(src image.Image, boxes []detector.Box, label func(classID int) string) *image.RGBA {
	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)

	thickness := lineThickness(bounds)
	for _, b := range boxes {
		rect := image.Rect(
			bounds.Min.X+int(b.XYXY[0]), bounds.Min.Y+int(b.XYXY[1]),
			bounds.Min.X+int(b.XYXY[2]), bounds.Min.Y+int(b.XYXY[3]),
		).Intersect(bounds)
		if rect.Empty() {
			continue
		}
		c := ColorFor(b.ClassID)
		strokeRect(dst, rect, thickness, c)
		drawLabel(dst, rect, fmt.Sprintf("%s %.2f", label(b.ClassID), b.Confidence), c)
	}
	return dst
}

func lineThickness(bounds image.Rectangle) int {
	t := (bounds.Dx() + bounds.Dy()) / 600
	if t < 1 {
		return 1
	}
	return t
}

func strokeRect(dst *image.RGBA, r image.Rectangle, t int, c color.RGBA) {
	fill := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), fill, image.Point{}, draw.Src)
	}
}

// drawLabel puts the text on a filled tab above the box, or inside it when
// the box touches the top edge.
func drawLabel(dst *image.RGBA, box image.Rectangle, text string, c color.RGBA) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil() + 4
	height := face.Height + 2

	top := box.Min.Y - height
	if top < dst.Bounds().Min.Y {
		top = box.Min.Y
	}
	tab := image.Rect(box.Min.X, top, box.Min.X+width, top+height).Intersect(dst.Bounds())
	if tab.Empty() {
		return
	}
	draw.Draw(dst, tab, image.NewUniform(c), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.White,
		Face: face,
		Dot:  fixed.P(tab.Min.X+2, tab.Min.Y+face.Ascent+1),
	}
	d.DrawString(text)
}
