package inference

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const boxThickness = 2

var palette = []color.RGBA{
	{R: 255, G: 56, B: 56, A: 255},
	{R: 255, G: 157, B: 151, A: 255},
	{R: 255, G: 112, B: 31, A: 255},
	{R: 255, G: 178, B: 29, A: 255},
	{R: 207, G: 210, B: 49, A: 255},
	{R: 72, G: 249, B: 10, A: 255},
	{R: 26, G: 147, B: 52, A: 255},
	{R: 0, G: 212, B: 187, A: 255},
	{R: 0, G: 194, B: 255, A: 255},
	{R: 52, G: 69, B: 147, A: 255},
}

// Annotate returns a copy of img with a labelled box per detection.
func Annotate(img image.Image, dets []Detection) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)

	face := basicfont.Face7x13
	for _, d := range dets {
		c := palette[d.ClassID%len(palette)]
		r := image.Rect(int(d.BBox[0]), int(d.BBox[1]), int(d.BBox[2]), int(d.BBox[3])).Intersect(out.Bounds())
		if r.Empty() {
			continue
		}
		strokeRect(out, r, c)

		label := fmt.Sprintf("%s %.2f", d.ClassName, d.Confidence)
		textW := font.MeasureString(face, label).Ceil()
		textH := face.Metrics().Height.Ceil()

		top := r.Min.Y - textH - 2
		if top < 0 {
			top = r.Min.Y
		}
		bg := image.Rect(r.Min.X, top, r.Min.X+textW+4, top+textH+2).Intersect(out.Bounds())
		draw.Draw(out, bg, &image.Uniform{C: c}, image.Point{}, draw.Src)

		drawer := &font.Drawer{
			Dst:  out,
			Src:  image.White,
			Face: face,
			Dot:  fixed.P(bg.Min.X+2, bg.Min.Y+face.Metrics().Ascent.Ceil()+1),
		}
		drawer.DrawString(label)
	}
	return out
}

func strokeRect(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	src := &image.Uniform{C: c}
	t := boxThickness
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}
