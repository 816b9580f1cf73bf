package processing

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/bodymeasure/pkg/types"
)

var (
	green = color.NRGBA{0, 255, 0, 255}     // reference box
	gold  = color.NRGBA{255, 204, 0, 255}   // fitted circle
	red   = color.NRGBA{255, 0, 0, 255}     // keypoints
	blue  = color.NRGBA{0, 170, 255, 255}   // measured chain
	white = color.NRGBA{255, 255, 255, 255} // subject box
)

// CreateDebugOverlay draws the reference object, the fitted circle and the
// measured chain on a copy of the image
func (p *Processor) CreateDebugOverlay(img image.Image, m types.Measurement) image.Image {
	nrgba := imaging.Clone(img)
	w := nrgba.Bounds().Dx()
	h := nrgba.Bounds().Dy()

	stroke := int(math.Max(2, 0.004*float64(minInt(w, h)))) // ~0.4% of min side
	cross := int(math.Max(4, 0.01*float64(minInt(w, h))))   // ~1% of min side

	cal := m.Calibration
	if cal.Reference.Box.Area() > 0 {
		drawBox(nrgba, cal.Reference.Box.Rect(), green, stroke)
	}
	if cal.Circle != nil {
		drawCircle(nrgba, cal.Circle.X, cal.Circle.Y, cal.Circle.Radius, gold)
	}

	if m.Pose == nil {
		return nrgba
	}
	if m.Pose.Subject != nil {
		drawBox(nrgba, m.Pose.Subject.Rect(), white, 1)
	}

	for _, seg := range m.Segments {
		from, okFrom := segmentEnd(m.Pose, seg.From)
		to, okTo := segmentEnd(m.Pose, seg.To)
		if !okFrom || !okTo {
			continue
		}
		drawLine(nrgba, from, to, blue)
	}

	for _, k := range m.Pose.Skeleton {
		if !k.Valid() || k.X < -float64(cross) || k.Y < -float64(cross) ||
			k.X > float64(w+cross) || k.Y > float64(h+cross) {
			continue
		}
		px, py := int(k.X+0.5), int(k.Y+0.5)
		drawHLine(nrgba, py, px-cross, px+cross, red)
		drawVLine(nrgba, px, py-cross, py+cross, red)
	}

	return nrgba
}

// segmentEnd resolves a segment endpoint name. "top" is the top of the subject
// box directly above the nose.
func segmentEnd(pose *types.Pose, name string) (image.Point, bool) {
	if name == "top" {
		nose, ok := pose.Skeleton.Get(types.Nose)
		if !ok || pose.Subject == nil {
			return image.Point{}, false
		}
		return image.Pt(int(nose.X+0.5), int(pose.Subject.Top()+0.5)), true
	}
	l, ok := types.LandmarkByName(name)
	if !ok {
		return image.Point{}, false
	}
	k, ok := pose.Skeleton.Get(l)
	if !ok {
		return image.Point{}, false
	}
	return image.Pt(int(k.X+0.5), int(k.Y+0.5)), true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func drawBox(img *image.NRGBA, r image.Rectangle, c color.NRGBA, stroke int) {
	x0, y0, x1, y1 := r.Min.X, r.Min.Y, r.Max.X, r.Max.Y
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	for s := 0; s < stroke; s++ {
		drawHLine(img, y0+s, x0, x1, c)
		drawHLine(img, y1-1-s, x0, x1, c)
		drawVLine(img, x0+s, y0, y1, c)
		drawVLine(img, x1-1-s, y0, y1, c)
	}
}

func drawCircle(img *image.NRGBA, cx, cy, r float64, c color.NRGBA) {
	b := img.Bounds()
	// a circle wider than twice the image perimeter cannot be told from a line
	if !(r > 0) || r > float64(2*(b.Dx()+b.Dy())) {
		return
	}
	steps := int(math.Max(16, 2*math.Pi*r))
	for i := 0; i < steps; i++ {
		a := 2 * math.Pi * float64(i) / float64(steps)
		setPixel(img, int(cx+r*math.Cos(a)+0.5), int(cy+r*math.Sin(a)+0.5), c)
	}
}

// drawLine clips the segment to the image and walks it with Bresenham's algorithm
func drawLine(img *image.NRGBA, a, b image.Point, c color.NRGBA) {
	a, b, ok := clipLine(a, b, image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy()))
	if !ok {
		return
	}

	dx := absInt(b.X - a.X)
	dy := -absInt(b.Y - a.Y)
	sx, sy := 1, 1
	if a.X > b.X {
		sx = -1
	}
	if a.Y > b.Y {
		sy = -1
	}
	e := dx + dy
	x, y := a.X, a.Y
	for {
		setPixel(img, x, y, c)
		if x == b.X && y == b.Y {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x += sx
		}
		if e2 <= dx {
			e += dx
			y += sy
		}
	}
}

// clipLine cuts the segment a-b to the pixels of r (Liang-Barsky).
// ok is false when the segment misses r entirely.
func clipLine(a, b image.Point, r image.Rectangle) (image.Point, image.Point, bool) {
	if r.Empty() {
		return a, b, false
	}
	x0, y0 := float64(a.X), float64(a.Y)
	dx, dy := float64(b.X)-x0, float64(b.Y)-y0

	t0, t1 := 0.0, 1.0
	for _, e := range [4][2]float64{
		{-dx, x0 - float64(r.Min.X)},
		{dx, float64(r.Max.X-1) - x0},
		{-dy, y0 - float64(r.Min.Y)},
		{dy, float64(r.Max.Y-1) - y0},
	} {
		p, q := e[0], e[1]
		if p == 0 {
			if q < 0 {
				return a, b, false
			}
			continue
		}
		t := q / p
		if p < 0 {
			if t > t1 {
				return a, b, false
			}
			t0 = math.Max(t0, t)
		} else {
			if t < t0 {
				return a, b, false
			}
			t1 = math.Min(t1, t)
		}
	}

	at := func(t float64) image.Point {
		return image.Pt(int(math.Round(x0+t*dx)), int(math.Round(y0+t*dy)))
	}
	return at(t0), at(t1), true
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func setPixel(img *image.NRGBA, x, y int, c color.NRGBA) {
	if x < 0 || y < 0 || x >= img.Bounds().Dx() || y >= img.Bounds().Dy() {
		return
	}
	i := y*img.Stride + x*4
	img.Pix[i+0] = c.R
	img.Pix[i+1] = c.G
	img.Pix[i+2] = c.B
	img.Pix[i+3] = c.A
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if x1 <= 0 || x0 >= img.Bounds().Dx() {
		return
	}
	if x0 < 0 {
		x0 = 0
	}
	if x1 > img.Bounds().Dx() {
		x1 = img.Bounds().Dx()
	}
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	if y1 <= 0 || y0 >= img.Bounds().Dy() {
		return
	}
	if y0 < 0 {
		y0 = 0
	}
	if y1 > img.Bounds().Dy() {
		y1 = img.Bounds().Dy()
	}
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}
