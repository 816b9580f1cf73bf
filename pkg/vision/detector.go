package vision

import (
	"fmt"
	"image"
	"math"
	"sort"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/menta2k/bodymeasure/pkg/types"
)

// CircleFinder finds circles in an image. Implementations preprocess the image
// themselves (grayscale + blur) and return circles strongest first, in the
// coordinates of the image they were given.
type CircleFinder interface {
	FindCircles(img image.Image) ([]types.Circle, error)
}

// CircleConfig holds the Hough-gradient circle detection parameters
type CircleConfig struct {
	// DP is the inverse ratio of accumulator resolution to image resolution
	DP float64
	// MinDist is the minimum distance between detected centers
	MinDist float64
	// Param1 is the upper edge threshold, the lower one is half of it
	Param1 float64
	// Param2 is the accumulator vote threshold for a center
	Param2    float64
	MinRadius int
	MaxRadius int
	// BlurKernel is the Gaussian kernel size used to derive the blur sigma
	BlurKernel int
	// BlurSigma overrides the sigma derived from BlurKernel when > 0
	BlurSigma float64
}

// DefaultCircleConfig returns the parameters used for coin detection
func DefaultCircleConfig() CircleConfig {
	return CircleConfig{
		DP:         1,
		MinDist:    20,
		Param1:     50,
		Param2:     30,
		MinRadius:  5,
		MaxRadius:  100,
		BlurKernel: 15,
	}
}

// Sigma returns the Gaussian sigma used for smoothing.
// Without an explicit sigma it follows the usual kernel-size rule 0.3*((k-1)*0.5-1)+0.8.
func (c CircleConfig) Sigma() float64 {
	if c.BlurSigma > 0 {
		return c.BlurSigma
	}
	if c.BlurKernel <= 1 {
		return 0
	}
	return 0.3*(float64(c.BlurKernel-1)*0.5-1) + 0.8
}

// Margin is the background, in pixels, a circle needs around it so that smoothing
// does not flatten the edge where it meets the image border
func (c CircleConfig) Margin() int {
	return int(math.Ceil(3*c.Sigma())) + 2
}

// Validate checks the parameters
func (c CircleConfig) Validate() error {
	if c.DP < 1 {
		return fmt.Errorf("circle dp must be >= 1, got %v", c.DP)
	}
	if c.MinDist <= 0 {
		return fmt.Errorf("circle min_dist must be positive, got %v", c.MinDist)
	}
	if c.Param1 <= 0 || c.Param2 <= 0 {
		return fmt.Errorf("circle thresholds must be positive, got %v/%v", c.Param1, c.Param2)
	}
	if c.MinRadius < 0 || (c.MaxRadius > 0 && c.MaxRadius < c.MinRadius) {
		return fmt.Errorf("invalid circle radius range [%d, %d]", c.MinRadius, c.MaxRadius)
	}
	return nil
}

// Backend constructors by name. The pure Go Hough detector is always available,
// other backends register themselves from build-tagged files.
var (
	backendsMu sync.RWMutex
	backends   = map[string]func(CircleConfig) CircleFinder{
		"hough": func(c CircleConfig) CircleFinder { return NewWithConfig(c) },
	}
)

func registerBackend(name string, ctor func(CircleConfig) CircleFinder) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = ctor
}

// NewFinder creates the named circle finder backend ("hough", or "opencv" when built with -tags opencv)
func NewFinder(backend string, config CircleConfig) (CircleFinder, error) {
	if backend == "" {
		backend = "hough"
	}
	backendsMu.RLock()
	ctor, ok := backends[backend]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown circle backend: %s", backend)
	}
	return ctor(config), nil
}

// CircleDetector is a pure Go Hough-gradient circle detector
type CircleDetector struct {
	config CircleConfig
}

// New creates a new CircleDetector with default configuration
func New() *CircleDetector {
	return &CircleDetector{config: DefaultCircleConfig()}
}

// NewWithConfig creates a new CircleDetector with custom configuration
func NewWithConfig(config CircleConfig) *CircleDetector {
	return &CircleDetector{config: config}
}

// Margin returns the context the detector wants around a searched region
func (d *CircleDetector) Margin() int {
	return d.config.Margin()
}

// FindCircles converts the image to intensity, smooths it and runs the Hough gradient transform
func (d *CircleDetector) FindCircles(img image.Image) ([]types.Circle, error) {
	if err := d.config.Validate(); err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width < 3 || height < 3 {
		return nil, nil
	}

	intensity := d.intensityMap(img)
	edges := d.detectEdges(intensity, width, height)
	if len(edges) == 0 {
		return nil, nil
	}

	centers := d.accumulateCenters(edges, width, height)
	return d.estimateRadii(centers, edges), nil
}

// intensityMap returns the smoothed single channel intensity of the image, row major
func (d *CircleDetector) intensityMap(img image.Image) []float64 {
	gray := imaging.Grayscale(img)
	if sigma := d.config.Sigma(); sigma > 0 {
		gray = imaging.Blur(gray, sigma)
	}

	width, height := gray.Bounds().Dx(), gray.Bounds().Dy()
	out := make([]float64, width*height)
	for y := 0; y < height; y++ {
		row := gray.Pix[y*gray.Stride:]
		for x := 0; x < width; x++ {
			out[y*width+x] = float64(row[x*4])
		}
	}
	return out
}

type edgePoint struct {
	x, y   int
	dx, dy float64 // unit gradient direction
}

// detectEdges computes Sobel gradients, thins them with non-maximum suppression
// and keeps pixels above Param1, plus pixels above Param1/2 touching a strong one.
func (d *CircleDetector) detectEdges(intensity []float64, width, height int) []edgePoint {
	gx := make([]float64, width*height)
	gy := make([]float64, width*height)
	mag := make([]float64, width*height)

	at := func(x, y int) float64 { return intensity[y*width+x] }

	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			sx := (at(x+1, y-1) + 2*at(x+1, y) + at(x+1, y+1)) - (at(x-1, y-1) + 2*at(x-1, y) + at(x-1, y+1))
			sy := (at(x-1, y+1) + 2*at(x, y+1) + at(x+1, y+1)) - (at(x-1, y-1) + 2*at(x, y-1) + at(x+1, y-1))
			i := y*width + x
			gx[i], gy[i] = sx, sy
			mag[i] = math.Hypot(sx, sy)
		}
	}

	high := d.config.Param1
	low := high / 2

	// Non-maximum suppression along the quantized gradient direction
	thin := make([]float64, width*height)
	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			i := y*width + x
			m := mag[i]
			if m < low {
				continue
			}
			ox, oy := gradientStep(gx[i], gy[i])
			if m >= mag[(y+oy)*width+x+ox] && m >= mag[(y-oy)*width+x-ox] {
				thin[i] = m
			}
		}
	}

	var edges []edgePoint
	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			i := y*width + x
			m := thin[i]
			if m < low {
				continue
			}
			if m < high && !hasStrongNeighbor(thin, width, x, y, high) {
				continue
			}
			edges = append(edges, edgePoint{x: x, y: y, dx: gx[i] / mag[i], dy: gy[i] / mag[i]})
		}
	}
	return edges
}

// gradientStep maps a gradient direction to one of the 4 neighbor axes
func gradientStep(gx, gy float64) (int, int) {
	angle := math.Atan2(gy, gx) * 180 / math.Pi
	if angle < 0 {
		angle += 180
	}
	switch {
	case angle < 22.5 || angle >= 157.5:
		return 1, 0
	case angle < 67.5:
		return 1, 1
	case angle < 112.5:
		return 0, 1
	default:
		return -1, 1
	}
}

func hasStrongNeighbor(thin []float64, width, x, y int, high float64) bool {
	for oy := -1; oy <= 1; oy++ {
		for ox := -1; ox <= 1; ox++ {
			if (ox != 0 || oy != 0) && thin[(y+oy)*width+x+ox] >= high {
				return true
			}
		}
	}
	return false
}

type centerCandidate struct {
	x, y  float64
	votes int
}

// accumulateCenters lets every edge point vote along its gradient line for all
// radii in range, then keeps local maxima above Param2 separated by MinDist.
func (d *CircleDetector) accumulateCenters(edges []edgePoint, width, height int) []centerCandidate {
	dp := d.config.DP
	accW := int(math.Ceil(float64(width)/dp)) + 2
	accH := int(math.Ceil(float64(height)/dp)) + 2
	acc := make([]int, accW*accH)

	minR, maxR := d.radiusRange(width, height)

	for _, e := range edges {
		for _, sign := range [2]float64{1, -1} {
			for r := minR; r <= maxR; r++ {
				cx := float64(e.x) + sign*float64(r)*e.dx
				cy := float64(e.y) + sign*float64(r)*e.dy
				ax := int(math.Round(cx/dp)) + 1
				ay := int(math.Round(cy/dp)) + 1
				if ax < 1 || ay < 1 || ax >= accW-1 || ay >= accH-1 {
					break
				}
				acc[ay*accW+ax]++
			}
		}
	}

	threshold := int(math.Ceil(d.config.Param2))
	var candidates []centerCandidate
	for y := 1; y < accH-1; y++ {
		for x := 1; x < accW-1; x++ {
			i := y*accW + x
			v := acc[i]
			if v < threshold {
				continue
			}
			if v > acc[i-1] && v >= acc[i+1] && v > acc[i-accW] && v >= acc[i+accW] {
				candidates = append(candidates, centerCandidate{
					x:     float64(x-1) * dp,
					y:     float64(y-1) * dp,
					votes: v,
				})
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].votes > candidates[j].votes
	})

	var accepted []centerCandidate
	for _, c := range candidates {
		tooClose := false
		for _, a := range accepted {
			if math.Hypot(c.x-a.x, c.y-a.y) < d.config.MinDist {
				tooClose = true
				break
			}
		}
		if !tooClose {
			accepted = append(accepted, c)
		}
	}
	return accepted
}

func (d *CircleDetector) radiusRange(width, height int) (int, int) {
	minR := d.config.MinRadius
	if minR < 1 {
		minR = 1
	}
	maxR := d.config.MaxRadius
	limit := max(width, height)
	if maxR <= 0 || maxR > limit {
		maxR = limit
	}
	return minR, maxR
}

// estimateRadii picks, for each center, the radius supported by the most edge points
func (d *CircleDetector) estimateRadii(centers []centerCandidate, edges []edgePoint) []types.Circle {
	if len(centers) == 0 {
		return nil
	}

	minR := max(d.config.MinRadius, 1)
	maxR := d.config.MaxRadius
	if maxR <= 0 {
		maxR = math.MaxInt32
	}

	var circles []types.Circle
	for _, c := range centers {
		hist := map[int]int{}
		sums := map[int]float64{}
		for _, e := range edges {
			dist := math.Hypot(float64(e.x)-c.x, float64(e.y)-c.y)
			if dist < float64(minR) || dist > float64(maxR) {
				continue
			}
			bin := int(math.Round(dist))
			hist[bin]++
			sums[bin] += dist
		}

		// Best 3-bin window wins, ties go to the smaller radius
		bestBin, bestCount := -1, 0
		for bin := range hist {
			count := hist[bin-1] + hist[bin] + hist[bin+1]
			if count > bestCount || (count == bestCount && bin < bestBin) {
				bestBin, bestCount = bin, count
			}
		}
		if bestBin < 0 {
			continue
		}

		radius := (sums[bestBin-1] + sums[bestBin] + sums[bestBin+1]) / float64(bestCount)
		circles = append(circles, types.Circle{
			X:      c.x,
			Y:      c.y,
			Radius: radius,
			Votes:  c.votes,
		})
	}
	return circles
}
