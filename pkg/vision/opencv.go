//go:build opencv

package vision

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/menta2k/bodymeasure/pkg/types"
)

func init() {
	registerBackend("opencv", func(c CircleConfig) CircleFinder { return NewOpenCV(c) })
}

// OpenCVDetector runs OpenCV's HOUGH_GRADIENT circle transform through gocv
type OpenCVDetector struct {
	config CircleConfig
}

// NewOpenCV creates an OpenCV backed circle finder
func NewOpenCV(config CircleConfig) *OpenCVDetector {
	return &OpenCVDetector{config: config}
}

// Margin returns the context the detector wants around a searched region
func (d *OpenCVDetector) Margin() int {
	return d.config.Margin()
}

// FindCircles converts to gray, applies a Gaussian blur and calls HoughCircles
func (d *OpenCVDetector) FindCircles(img image.Image) ([]types.Circle, error) {
	if err := d.config.Validate(); err != nil {
		return nil, err
	}

	src, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert image to mat: %w", err)
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorRGBToGray)

	blurred := gocv.NewMat()
	defer blurred.Close()
	k := d.config.BlurKernel
	if k > 1 && k%2 == 0 {
		k++
	}
	if k > 1 {
		gocv.GaussianBlur(gray, &blurred, image.Pt(k, k), d.config.BlurSigma, d.config.BlurSigma, gocv.BorderDefault)
	} else {
		gray.CopyTo(&blurred)
	}

	circles := gocv.NewMat()
	defer circles.Close()
	gocv.HoughCirclesWithParams(
		blurred,
		&circles,
		gocv.HoughGradient,
		d.config.DP,
		d.config.MinDist,
		d.config.Param1,
		d.config.Param2,
		d.config.MinRadius,
		d.config.MaxRadius,
	)

	var out []types.Circle
	for i := 0; i < circles.Cols(); i++ {
		v := circles.GetVecfAt(0, i)
		if len(v) < 3 {
			continue
		}
		out = append(out, types.Circle{X: float64(v[0]), Y: float64(v[1]), Radius: float64(v[2])})
	}

	// HoughCircles returns circles ordered by accumulator strength
	return out, nil
}
