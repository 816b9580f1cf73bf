package bodylength

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/menta2k/bodymeasure/pkg/types"
)

// Side selects which side of the body the chain runs along
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// Config holds configuration for body length estimation
type Config struct {
	Mode types.MeasurementMode
	Side Side
	// MinConfidence rejects keypoints below this confidence. 0 disables the check.
	MinConfidence float64
}

// DefaultConfig returns the segmented chain along the left side
func DefaultConfig() Config {
	return Config{
		Mode: types.ModeSegmented,
		Side: SideLeft,
	}
}

// Validate checks mode and side
func (c Config) Validate() error {
	switch c.Mode {
	case types.ModeDirect, types.ModeSegmented:
	default:
		return fmt.Errorf("unknown measurement mode: %q", c.Mode)
	}
	switch c.Side {
	case SideLeft, SideRight:
	default:
		return fmt.Errorf("unknown body side: %q", c.Side)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be between 0 and 1, got %v", c.MinConfidence)
	}
	return nil
}

// chain holds the landmarks of one body side
type chain struct {
	shoulder, hip, knee, ankle types.Landmark
}

func chainFor(side Side) chain {
	if side == SideRight {
		return chain{types.RightShoulder, types.RightHip, types.RightKnee, types.RightAnkle}
	}
	return chain{types.LeftShoulder, types.LeftHip, types.LeftKnee, types.LeftAnkle}
}

// Estimator computes a subject's length from pose keypoints and a scale factor
type Estimator struct {
	config Config
	log    logrus.FieldLogger
}

// New creates an Estimator with the default configuration
func New() *Estimator {
	return NewWithConfig(DefaultConfig(), nil)
}

// NewWithConfig creates an Estimator with custom configuration
func NewWithConfig(config Config, log logrus.FieldLogger) *Estimator {
	if config.Mode == "" {
		config.Mode = types.ModeSegmented
	}
	if config.Side == "" {
		config.Side = SideLeft
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Estimator{config: config, log: log}
}

// Mode returns the configured measurement mode
func (e *Estimator) Mode() types.MeasurementMode {
	return e.config.Mode
}

// Estimate measures the subject in pixels and converts the result to centimeters
func (e *Estimator) Estimate(pose types.Pose, scale types.ScaleFactor) (types.Measurement, error) {
	if !scale.Valid() {
		return types.Measurement{}, fmt.Errorf("%w: %v", types.ErrInvalidScaleFactor, float64(scale))
	}
	if err := e.config.Validate(); err != nil {
		return types.Measurement{}, err
	}

	var segments []types.Segment
	var err error
	switch e.config.Mode {
	case types.ModeDirect:
		segments, err = e.directSpan(pose)
	default:
		segments, err = e.segmentedChain(pose)
	}
	if err != nil {
		return types.Measurement{}, err
	}

	pixels := 0.0
	for _, s := range segments {
		pixels += s.Pixels
	}
	if !(pixels > 0) || math.IsInf(pixels, 0) {
		return types.Measurement{}, fmt.Errorf("%w: chain length %v px", types.ErrIncompleteSkeleton, pixels)
	}

	m := types.Measurement{
		LengthCm:    pixels * float64(scale),
		Mode:        e.config.Mode,
		PixelLength: pixels,
		Segments:    segments,
	}

	e.log.WithFields(logrus.Fields{
		"mode":      m.Mode,
		"length_px": pixels,
		"length_cm": m.LengthCm,
	}).Debug("body length estimated")

	return m, nil
}

// directSpan is the Euclidean distance from nose to ankle
func (e *Estimator) directSpan(pose types.Pose) ([]types.Segment, error) {
	c := chainFor(e.config.Side)
	points, err := e.require(pose.Skeleton, types.Nose, c.ankle)
	if err != nil {
		return nil, err
	}
	nose, ankle := points[0], points[1]

	return []types.Segment{
		distanceSegment(types.Nose, c.ankle, nose, ankle),
	}, nil
}

// segmentedChain sums vertical offsets for head and torso and true distances
// for the leg segments, which follows a bent pose better than a straight line.
func (e *Estimator) segmentedChain(pose types.Pose) ([]types.Segment, error) {
	c := chainFor(e.config.Side)
	points, err := e.require(pose.Skeleton, types.Nose, c.shoulder, c.hip, c.knee, c.ankle)
	if err != nil {
		return nil, err
	}
	if pose.Subject == nil {
		return nil, fmt.Errorf("%w: missing subject bounding box", types.ErrIncompleteSkeleton)
	}
	top := pose.Subject.Top()
	if math.IsNaN(top) || math.IsInf(top, 0) {
		return nil, fmt.Errorf("%w: invalid subject bounding box", types.ErrIncompleteSkeleton)
	}
	nose, shoulder, hip, knee, ankle := points[0], points[1], points[2], points[3], points[4]

	return []types.Segment{
		{Name: "top_to_nose", From: "top", To: types.Nose.String(), Pixels: nose.Y - top},
		verticalSegment(types.Nose, c.shoulder, nose, shoulder),
		verticalSegment(c.shoulder, c.hip, shoulder, hip),
		distanceSegment(c.hip, c.knee, hip, knee),
		distanceSegment(c.knee, c.ankle, knee, ankle),
	}, nil
}

// require returns the keypoints in order, or ErrIncompleteSkeleton naming every missing one
func (e *Estimator) require(s types.Skeleton, landmarks ...types.Landmark) ([]types.Keypoint, error) {
	points := make([]types.Keypoint, len(landmarks))
	var missing []string
	for i, l := range landmarks {
		k, ok := s.Get(l)
		if ok && e.config.MinConfidence > 0 && k.Confidence < e.config.MinConfidence {
			ok = false
		}
		if !ok {
			missing = append(missing, l.String())
			continue
		}
		points[i] = k
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", types.ErrIncompleteSkeleton, strings.Join(missing, ", "))
	}
	return points, nil
}

func segmentName(from, to types.Landmark) string {
	return trimSide(from.String()) + "_to_" + trimSide(to.String())
}

func trimSide(name string) string {
	name = strings.TrimPrefix(name, "left_")
	return strings.TrimPrefix(name, "right_")
}

func verticalSegment(from, to types.Landmark, a, b types.Keypoint) types.Segment {
	return types.Segment{Name: segmentName(from, to), From: from.String(), To: to.String(), Pixels: b.Y - a.Y}
}

func distanceSegment(from, to types.Landmark, a, b types.Keypoint) types.Segment {
	return types.Segment{Name: segmentName(from, to), From: from.String(), To: to.String(), Pixels: floats.Distance(a.Point(), b.Point(), 2)}
}
