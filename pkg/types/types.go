package types

import (
	"image"
	"math"
)

// Box represents a bounding box in pixel coordinates, described by its center
type Box struct {
	CenterX float64 `json:"center_x"`
	CenterY float64 `json:"center_y"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
}

// BoxFromCorners builds a Box from top-left and bottom-right corners
func BoxFromCorners(x1, y1, x2, y2 float64) Box {
	return Box{
		CenterX: (x1 + x2) / 2,
		CenterY: (y1 + y2) / 2,
		Width:   x2 - x1,
		Height:  y2 - y1,
	}
}

// Area returns width * height
func (b Box) Area() float64 {
	return b.Width * b.Height
}

// Top returns the y coordinate of the top edge
func (b Box) Top() float64 {
	return b.CenterY - b.Height/2
}

// MinSide returns the smaller of width and height
func (b Box) MinSide() float64 {
	return math.Min(b.Width, b.Height)
}

// Rect converts the box to integer pixel corners. Corners are truncated toward zero.
func (b Box) Rect() image.Rectangle {
	x1 := int(b.CenterX - b.Width/2)
	y1 := int(b.CenterY - b.Height/2)
	x2 := int(b.CenterX + b.Width/2)
	y2 := int(b.CenterY + b.Height/2)
	return image.Rect(x1, y1, x2, y2)
}

// Detection is a single object instance found by an object detector
type Detection struct {
	ClassID    int     `json:"class_id"`
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// DetectionSet holds the detections of one class for one image, in detector order
type DetectionSet []Detection

// Smallest returns the index of the detection with the smallest box area.
// Ties keep the first one encountered and NaN areas lose to any number.
// Returns -1 for an empty set.
func (s DetectionSet) Smallest() int {
	best := -1
	for i, d := range s {
		if best < 0 {
			best = i
			continue
		}
		area, bestArea := d.Box.Area(), s[best].Box.Area()
		if area < bestArea || (math.IsNaN(bestArea) && !math.IsNaN(area)) {
			best = i
		}
	}
	return best
}

// Keypoint is a 2D landmark position. NaN or infinite coordinates mean "not detected".
type Keypoint struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Confidence float64 `json:"confidence"`
}

// Valid reports whether both coordinates are finite
func (k Keypoint) Valid() bool {
	return !math.IsNaN(k.X) && !math.IsNaN(k.Y) && !math.IsInf(k.X, 0) && !math.IsInf(k.Y, 0)
}

// Point returns the coordinates as a slice, for use with vector helpers
func (k Keypoint) Point() []float64 {
	return []float64{k.X, k.Y}
}

// Skeleton maps landmark indices to keypoints
type Skeleton map[Landmark]Keypoint

// Get returns the keypoint for a landmark and whether it is present and valid
func (s Skeleton) Get(l Landmark) (Keypoint, bool) {
	k, ok := s[l]
	if !ok || !k.Valid() {
		return Keypoint{}, false
	}
	return k, true
}

// Pose is the output of a keypoint estimator for the single subject in an image
type Pose struct {
	Skeleton Skeleton `json:"skeleton"`
	Subject  *Box     `json:"subject,omitempty"`
}

// Circle is a circle found in an image, in pixel coordinates
type Circle struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Radius float64 `json:"radius"`
	Votes  int     `json:"votes,omitempty"`
}

// Diameter returns 2 * radius
func (c Circle) Diameter() float64 {
	return 2 * c.Radius
}

// ScaleFactor is the number of centimeters represented by one pixel in a single image
type ScaleFactor float64

// Valid reports whether the scale factor is strictly positive and finite
func (s ScaleFactor) Valid() bool {
	f := float64(s)
	return f > 0 && !math.IsInf(f, 0) && !math.IsNaN(f)
}

// ReferenceSource tells where the reference object's pixel size came from
type ReferenceSource string

const (
	SourceCircle      ReferenceSource = "circle"
	SourceBoundingBox ReferenceSource = "bounding_box"
)

// Calibration is the result of scale calibration for one image
type Calibration struct {
	ScaleFactor     ScaleFactor     `json:"scale_factor"`
	ReferencePixels float64         `json:"reference_pixels"`
	Source          ReferenceSource `json:"source"`
	Reference       Detection       `json:"reference"`
	Crop            image.Rectangle `json:"crop"`
	// Circle is in full-image coordinates, nil when the bounding box fallback was used
	Circle *Circle `json:"circle,omitempty"`
}

// MeasurementMode selects how body length is computed from a skeleton
type MeasurementMode string

const (
	// ModeDirect is the straight nose to ankle distance
	ModeDirect MeasurementMode = "direct"
	// ModeSegmented sums the segments of the kinematic chain from the top of the subject to the ankle
	ModeSegmented MeasurementMode = "segmented"
)

// Segment is one measured piece of the kinematic chain
type Segment struct {
	Name   string  `json:"name"`
	From   string  `json:"from"`
	To     string  `json:"to"`
	Pixels float64 `json:"pixels"`
}

// Measurement is the final result of a pipeline run
type Measurement struct {
	LengthCm    float64         `json:"length_cm"`
	Mode        MeasurementMode `json:"mode"`
	PixelLength float64         `json:"pixel_length"`
	Segments    []Segment       `json:"segments"`
	Calibration Calibration     `json:"calibration"`
	// Pose is the skeleton the length was measured on. Undetected keypoints are NaN, so it is not serialized.
	Pose *Pose `json:"-"`
}
