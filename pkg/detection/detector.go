package detection

import (
	"context"
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/bodymeasure/pkg/client"
	"github.com/menta2k/bodymeasure/pkg/processing"
	"github.com/menta2k/bodymeasure/pkg/types"
)

// SimpleTestPrompt for testing if the model can see images
const SimpleTestPrompt = `What do you see in this image? Reply as JSON: {"description": "..."}`

// ObjectPrompt asks for every instance of one object class. %s is the class label.
const ObjectPrompt = `You are an object locator.

Find every %[1]s in the image.

Return JSON only:
{
  "objects": [
    {"label": "%[1]s", "confidence": 0.0, "box": [x1, y1, x2, y2]}
  ]
}

HARD RULES
- Coordinates are integer PIXELS of this image, top-left origin.
- box is [left, top, right, bottom] and must tightly enclose the object.
- If nothing is found return {"objects": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// PosePrompt asks for the COCO keypoints of the single person in the image
const PosePrompt = `You are a human pose estimator.

The image shows one person, possibly an infant lying down.

Return JSON only:
{
  "subject": [x1, y1, x2, y2],
  "keypoints": {
    "nose": [x, y, confidence],
    "left_eye": [x, y, confidence],
    "right_eye": [x, y, confidence],
    "left_ear": [x, y, confidence],
    "right_ear": [x, y, confidence],
    "left_shoulder": [x, y, confidence],
    "right_shoulder": [x, y, confidence],
    "left_elbow": [x, y, confidence],
    "right_elbow": [x, y, confidence],
    "left_wrist": [x, y, confidence],
    "right_wrist": [x, y, confidence],
    "left_hip": [x, y, confidence],
    "right_hip": [x, y, confidence],
    "left_knee": [x, y, confidence],
    "right_knee": [x, y, confidence],
    "left_ankle": [x, y, confidence],
    "right_ankle": [x, y, confidence]
  }
}

HARD RULES
- Coordinates are PIXELS of this image, top-left origin. confidence is in [0,1].
- subject is the [left, top, right, bottom] box around the whole person.
- Use null for a keypoint that is not visible. Never guess hidden points.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// Config holds settings for the vision model detector
type Config struct {
	Model string
	// MaxDimension downsizes images before upload. 0 sends the full image.
	MaxDimension int
	Quality      int
	// Labels maps detector class ids to the names used in prompts
	Labels map[int]string
}

// DefaultConfig returns the default detector settings
func DefaultConfig() Config {
	return Config{
		MaxDimension: 1024,
		Quality:      90,
		Labels:       map[int]string{0: "coin"},
	}
}

// Detector locates reference objects and body keypoints with a vision language model.
// It implements both collaborator interfaces of the measurement pipeline.
type Detector struct {
	client    client.VisionClient
	config    Config
	processor *processing.Processor
	log       logrus.FieldLogger
}

// NewDetector creates a new detector with a vision client
func NewDetector(client client.VisionClient, config Config, log logrus.FieldLogger) *Detector {
	if config.Labels == nil {
		config.Labels = DefaultConfig().Labels
	}
	if config.Quality <= 0 {
		config.Quality = DefaultConfig().Quality
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Detector{
		client:    client,
		config:    config,
		processor: processing.NewProcessor(),
		log:       log,
	}
}

// Detect returns every instance of the class in pixel coordinates of img
func (d *Detector) Detect(ctx context.Context, img image.Image, classID int) (types.DetectionSet, error) {
	label, ok := d.config.Labels[classID]
	if !ok {
		return nil, fmt.Errorf("no label configured for class %d", classID)
	}

	raw, scale, err := d.query(ctx, img, fmt.Sprintf(ObjectPrompt, label))
	if err != nil {
		return nil, err
	}

	set, err := parseObjects(raw, classID, label, scale, boundsOf(img))
	if err != nil {
		return nil, err
	}
	d.log.WithFields(logrus.Fields{"class": label, "count": len(set)}).Debug("vision model detections")
	return set, nil
}

// Estimate returns the pose of the single subject in pixel coordinates of img
func (d *Detector) Estimate(ctx context.Context, img image.Image) (types.Pose, error) {
	raw, scale, err := d.query(ctx, img, PosePrompt)
	if err != nil {
		return types.Pose{}, err
	}

	pose, err := parsePose(raw, scale, boundsOf(img))
	if err != nil {
		return types.Pose{}, err
	}
	d.log.WithField("keypoints", countValid(pose.Skeleton)).Debug("vision model pose")
	return pose, nil
}

// TestVision tests if the model can actually see the image with a simple prompt
func (d *Detector) TestVision(ctx context.Context, img image.Image) (string, error) {
	raw, _, err := d.query(ctx, img, SimpleTestPrompt)
	if err != nil {
		return "", err
	}
	var reply struct {
		Description string `json:"description"`
	}
	if err := decodeReply(raw, &reply); err != nil || reply.Description == "" {
		return strings.TrimSpace(raw), nil
	}
	return reply.Description, nil
}

func (d *Detector) query(ctx context.Context, img image.Image, prompt string) (string, float64, error) {
	if d.config.Model == "" {
		return "", 0, fmt.Errorf("no vision model configured")
	}
	imgB64, scale, err := d.processor.PrepareImageForModel(img, "jpg", d.config.MaxDimension, d.config.Quality)
	if err != nil {
		return "", 0, fmt.Errorf("failed to encode image: %w", err)
	}
	raw, err := d.client.Query(ctx, d.config.Model, prompt, imgB64)
	if err != nil {
		return "", 0, err
	}
	return raw, scale, nil
}

func boundsOf(img image.Image) Bounds {
	b := img.Bounds()
	return Bounds{Width: float64(b.Dx()), Height: float64(b.Dy())}
}

func countValid(s types.Skeleton) int {
	n := 0
	for _, k := range s {
		if k.Valid() {
			n++
		}
	}
	return n
}
