// Package inference talks to a YOLO inference sidecar over JSON/HTTP.
//
// The sidecar exposes two endpoints:
//
//	POST /detect  {"image": "<base64 jpeg>", "class_id": 0, "confidence": 0.25}
//	           -> {"detections": [{"class_id": 0, "label": "coin", "confidence": 0.9, "box": [cx, cy, w, h]}]}
//	POST /pose    {"image": "<base64 jpeg>", "confidence": 0.25}
//	           -> {"box": [cx, cy, w, h], "keypoints": [[x, y, conf], ...]}
//
// Boxes use the center based xywh layout of the detector. Keypoints are
// indexed by COCO landmark, null marks a point the model did not find.
package inference

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/menta2k/bodymeasure/pkg/processing"
	"github.com/menta2k/bodymeasure/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config holds sidecar connection settings
type Config struct {
	URL        string
	Timeout    time.Duration
	Confidence float64
	Quality    int
}

// DefaultConfig returns settings for a sidecar on localhost
func DefaultConfig() Config {
	return Config{
		URL:        "http://localhost:8000",
		Timeout:    60 * time.Second,
		Confidence: 0.25,
		Quality:    95,
	}
}

// Client implements the object detector and keypoint estimator on top of the sidecar
type Client struct {
	baseURL    string
	config     Config
	httpClient *http.Client
	processor  *processing.Processor
	log        logrus.FieldLogger
}

type detectRequest struct {
	Image      string  `json:"image"`
	ClassID    int     `json:"class_id"`
	Confidence float64 `json:"confidence"`
}

type detectResponse struct {
	Detections []struct {
		ClassID    int       `json:"class_id"`
		Label      string    `json:"label"`
		Confidence float64   `json:"confidence"`
		Box        []float64 `json:"box"`
	} `json:"detections"`
}

type poseRequest struct {
	Image      string  `json:"image"`
	Confidence float64 `json:"confidence"`
}

type poseResponse struct {
	Box       []float64   `json:"box"`
	Keypoints [][]float64 `json:"keypoints"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewClient creates a sidecar client
func NewClient(config Config, log logrus.FieldLogger) (*Client, error) {
	if config.URL == "" {
		config.URL = DefaultConfig().URL
	}
	if !strings.HasPrefix(config.URL, "http://") && !strings.HasPrefix(config.URL, "https://") {
		return nil, fmt.Errorf("invalid inference URL: %q", config.URL)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Quality <= 0 {
		config.Quality = DefaultConfig().Quality
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Client{
		baseURL:    strings.TrimSuffix(config.URL, "/"),
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		processor:  processing.NewProcessor(),
		log:        log,
	}, nil
}

// Detect returns the detections of one class
func (c *Client) Detect(ctx context.Context, img image.Image, classID int) (types.DetectionSet, error) {
	imgB64, err := c.encode(img)
	if err != nil {
		return nil, err
	}

	var resp detectResponse
	req := detectRequest{Image: imgB64, ClassID: classID, Confidence: c.config.Confidence}
	if err := c.post(ctx, "/detect", req, &resp); err != nil {
		return nil, err
	}

	set := make(types.DetectionSet, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		if d.ClassID != classID {
			continue
		}
		if len(d.Box) != 4 {
			return nil, fmt.Errorf("malformed detection box: %v", d.Box)
		}
		set = append(set, types.Detection{
			ClassID:    d.ClassID,
			Label:      d.Label,
			Confidence: d.Confidence,
			Box:        types.Box{CenterX: d.Box[0], CenterY: d.Box[1], Width: d.Box[2], Height: d.Box[3]},
		})
	}

	c.log.WithFields(logrus.Fields{"class_id": classID, "count": len(set)}).Debug("sidecar detections")
	return set, nil
}

// Estimate returns the pose of the most prominent person
func (c *Client) Estimate(ctx context.Context, img image.Image) (types.Pose, error) {
	imgB64, err := c.encode(img)
	if err != nil {
		return types.Pose{}, err
	}

	var resp poseResponse
	if err := c.post(ctx, "/pose", poseRequest{Image: imgB64, Confidence: c.config.Confidence}, &resp); err != nil {
		return types.Pose{}, err
	}
	if len(resp.Keypoints) == 0 {
		return types.Pose{}, fmt.Errorf("%w: no person found", types.ErrIncompleteSkeleton)
	}

	points := make([]types.Keypoint, len(resp.Keypoints))
	for i, kp := range resp.Keypoints {
		points[i] = types.Keypoint{X: math.NaN(), Y: math.NaN()}
		if len(kp) < 2 {
			continue
		}
		points[i].X, points[i].Y = kp[0], kp[1]
		if len(kp) > 2 {
			points[i].Confidence = kp[2]
		}
	}

	pose := types.Pose{Skeleton: types.SkeletonFromPoints(points)}
	if len(resp.Box) == 4 {
		pose.Subject = &types.Box{CenterX: resp.Box[0], CenterY: resp.Box[1], Width: resp.Box[2], Height: resp.Box[3]}
	}
	return pose, nil
}

func (c *Client) encode(img image.Image) (string, error) {
	imgB64, _, err := c.processor.PrepareImageForModel(img, "jpg", 0, c.config.Quality)
	if err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}
	return imgB64, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("inference %s returned status %d: %s", endpoint, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("inference %s returned status %d", endpoint, resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
