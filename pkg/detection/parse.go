package detection

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/menta2k/bodymeasure/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	reBlockComment  = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLineComment   = regexp.MustCompile(`(?m)^\s*//.*$`)
	reInlineComment = regexp.MustCompile(`(?m)\s//.*$`)
	reTrailingComma = regexp.MustCompile(`,(\s*[}\]])`)
)

// objectsReply is the JSON shape requested by ObjectPrompt
type objectsReply struct {
	Objects []struct {
		Label      string    `json:"label"`
		Confidence float64   `json:"confidence"`
		Box        []float64 `json:"box"`
	} `json:"objects"`
}

// poseReply is the JSON shape requested by PosePrompt.
// Keypoints hold [x, y] or [x, y, confidence]; null marks an unseen landmark.
type poseReply struct {
	Subject   []float64            `json:"subject"`
	Keypoints map[string][]float64 `json:"keypoints"`
}

// sanitizeModelJSON removes code fences, comments, and trailing commas from JSON response
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlockComment.ReplaceAllString(raw, "")
	raw = reLineComment.ReplaceAllString(raw, "")
	raw = reInlineComment.ReplaceAllString(raw, "")
	raw = reTrailingComma.ReplaceAllString(raw, "$1")

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}

func decodeReply(raw string, v interface{}) error {
	clean := sanitizeModelJSON(raw)
	if !strings.HasPrefix(clean, "{") {
		return fmt.Errorf("model returned non-JSON response: %q", truncate(raw, 80))
	}
	if err := json.Unmarshal([]byte(clean), v); err != nil {
		return fmt.Errorf("failed to parse model response: %w", err)
	}
	return nil
}

// parseObjects converts a model reply into detections in original image pixels.
// scale maps model image coordinates back to the original image.
func parseObjects(raw string, classID int, label string, scale float64, bounds Bounds) (types.DetectionSet, error) {
	var reply objectsReply
	if err := decodeReply(raw, &reply); err != nil {
		return nil, err
	}

	set := make(types.DetectionSet, 0, len(reply.Objects))
	for _, o := range reply.Objects {
		if len(o.Box) != 4 {
			continue
		}
		x1, y1 := bounds.clampX(o.Box[0]*scale), bounds.clampY(o.Box[1]*scale)
		x2, y2 := bounds.clampX(o.Box[2]*scale), bounds.clampY(o.Box[3]*scale)
		if x2 <= x1 || y2 <= y1 {
			continue
		}
		l := o.Label
		if l == "" {
			l = label
		}
		set = append(set, types.Detection{
			ClassID:    classID,
			Label:      strings.ToLower(strings.TrimSpace(l)),
			Confidence: o.Confidence,
			Box:        types.BoxFromCorners(x1, y1, x2, y2),
		})
	}
	return set, nil
}

// parsePose converts a model reply into a pose in original image pixels
func parsePose(raw string, scale float64, bounds Bounds) (types.Pose, error) {
	var reply poseReply
	if err := decodeReply(raw, &reply); err != nil {
		return types.Pose{}, err
	}

	points := make([]types.Keypoint, types.LandmarkCount)
	for i := range points {
		points[i] = types.Keypoint{X: math.NaN(), Y: math.NaN()}
	}
	for name, v := range reply.Keypoints {
		l, ok := types.LandmarkByName(strings.ToLower(strings.TrimSpace(name)))
		if !ok || len(v) < 2 {
			continue
		}
		x, y := v[0]*scale, v[1]*scale
		if !bounds.contains(x, y) {
			continue
		}
		conf := 1.0
		if len(v) > 2 {
			conf = v[2]
		}
		points[l] = types.Keypoint{X: x, Y: y, Confidence: conf}
	}

	pose := types.Pose{Skeleton: types.SkeletonFromPoints(points)}
	if len(reply.Subject) == 4 {
		x1, y1 := bounds.clampX(reply.Subject[0]*scale), bounds.clampY(reply.Subject[1]*scale)
		x2, y2 := bounds.clampX(reply.Subject[2]*scale), bounds.clampY(reply.Subject[3]*scale)
		if x2 > x1 && y2 > y1 {
			box := types.BoxFromCorners(x1, y1, x2, y2)
			pose.Subject = &box
		}
	}
	return pose, nil
}

// Bounds is the pixel size of the original image
type Bounds struct {
	Width, Height float64
}

func (b Bounds) clampX(v float64) float64 {
	return math.Max(0, math.Min(v, b.Width))
}

func (b Bounds) clampY(v float64) float64 {
	return math.Max(0, math.Min(v, b.Height))
}

func (b Bounds) contains(x, y float64) bool {
	return x >= 0 && y >= 0 && x <= b.Width && y <= b.Height
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
