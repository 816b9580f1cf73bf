package types

import "fmt"

// Landmark is a keypoint index in the COCO 17-point pose layout.
// The numbering is shared with the keypoint estimator and must not change.
type Landmark int

const (
	Nose Landmark = iota
	LeftEye
	RightEye
	LeftEar
	RightEar
	LeftShoulder
	RightShoulder
	LeftElbow
	RightElbow
	LeftWrist
	RightWrist
	LeftHip
	RightHip
	LeftKnee
	RightKnee
	LeftAnkle
	RightAnkle
)

// LandmarkCount is the number of landmarks in a full skeleton
const LandmarkCount = 17

var landmarkNames = [LandmarkCount]string{
	"nose",
	"left_eye",
	"right_eye",
	"left_ear",
	"right_ear",
	"left_shoulder",
	"right_shoulder",
	"left_elbow",
	"right_elbow",
	"left_wrist",
	"right_wrist",
	"left_hip",
	"right_hip",
	"left_knee",
	"right_knee",
	"left_ankle",
	"right_ankle",
}

func (l Landmark) String() string {
	if l < 0 || int(l) >= LandmarkCount {
		return fmt.Sprintf("landmark(%d)", int(l))
	}
	return landmarkNames[l]
}

// LandmarkByName looks up a landmark from its snake_case name
func LandmarkByName(name string) (Landmark, bool) {
	for i, n := range landmarkNames {
		if n == name {
			return Landmark(i), true
		}
	}
	return 0, false
}

// SkeletonFromPoints builds a skeleton from a slice indexed by landmark,
// the layout pose models emit. Entries beyond LandmarkCount are ignored.
func SkeletonFromPoints(points []Keypoint) Skeleton {
	s := make(Skeleton, len(points))
	for i, p := range points {
		if i >= LandmarkCount {
			break
		}
		s[Landmark(i)] = p
	}
	return s
}
