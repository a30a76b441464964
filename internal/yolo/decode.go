package yolo

import (
	"fmt"
	"sort"
)

// poseCandidate is one anchor that passed the score threshold
type poseCandidate struct {
	box   [4]float64
	score float64
	kps   [][2]float64
}

// DecodePoseOutput converts a raw YOLOv8-pose tensor into a ResultSet.
//
// data is laid out channel-major as [rows][anchors], where rows is
// 4 box values + 1 score + 3 values (x, y, visibility) per keypoint. Box and
// keypoint coordinates are scaled by scaleX/scaleY back into source pixels.
// Overlapping boxes are suppressed greedily; survivors are ordered by
// descending score.
func DecodePoseOutput(data []float32, rows, anchors int, conf, nms, scaleX, scaleY float64) (ResultSet, error) {
	if rows < 5 || anchors <= 0 {
		return ResultSet{}, fmt.Errorf("invalid output shape [%d, %d]", rows, anchors)
	}
	if len(data) < rows*anchors {
		return ResultSet{}, fmt.Errorf("output has %d values, expected %d", len(data), rows*anchors)
	}
	if (rows-5)%3 != 0 {
		return ResultSet{}, fmt.Errorf("output rows %d do not match 5 + 3*keypoints", rows)
	}
	numKeypoints := (rows - 5) / 3

	at := func(row, anchor int) float64 {
		return float64(data[row*anchors+anchor])
	}

	var candidates []poseCandidate
	for a := 0; a < anchors; a++ {
		score := at(4, a)
		if score < conf {
			continue
		}

		c := poseCandidate{
			box: [4]float64{
				at(0, a) * scaleX,
				at(1, a) * scaleY,
				at(2, a) * scaleX,
				at(3, a) * scaleY,
			},
			score: score,
		}
		for k := 0; k < numKeypoints; k++ {
			row := 5 + 3*k
			c.kps = append(c.kps, [2]float64{at(row, a) * scaleX, at(row+1, a) * scaleY})
		}
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	var kept []poseCandidate
	for _, c := range candidates {
		suppressed := false
		for _, k := range kept {
			if iou(c.box, k.box) > nms {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, c)
		}
	}

	rs := ResultSet{Detections: make([]Detection, 0, len(kept))}
	for _, c := range kept {
		det := Detection{
			Boxes: &Boxes{
				XYWH: [][4]float64{c.box},
				Conf: []float64{c.score},
			},
		}
		if numKeypoints > 0 {
			det.Keypoints = &Keypoints{XY: [][][2]float64{c.kps}}
		}
		rs.Detections = append(rs.Detections, det)
	}

	return rs, nil
}

// iou of two center-format boxes
func iou(a, b [4]float64) float64 {
	ax1, ay1, ax2, ay2 := a[0]-a[2]/2, a[1]-a[3]/2, a[0]+a[2]/2, a[1]+a[3]/2
	bx1, by1, bx2, by2 := b[0]-b[2]/2, b[1]-b[3]/2, b[0]+b[2]/2, b[1]+b[3]/2

	iw := minf(ax2, bx2) - maxf(ax1, bx1)
	ih := minf(ay2, by2) - maxf(ay1, by1)
	if iw <= 0 || ih <= 0 {
		return 0
	}

	inter := iw * ih
	union := a[2]*a[3] + b[2]*b[3] - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
