package nn

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
)

// PostProcess applies the confidence threshold, non-max suppression, and the detection cap.
// The input slice is not modified. Results are sorted by descending confidence.
func PostProcess(input []ObjectDetection, _params *DetectionParams) []ObjectDetection {
	params := _params.WithDefaults()

	candidates := make([]ObjectDetection, 0, len(input))
	for _, obj := range input {
		if obj.Confidence >= params.ProbabilityThreshold {
			candidates = append(candidates, obj)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})

	retain := NonMaxSuppression(candidates, params.NmsIouThreshold, params.NmsMode)

	result := make([]ObjectDetection, 0, min(len(retain), params.MaxDetections))
	for _, i := range retain {
		if len(result) == params.MaxDetections {
			break
		}
		result = append(result, candidates[i])
	}
	return result
}

// Greedy non-max suppression.
// 'input' must be sorted by descending confidence. An object is suppressed if it overlaps
// a retained object with a higher rank by more than minIoU. With NmsPerClass, only objects
// of the same class suppress each other.
// Returns the indices of the objects that should be retained, in input order.
func NonMaxSuppression(input []ObjectDetection, minIoU float32, mode NmsMode) []int {
	if len(input) == 0 {
		return nil
	}

	// Create spatial index to avoid O(N^2) comparisons
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(input))
	for _, b := range input {
		fb.Add(b.Box.X, b.Box.Y, b.Box.X2(), b.Box.Y2())
	}
	fb.Finish()

	suppressed := make([]bool, len(input))
	retain := make([]int, 0, len(input))

	for i, in := range input {
		if suppressed[i] {
			continue
		}
		retain = append(retain, i)
		for _, j := range fb.Search(in.Box.X, in.Box.Y, in.Box.X2(), in.Box.Y2()) {
			// Only lower ranked objects can be suppressed by 'in'
			if j <= i || suppressed[j] {
				continue
			}
			if mode == NmsPerClass && input[j].Class != in.Class {
				continue
			}
			if in.Box.IOU(input[j].Box) > minIoU {
				suppressed[j] = true
			}
		}
	}
	return retain
}
