package detector

import (
	"cmp"
	"slices"
)

// NMS performs Non-Maximum Suppression on detected faces. The result is
// ordered by descending score; equal scores keep their input order so the
// overlay stays stable between identical frames. The input is not modified.
func NMS(faces []Face, iouThreshold float32) []Face {
	if len(faces) == 0 {
		return faces
	}

	sorted := slices.Clone(faces)
	slices.SortStableFunc(sorted, func(a, b Face) int {
		return cmp.Compare(b.Score, a.Score)
	})

	suppressed := make([]bool, len(sorted))
	kept := make([]Face, 0, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if !suppressed[j] && IoU(sorted[i].BoundingBox, sorted[j].BoundingBox) > iouThreshold {
				suppressed[j] = true
			}
		}
	}

	return kept
}

// IoU calculates Intersection over Union of two bounding boxes
func IoU(a, b BoundingBox) float32 {
	x1 := max(a.X1, b.X1)
	y1 := max(a.Y1, b.Y1)
	x2 := min(a.X2, b.X2)
	y2 := min(a.Y2, b.Y2)

	if x1 >= x2 || y1 >= y2 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := a.Area() + b.Area() - intersection
	if union <= 0 {
		return 0
	}

	return intersection / union
}
