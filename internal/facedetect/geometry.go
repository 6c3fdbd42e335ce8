package facedetect

import "image"

// MinFaceArea is the smallest box area, in pixels, accepted by SelectBest and
// by the enrollment quality gate.
const MinFaceArea = 2500

// Area returns the pixel area of a box.
func Area(r image.Rectangle) int {
	if r.Empty() {
		return 0
	}
	return r.Dx() * r.Dy()
}

// SelectBest picks the box with the largest area, ignoring boxes smaller than
// MinFaceArea. When areas are equal the box that came first in detector order
// wins. Returns false when no box qualifies.
func SelectBest(boxes []image.Rectangle) (image.Rectangle, bool) {
	best := -1
	bestArea := 0
	for i, b := range boxes {
		a := Area(b)
		if a < MinFaceArea {
			continue
		}
		if a > bestArea {
			best = i
			bestArea = a
		}
	}
	if best < 0 {
		return image.Rectangle{}, false
	}
	return boxes[best], true
}
