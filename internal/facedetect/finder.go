// Package facedetect finds faces in camera frames and turns them into
// normalized crops for the classifier.
package facedetect

import (
	"image"

	"github.com/kozaktomas/rollcall/internal/imaging"
)

// DefaultFaceSize is the side length of a normalized face crop.
const DefaultFaceSize = 150

// Face is one detection together with its normalized crop.
type Face struct {
	Box  image.Rectangle
	Crop *image.Gray
	// Source is the grayscale region before normalization, used by the quality gate.
	Source *image.Gray
}

// Finder combines a Detector with crop normalization.
type Finder struct {
	detector Detector
	size     int
}

// NewFinder creates a finder producing size x size crops. A non-positive
// size selects DefaultFaceSize.
func NewFinder(detector Detector, size int) *Finder {
	if size <= 0 {
		size = DefaultFaceSize
	}
	return &Finder{detector: detector, size: size}
}

// Size returns the side length of produced crops.
func (f *Finder) Size() int {
	return f.size
}

// Faces detects every face in img and normalizes each box. No quality
// filtering is applied; this is the recognition path.
func (f *Finder) Faces(img image.Image) []Face {
	gray := imaging.ToGray(img)
	boxes := f.detector.Detect(gray)
	if len(boxes) == 0 {
		return nil
	}

	faces := make([]Face, 0, len(boxes))
	for _, box := range boxes {
		box = box.Intersect(gray.Bounds())
		if box.Empty() {
			continue
		}
		faces = append(faces, f.face(gray, box))
	}
	return faces
}

// ExtractBest returns the normalized crop of the largest face in img.
// Returns false when no face of at least MinFaceArea was found.
func (f *Finder) ExtractBest(img image.Image) (*Face, bool) {
	gray := imaging.ToGray(img)
	detected := f.detector.Detect(gray)
	boxes := make([]image.Rectangle, len(detected))
	for i, b := range detected {
		boxes[i] = b.Intersect(gray.Bounds())
	}

	box, ok := SelectBest(boxes)
	if !ok {
		return nil, false
	}
	face := f.face(gray, box)
	return &face, true
}

func (f *Finder) face(gray *image.Gray, box image.Rectangle) Face {
	src := imaging.Crop(gray, box)
	return Face{
		Box:    box,
		Crop:   NormalizeCrop(src, f.size),
		Source: src,
	}
}

// Normalize crops box out of gray and normalizes it to size x size.
func Normalize(gray *image.Gray, box image.Rectangle, size int) *image.Gray {
	return NormalizeCrop(imaging.Crop(gray, box), size)
}

// NormalizeCrop resizes an already cropped face with area interpolation and
// equalizes its histogram. The result depends only on the input pixels.
func NormalizeCrop(crop *image.Gray, size int) *image.Gray {
	return imaging.Equalize(imaging.ResizeArea(crop, size))
}
