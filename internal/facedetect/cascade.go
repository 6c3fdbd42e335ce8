package facedetect

import (
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// Detector locates faces in a grayscale image. Boxes are returned in detector order.
type Detector interface {
	Detect(gray *image.Gray) []image.Rectangle
}

// Params controls the cascade sliding-window search.
type Params struct {
	ScaleFactor  float64
	MinNeighbors int
	MinSize      int
}

// DefaultParams returns the cascade settings used when nothing is configured.
func DefaultParams() Params {
	return Params{
		ScaleFactor:  1.2,
		MinNeighbors: 5,
		MinSize:      30,
	}
}

// Validate checks the parameters against the ranges the cascade is tuned for.
func (p Params) Validate() error {
	if p.ScaleFactor < 1.1 || p.ScaleFactor > 1.4 {
		return fmt.Errorf("scale factor %.2f outside [1.1, 1.4]", p.ScaleFactor)
	}
	if p.MinNeighbors < 3 || p.MinNeighbors > 6 {
		return fmt.Errorf("min neighbors %d outside [3, 6]", p.MinNeighbors)
	}
	if p.MinSize < 30 {
		return fmt.Errorf("min size %d below 30", p.MinSize)
	}
	return nil
}

// Cascade is a Haar/LBP cascade detector backed by OpenCV.
type Cascade struct {
	mu         sync.Mutex
	classifier gocv.CascadeClassifier
	params     Params
}

// NewCascade loads a cascade definition file (e.g. haarcascade_frontalface_default.xml).
func NewCascade(path string, params Params) (*Cascade, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(path) {
		classifier.Close()
		return nil, fmt.Errorf("error reading cascade file: %s", path)
	}

	return &Cascade{classifier: classifier, params: params}, nil
}

// Detect runs the cascade on a grayscale image.
func (c *Cascade) Detect(gray *image.Gray) []image.Rectangle {
	mat, err := gocv.ImageGrayToMatGray(gray)
	if err != nil {
		return nil
	}
	defer mat.Close()

	// The OpenCV classifier is not safe for concurrent use.
	c.mu.Lock()
	defer c.mu.Unlock()

	minSize := image.Pt(c.params.MinSize, c.params.MinSize)
	return c.classifier.DetectMultiScaleWithParams(
		mat,
		c.params.ScaleFactor,
		c.params.MinNeighbors,
		0,
		minSize,
		image.Point{},
	)
}

// Close releases the native classifier.
func (c *Cascade) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.classifier.Close(); err != nil {
		return fmt.Errorf("failed to close cascade: %w", err)
	}
	return nil
}
