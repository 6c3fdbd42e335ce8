package camera

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

type gocvDevice struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
}

// OpenGoCV opens a camera by index through OpenCV. Width and height are
// requested from the driver when positive.
func OpenGoCV(index, width, height int) (Device, error) {
	capture, err := gocv.VideoCaptureDevice(index)
	if err != nil {
		return nil, fmt.Errorf("failed to open video capture: %w", err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, errors.New("video capture is not opened")
	}
	if width > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(width))
	}
	if height > 0 {
		capture.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}
	return &gocvDevice{capture: capture, mat: gocv.NewMat()}, nil
}

func (d *gocvDevice) Read() (image.Image, error) {
	if ok := d.capture.Read(&d.mat); !ok {
		return nil, errors.New("video capture read failed")
	}
	if d.mat.Empty() {
		return nil, errors.New("empty frame")
	}
	img, err := d.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	return img, nil
}

func (d *gocvDevice) Close() error {
	matErr := d.mat.Close()
	if err := d.capture.Close(); err != nil {
		return fmt.Errorf("failed to close video capture: %w", err)
	}
	return matErr
}
