package camera

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/blackjack/webcam"
)

// V4L2 fourcc codes.
const (
	pixelFormatYUYV webcam.PixelFormat = 'Y' | 'U'<<8 | 'Y'<<16 | 'V'<<24
	pixelFormatMJPG webcam.PixelFormat = 'M' | 'J'<<8 | 'P'<<16 | 'G'<<24
)

// v4l2FrameTimeout is the WaitForFrame timeout in seconds.
const v4l2FrameTimeout = 1

type v4l2Device struct {
	cam    *webcam.Webcam
	format webcam.PixelFormat
	width  int
	height int
}

// OpenV4L2 opens /dev/video<index> directly through V4L2. YUYV is preferred;
// MJPEG is used when the camera offers nothing else.
func OpenV4L2(index, width, height int) (Device, error) {
	cam, err := webcam.Open(fmt.Sprintf("/dev/video%d", index))
	if err != nil {
		return nil, fmt.Errorf("can not open device: %w", err)
	}

	formats := cam.GetSupportedFormats()
	var format webcam.PixelFormat
	switch {
	case formats[pixelFormatYUYV] != "":
		format = pixelFormatYUYV
	case formats[pixelFormatMJPG] != "":
		format = pixelFormatMJPG
	default:
		cam.Close()
		return nil, errors.New("device supports neither YUYV nor MJPEG")
	}

	f, w, h, err := cam.SetImageFormat(format, uint32(width), uint32(height))
	if err != nil {
		cam.Close()
		return nil, fmt.Errorf("can not set image format: %w", err)
	}
	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, fmt.Errorf("can not start streaming: %w", err)
	}

	return &v4l2Device{cam: cam, format: f, width: int(w), height: int(h)}, nil
}

func (d *v4l2Device) Read() (image.Image, error) {
	err := d.cam.WaitForFrame(v4l2FrameTimeout)
	switch err.(type) {
	case nil:
	case *webcam.Timeout:
		return nil, fmt.Errorf("frame wait timed out: %w", err)
	default:
		return nil, fmt.Errorf("frame wait failed: %w", err)
	}

	frame, err := d.cam.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("read frame failed: %w", err)
	}
	if len(frame) == 0 {
		return nil, errors.New("empty frame")
	}

	// The frame buffer is reused by the driver; both decoders copy it.
	switch d.format {
	case pixelFormatYUYV:
		return decodeYUYV(frame, d.width, d.height)
	case pixelFormatMJPG:
		img, err := jpeg.Decode(bytes.NewReader(frame))
		if err != nil {
			return nil, fmt.Errorf("failed to decode mjpeg frame: %w", err)
		}
		return img, nil
	}
	return nil, fmt.Errorf("unsupported pixel format %#x", uint32(d.format))
}

func (d *v4l2Device) Close() error {
	_ = d.cam.StopStreaming()
	return d.cam.Close()
}

// decodeYUYV converts packed Y0 U Y1 V data into a 4:2:2 YCbCr image. The
// driver may pad each line; the line stride is taken from the buffer size,
// which V4L2 reports as bytesperline*height.
func decodeYUYV(frame []byte, width, height int) (*image.YCbCr, error) {
	if width <= 0 || height <= 0 || width%2 != 0 {
		return nil, fmt.Errorf("invalid yuyv frame size %dx%d", width, height)
	}
	stride := len(frame) / height
	if stride < width*2 {
		return nil, fmt.Errorf("short yuyv frame: %d bytes for %dx%d", len(frame), width, height)
	}

	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio422)
	for y := 0; y < height; y++ {
		src := frame[y*stride : y*stride+width*2]
		yRow := img.Y[y*img.YStride:]
		cRow := y * img.CStride
		for x := 0; x < width; x += 2 {
			i := x * 2
			yRow[x] = src[i]
			yRow[x+1] = src[i+2]
			img.Cb[cRow+x/2] = src[i+1]
			img.Cr[cRow+x/2] = src[i+3]
		}
	}
	return img, nil
}
