// Package imaging provides the grayscale image primitives used by face
// detection, sample storage and the LBPH classifier.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
)

// JPEGQuality is used for every stored face sample.
const JPEGQuality = 95

// areaKernel is a box filter. x/image/draw widens the kernel support by the
// scale ratio when shrinking, so every destination pixel becomes the mean of
// the source pixels it covers.
var areaKernel = &xdraw.Kernel{
	Support: 0.5,
	At:      func(t float64) float64 { return 1 },
}

// ToGray converts an image to 8-bit grayscale using the ITU-R BT.601 luma formula.
// A *image.Gray input is returned as is and the luma plane of a *image.YCbCr
// (camera frames, decoded JPEGs) is copied directly.
func ToGray(img image.Image) *image.Gray {
	switch src := img.(type) {
	case *image.Gray:
		return src
	case *image.YCbCr:
		return lumaPlane(src)
	}

	bounds := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			luma := 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
			gray.Pix[(y-bounds.Min.Y)*gray.Stride+(x-bounds.Min.X)] = uint8(luma + 0.5)
		}
	}
	return gray
}

func lumaPlane(src *image.YCbCr) *image.Gray {
	bounds := src.Bounds()
	gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		off := src.YOffset(bounds.Min.X, y)
		copy(gray.Pix[(y-bounds.Min.Y)*gray.Stride:], src.Y[off:off+bounds.Dx()])
	}
	return gray
}

// Crop copies the part of src inside r into a new image anchored at (0, 0).
// The rectangle is clipped to the source bounds.
func Crop(src *image.Gray, r image.Rectangle) *image.Gray {
	r = r.Intersect(src.Bounds())
	dst := image.NewGray(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Src)
	return dst
}

// ResizeArea scales src to size x size. Shrinking averages the covered source
// pixels (area interpolation); enlarging falls back to bilinear interpolation.
func ResizeArea(src *image.Gray, size int) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, size, size))
	sb := src.Bounds()
	if sb.Empty() {
		return dst
	}
	if sb.Dx() >= size && sb.Dy() >= size {
		areaKernel.Scale(dst, dst.Bounds(), src, sb, xdraw.Src, nil)
	} else {
		xdraw.BiLinear.Scale(dst, dst.Bounds(), src, sb, xdraw.Src, nil)
	}
	return dst
}

// Equalize spreads the intensity histogram of src over the full 0-255 range.
// Images with a single intensity are returned as an unchanged copy.
func Equalize(src *image.Gray) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	var hist [256]int
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := src.Pix[src.PixOffset(b.Min.X, y):src.PixOffset(b.Max.X, y)]
		for _, v := range row {
			hist[v]++
		}
	}

	total := b.Dx() * b.Dy()
	cdfMin := 0
	for _, c := range hist {
		if c > 0 {
			cdfMin = c
			break
		}
	}

	var lut [256]uint8
	if total == cdfMin {
		for i := range lut {
			lut[i] = uint8(i)
		}
	} else {
		cdf := 0
		scale := 255.0 / float64(total-cdfMin)
		for i, c := range hist {
			cdf += c
			v := float64(cdf-cdfMin) * scale
			if v < 0 {
				v = 0
			}
			lut[i] = uint8(v + 0.5)
		}
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		srcRow := src.Pix[src.PixOffset(b.Min.X, y):src.PixOffset(b.Max.X, y)]
		dstRow := dst.Pix[(y-b.Min.Y)*dst.Stride:]
		for x, v := range srcRow {
			dstRow[x] = lut[v]
		}
	}
	return dst
}

// EncodeJPEG encodes a grayscale image as a single-channel JPEG.
func EncodeJPEG(img *image.Gray) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeGray decodes any supported image format and converts it to grayscale.
func DecodeGray(data []byte) (*image.Gray, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return ToGray(img), nil
}

// ReadGray loads an image file and converts it to grayscale.
func ReadGray(path string) (*image.Gray, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodeGray(data)
}
