// Package lbph implements Local Binary Patterns Histograms face recognition:
// circular LBP codes, spatial histograms and nearest-neighbour prediction by
// chi-square distance.
package lbph

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// ErrImageTooSmall is returned when an image cannot be split into the grid.
var ErrImageTooSmall = errors.New("image too small for lbph grid")

// Params configures the LBP operator and the spatial grid.
type Params struct {
	Radius    int
	Neighbors int
	GridX     int
	GridY     int
}

// DefaultParams returns radius 1, 8 neighbours and an 8x8 grid.
func DefaultParams() Params {
	return Params{Radius: 1, Neighbors: 8, GridX: 8, GridY: 8}
}

// Validate checks the parameters.
func (p Params) Validate() error {
	if p.Radius < 1 {
		return fmt.Errorf("radius must be positive, got %d", p.Radius)
	}
	if p.Neighbors < 1 || p.Neighbors > 8 {
		return fmt.Errorf("neighbors must be in [1, 8], got %d", p.Neighbors)
	}
	if p.GridX < 1 || p.GridY < 1 {
		return fmt.Errorf("grid must be at least 1x1, got %dx%d", p.GridX, p.GridY)
	}
	return nil
}

// Bins is the number of histogram bins per grid cell.
func (p Params) Bins() int {
	return 1 << p.Neighbors
}

// Len is the length of a full spatial histogram.
func (p Params) Len() int {
	return p.GridX * p.GridY * p.Bins()
}

// Codes computes circular LBP codes. Neighbour values are sampled with
// bilinear interpolation. The result is (w-2r) x (h-2r) codes in row order.
func Codes(img *image.Gray, p Params) (codes []uint8, w, h int) {
	b := img.Bounds()
	r := p.Radius
	w, h = b.Dx()-2*r, b.Dy()-2*r
	if w <= 0 || h <= 0 {
		return nil, 0, 0
	}

	px := func(x, y int) float64 {
		return float64(img.Pix[img.PixOffset(b.Min.X+x, b.Min.Y+y)])
	}

	codes = make([]uint8, w*h)
	for n := 0; n < p.Neighbors; n++ {
		angle := 2 * math.Pi * float64(n) / float64(p.Neighbors)
		sx := float64(r) * math.Cos(angle)
		sy := -float64(r) * math.Sin(angle)

		fx, fy := int(math.Floor(sx)), int(math.Floor(sy))
		cx, cy := int(math.Ceil(sx)), int(math.Ceil(sy))
		tx, ty := sx-float64(fx), sy-float64(fy)
		w1 := (1 - tx) * (1 - ty)
		w2 := tx * (1 - ty)
		w3 := (1 - tx) * ty
		w4 := tx * ty

		bit := uint8(1) << n
		for y := r; y < b.Dy()-r; y++ {
			for x := r; x < b.Dx()-r; x++ {
				t := w1*px(x+fx, y+fy) + w2*px(x+cx, y+fy) + w3*px(x+fx, y+cy) + w4*px(x+cx, y+cy)
				c := px(x, y)
				if t > c || math.Abs(t-c) < 1e-9 {
					codes[(y-r)*w+(x-r)] |= bit
				}
			}
		}
	}
	return codes, w, h
}

// Histogram computes the spatial LBP histogram of a face crop. Every grid
// cell histogram is normalized to sum to one.
func Histogram(img *image.Gray, p Params) ([]float32, error) {
	codes, w, h := Codes(img, p)
	cw, ch := w/p.GridX, h/p.GridY
	if cw < 1 || ch < 1 {
		return nil, fmt.Errorf("%w: %v", ErrImageTooSmall, img.Bounds().Size())
	}

	bins := p.Bins()
	hist := make([]float32, p.Len())
	norm := 1 / float32(cw*ch)
	for gy := 0; gy < p.GridY; gy++ {
		for gx := 0; gx < p.GridX; gx++ {
			cell := hist[(gy*p.GridX+gx)*bins:][:bins]
			for y := gy * ch; y < (gy+1)*ch; y++ {
				row := codes[y*w+gx*cw:][:cw]
				for _, code := range row {
					cell[code] += norm
				}
			}
		}
	}
	return hist, nil
}

// ChiSquare returns the symmetric chi-square distance 2*sum((a-b)^2/(a+b)).
// Lower is more similar; identical histograms have distance 0.
func ChiSquare(a, b []float32) float64 {
	n := min(len(a), len(b))
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(a[i]) + float64(b[i])
		if s <= 0 {
			continue
		}
		d := float64(a[i]) - float64(b[i])
		sum += d * d / s
	}
	return 2 * sum
}
