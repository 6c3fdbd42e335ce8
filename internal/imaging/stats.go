package imaging

import (
	"image"

	"gonum.org/v1/gonum/stat"
)

// pixels returns the intensities of img as float64 values in row-major order.
func pixels(img *image.Gray) []float64 {
	b := img.Bounds()
	out := make([]float64, 0, b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for _, v := range row {
			out = append(out, float64(v))
		}
	}
	return out
}

// MeanStdDev returns the mean intensity and its standard deviation.
func MeanStdDev(img *image.Gray) (mean, stddev float64) {
	px := pixels(img)
	if len(px) < 2 {
		if len(px) == 1 {
			return px[0], 0
		}
		return 0, 0
	}
	return stat.MeanStdDev(px, nil)
}

// LaplacianVariance measures sharpness as the variance of the 4-neighbour
// Laplacian response. Blurry images score low. Border pixels are skipped.
func LaplacianVariance(img *image.Gray) float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		return 0
	}

	at := func(x, y int) float64 {
		return float64(img.Pix[img.PixOffset(b.Min.X+x, b.Min.Y+y)])
	}

	resp := make([]float64, 0, (w-2)*(h-2))
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			lap := at(x, y-1) + at(x-1, y) + at(x+1, y) + at(x, y+1) - 4*at(x, y)
			resp = append(resp, lap)
		}
	}
	return stat.Variance(resp, nil)
}
