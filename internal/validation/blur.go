package validation

import (
	"image"
	"image/color"
	"math"
)

// BlurScore is a sharpness proxy: the mean of the R, G and B channels'
// population standard deviations on a 0-255 scale. Flat or washed-out
// images score low. It does not measure edge energy.
func BlurScore(img image.Image) float64 {
	b := img.Bounds()
	n := float64(b.Dx() * b.Dy())
	if n == 0 {
		return 0
	}

	var sum, sumSq [3]float64
	accumulate := func(r, g, bl uint8) {
		for i, v := range [3]float64{float64(r), float64(g), float64(bl)} {
			sum[i] += v
			sumSq[i] += v * v
		}
	}

	switch src := img.(type) {
	case *image.NRGBA:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := src.Pix[src.PixOffset(b.Min.X, y):]
			for x := 0; x < b.Dx(); x++ {
				accumulate(row[x*4], row[x*4+1], row[x*4+2])
			}
		}
	case *image.YCbCr:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := src.YCbCrAt(x, y)
				r, g, bl := color.YCbCrToRGB(c.Y, c.Cb, c.Cr)
				accumulate(r, g, bl)
			}
		}
	default:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl, _ := img.At(x, y).RGBA()
				accumulate(uint8(r>>8), uint8(g>>8), uint8(bl>>8))
			}
		}
	}

	var total float64
	for i := 0; i < 3; i++ {
		mean := sum[i] / n
		variance := sumSq[i]/n - mean*mean
		if variance < 0 {
			variance = 0
		}
		total += math.Sqrt(variance)
	}
	return total / 3
}
