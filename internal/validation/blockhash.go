package validation

import (
	"fmt"
	"image"
	"slices"
	"strings"

	"golang.org/x/image/draw"
)

const (
	// HashBits is the number of blocks per side; the hash has HashBits²
	// bits, i.e. 64 hex characters.
	HashBits = 16

	// hashRaster is the square side the image is resized to before hashing.
	hashRaster = 256
)

// PerceptualHash resizes img to a fixed square raster and returns its block
// hash as a hex string.
func PerceptualHash(img image.Image) string {
	dst := image.NewNRGBA(image.Rect(0, 0, hashRaster, hashRaster))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	hash, _ := BlockHash(dst, HashBits)
	return hash
}

// BlockHash computes the blockhash of img with bits×bits blocks. Each block
// sums R+G+B over its pixels (fully transparent pixels count as white),
// then each of four horizontal bands is thresholded at its own median.
//
// The raster dimensions must be multiples of bits.
func BlockHash(img *image.NRGBA, bits int) (string, error) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	if bits <= 0 || bits%4 != 0 || w%bits != 0 || h%bits != 0 {
		return "", fmt.Errorf("blockhash: %dx%d raster not divisible into %d blocks", w, h, bits)
	}
	bw, bh := w/bits, h/bits

	blocks := make([]float64, bits*bits)
	for by := 0; by < bits; by++ {
		for bx := 0; bx < bits; bx++ {
			var total float64
			for y := by * bh; y < (by+1)*bh; y++ {
				row := img.Pix[img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y+y):]
				for x := bx * bw; x < (bx+1)*bw; x++ {
					p := row[x*4 : x*4+4]
					if p[3] == 0 {
						total += 765
					} else {
						total += float64(p[0]) + float64(p[1]) + float64(p[2])
					}
				}
			}
			blocks[by*bits+bx] = total
		}
	}

	bitsOut := blocksToBits(blocks, bw*bh)
	return bitsToHex(bitsOut), nil
}

// blocksToBits thresholds each quarter of blocks against its median. When
// a band is dominated by one value the median equals many blocks, so a
// block within 1 of the median scores 1 only if the median is in the
// bright half.
func blocksToBits(blocks []float64, pixelsPerBlock int) []bool {
	halfBlockValue := float64(pixelsPerBlock) * 256 * 3 / 2
	band := len(blocks) / 4
	out := make([]bool, len(blocks))
	for i := 0; i < 4; i++ {
		seg := blocks[i*band : (i+1)*band]
		m := median(seg)
		for j, v := range seg {
			diff := v - m
			if diff < 0 {
				diff = -diff
			}
			out[i*band+j] = v > m || (diff < 1 && m > halfBlockValue)
		}
	}
	return out
}

func median(data []float64) float64 {
	s := slices.Clone(data)
	slices.Sort(s)
	n := len(s)
	if n == 0 {
		return 0
	}
	if n%2 == 0 {
		return (s[n/2-1] + s[n/2]) / 2
	}
	return s[n/2]
}

func bitsToHex(bits []bool) string {
	var b strings.Builder
	b.Grow(len(bits) / 4)
	for i := 0; i+4 <= len(bits); i += 4 {
		var nibble byte
		for _, bit := range bits[i : i+4] {
			nibble <<= 1
			if bit {
				nibble |= 1
			}
		}
		b.WriteByte("0123456789abcdef"[nibble])
	}
	return b.String()
}
