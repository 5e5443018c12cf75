package validation

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"testing"

	"golang.org/x/image/draw"
)

func uniform(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

// checkerboard alternates black and white squares of side cell.
func checkerboard(w, h, cell int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/cell+y/cell)%2 == 0 {
				img.SetNRGBA(x, y, color.NRGBA{255, 255, 255, 255})
			} else {
				img.SetNRGBA(x, y, color.NRGBA{0, 0, 0, 255})
			}
		}
	}
	return img
}

// gradient runs dark to light left to right, or top to bottom.
func gradient(w, h int, vertical bool) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(x * 255 / (w - 1))
			if vertical {
				v = uint8(y * 255 / (h - 1))
			}
			img.SetNRGBA(x, y, color.NRGBA{v, v, v, 255})
		}
	}
	return img
}

func TestPerceptualHashShape(t *testing.T) {
	hash := PerceptualHash(checkerboard(300, 200, 25))
	if len(hash) != HashBits*HashBits/4 {
		t.Fatalf("len(hash) = %d, want %d", len(hash), HashBits*HashBits/4)
	}
	if strings.Trim(hash, "0123456789abcdef") != "" {
		t.Errorf("hash %q contains non-hex characters", hash)
	}
}

func TestPerceptualHashUniform(t *testing.T) {
	white := PerceptualHash(uniform(64, 64, color.NRGBA{255, 255, 255, 255}))
	if white != strings.Repeat("f", 64) {
		t.Errorf("white hash = %q, want all f", white)
	}
	black := PerceptualHash(uniform(64, 64, color.NRGBA{0, 0, 0, 255}))
	if black != strings.Repeat("0", 64) {
		t.Errorf("black hash = %q, want all 0", black)
	}
}

func TestPerceptualHashStability(t *testing.T) {
	img := gradient(512, 512, false)
	a := PerceptualHash(img)
	if b := PerceptualHash(img); a != b {
		t.Fatalf("hash not deterministic: %q vs %q", a, b)
	}

	// A rescaled copy should land within the duplicate threshold.
	small := gradient(400, 400, false)
	d, ok := HammingDistance(a, PerceptualHash(small))
	if !ok {
		t.Fatal("hashes not comparable")
	}
	if d > DefaultConfig().HashThreshold {
		t.Errorf("rescaled distance = %d, want <= %d", d, DefaultConfig().HashThreshold)
	}

	// A structurally different image should be far away.
	d, _ = HammingDistance(a, PerceptualHash(gradient(512, 512, true)))
	if d <= DefaultConfig().HashThreshold {
		t.Errorf("horizontal vs vertical gradient distance = %d, want > %d", d, DefaultConfig().HashThreshold)
	}
}

// textured lays a 16x16 grid of dark and light cells over per-pixel noise.
// Every row has eight light cells, and shift moves which ones.
func textured(side, shift int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, side, side))
	cell := side / 16
	seed := uint32(12345)
	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			base := 60
			if ((x/cell)*7+(y/cell)*3+shift)%16 < 8 {
				base = 190
			}
			seed = seed*1664525 + 1013904223
			noise := int(seed>>24)%81 - 40
			v := uint8(base + noise)
			img.SetNRGBA(x, y, color.NRGBA{v, v, uint8(int(v) * 9 / 10), 255})
		}
	}
	return img
}

func TestPerceptualHashSurvivesResizeAndJPEG(t *testing.T) {
	orig := textured(512, 0)
	want := PerceptualHash(orig)
	threshold := DefaultConfig().HashThreshold

	small := image.NewNRGBA(image.Rect(0, 0, 410, 410))
	draw.CatmullRom.Scale(small, small.Bounds(), orig, orig.Bounds(), draw.Src, nil)

	for _, quality := range []int{95, 75, 50} {
		t.Run(fmt.Sprintf("q%d", quality), func(t *testing.T) {
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, small, &jpeg.Options{Quality: quality}); err != nil {
				t.Fatalf("jpeg.Encode() error = %v", err)
			}
			decoded, err := jpeg.Decode(&buf)
			if err != nil {
				t.Fatalf("jpeg.Decode() error = %v", err)
			}
			d, ok := HammingDistance(want, PerceptualHash(decoded))
			if !ok {
				t.Fatal("hashes not comparable")
			}
			if d > threshold {
				t.Errorf("distance after resize and JPEG q%d = %d, want <= %d", quality, d, threshold)
			}
		})
	}

	// Moving the light cells is a different picture.
	d, _ := HammingDistance(want, PerceptualHash(textured(512, 4)))
	if d <= threshold {
		t.Errorf("shifted layout distance = %d, want > %d", d, threshold)
	}
}

func TestBlockHashRejectsIndivisibleRaster(t *testing.T) {
	if _, err := BlockHash(uniform(30, 32, color.NRGBA{A: 255}), 16); err == nil {
		t.Error("BlockHash(30x32, 16) error = nil, want error")
	}
	if _, err := BlockHash(uniform(36, 36, color.NRGBA{A: 255}), 6); err == nil {
		t.Error("BlockHash(bits=6) error = nil, want error")
	}
}

func TestBlockHashTransparentIsWhite(t *testing.T) {
	hash, err := BlockHash(uniform(32, 32, color.NRGBA{}), 16)
	if err != nil {
		t.Fatalf("BlockHash() error = %v", err)
	}
	if hash != strings.Repeat("f", 64) {
		t.Errorf("transparent hash = %q, want all f", hash)
	}
}

func TestHammingDistance(t *testing.T) {
	tests := []struct {
		name   string
		a, b   string
		want   int
		wantOK bool
	}{
		{"identical", "abcd", "abcd", 0, true},
		{"one bit", "0000", "0001", 1, true},
		{"all bits", "00", "ff", 8, true},
		{"case insensitive", "ABCD", "abcd", 0, true},
		{"length mismatch", "abc", "abcd", 0, false},
		{"non-hex", "zz", "00", 0, false},
		{"empty", "", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := HammingDistance(tt.a, tt.b)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("HammingDistance(%q, %q) = (%d, %v), want (%d, %v)", tt.a, tt.b, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestFindDuplicate(t *testing.T) {
	base := strings.Repeat("0", 64)
	near := "0000000000000000000000000000000000000000000000000000000000000fff"   // 12 bits
	nearer := "00000000000000000000000000000000000000000000000000000000000000ff" // 8 bits
	far := strings.Repeat("f", 64)

	tests := []struct {
		name     string
		accepted []string
		wantDup  bool
		wantDist int
	}{
		{"empty set", nil, false, -1},
		{"only far", []string{far}, false, 256},
		{"just outside threshold", []string{near}, false, 12},
		{"within threshold", []string{far, nearer, near}, true, 8},
		{"exact match", []string{near, base}, true, 0},
		{"incomparable skipped", []string{"abc", nearer}, true, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, dup := FindDuplicate(base, tt.accepted, 10)
			if dup != tt.wantDup {
				t.Errorf("dup = %v, want %v", dup, tt.wantDup)
			}
			if m.Distance != tt.wantDist {
				t.Errorf("distance = %d, want %d", m.Distance, tt.wantDist)
			}
		})
	}
}

func TestBlurScore(t *testing.T) {
	tests := []struct {
		name string
		img  image.Image
		min  float64
		max  float64
	}{
		{"uniform gray", uniform(100, 100, color.NRGBA{128, 128, 128, 255}), 0, 0.001},
		{"checkerboard", checkerboard(100, 100, 10), 127, 128},
		{"gradient", gradient(256, 16, false), 60, 90},
		{"empty", image.NewNRGBA(image.Rect(0, 0, 0, 0)), 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BlurScore(tt.img)
			if got < tt.min || got > tt.max {
				t.Errorf("BlurScore() = %.3f, want in [%v, %v]", got, tt.min, tt.max)
			}
		})
	}
}

func TestBlurScoreYCbCrMatchesNRGBA(t *testing.T) {
	src := checkerboard(64, 64, 8)
	ycc := image.NewYCbCr(src.Bounds(), image.YCbCrSubsampleRatio444)
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			c := src.NRGBAAt(x, y)
			yy, cb, cr := color.RGBToYCbCr(c.R, c.G, c.B)
			ycc.Y[ycc.YOffset(x, y)] = yy
			ycc.Cb[ycc.COffset(x, y)] = cb
			ycc.Cr[ycc.COffset(x, y)] = cr
		}
	}
	a, b := BlurScore(src), BlurScore(ycc)
	if diff := a - b; diff > 1 || diff < -1 {
		t.Errorf("NRGBA score %.2f, YCbCr score %.2f, want within 1", a, b)
	}
}
