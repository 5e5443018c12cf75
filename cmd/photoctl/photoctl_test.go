package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fpang/photo-intake/internal/store"
)

func TestMimeFromPath(t *testing.T) {
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{"a.jpg", "image/jpeg", false},
		{"dir/B.JPEG", "image/jpeg", false},
		{"x.png", "image/png", false},
		{"IMG_0001.HEIC", "image/heic", false},
		{"x.heif", "image/heic", false},
		{"notes.txt", "", true},
		{"noext", "", true},
	}
	for _, tt := range tests {
		got, err := mimeFromPath(tt.path)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("mimeFromPath(%q) = %q, %v; want %q, err %v", tt.path, got, err, tt.want, tt.wantErr)
		}
	}
}

func writeCheckerPNG(t *testing.T, dir, name string, size, cell int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := color.NRGBA{A: 255}
			if (x/cell+y/cell)%2 == 0 {
				c = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("MIN_FILE_SIZE_BYTES", "1")
	dir := t.TempDir()
	path := writeCheckerPNG(t, dir, "checker.png", 512, 16)

	out, err := run(t, "validate", path)
	if err != nil {
		t.Fatalf("validate error = %v (%s)", err, out)
	}
	var result struct {
		Valid    bool           `json:"valid"`
		Reasons  []store.Reason `json:"reasons"`
		Analysis *store.Analysis
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if result.Analysis == nil || result.Analysis.Width != 512 || result.Analysis.Height != 512 {
		t.Errorf("analysis = %+v", result.Analysis)
	}
	if len(result.Analysis.PHash) != 64 {
		t.Errorf("phash = %q", result.Analysis.PHash)
	}
}

func TestHashCommand(t *testing.T) {
	dir := t.TempDir()
	a := writeCheckerPNG(t, dir, "a.png", 256, 16)
	b := writeCheckerPNG(t, dir, "b.png", 256, 16)

	out, err := run(t, "hash", a, b)
	if err != nil {
		t.Fatalf("hash error = %v (%s)", err, out)
	}
	if !strings.Contains(out, "distance 0 (duplicate)") {
		t.Errorf("identical pictures should have distance 0:\n%s", out)
	}
}

func TestCommandArgs(t *testing.T) {
	for _, args := range [][]string{{"validate"}, {"hash", "one.png"}, {"status"}, {"migrate", "extra"}} {
		if _, err := run(t, args...); err == nil {
			t.Errorf("%v: expected an argument error", args)
		}
	}
}
