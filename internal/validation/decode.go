package validation

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/exec"
	"strings"

	"github.com/evanoberholster/imagemeta"
	"github.com/rs/zerolog/log"
)

// Transcoder converts a format the standard decoders cannot read into one
// they can.
type Transcoder interface {
	Transcode(ctx context.Context, data []byte) ([]byte, error)
}

// FFmpegTranscoder converts HEIC/HEIF to PNG by shelling out to ffmpeg.
// The Lambda container image bundles ffmpeg; locally it must be on PATH.
type FFmpegTranscoder struct {
	// Path overrides the ffmpeg binary; empty means look it up on PATH.
	Path string
}

func (t FFmpegTranscoder) Transcode(ctx context.Context, data []byte) ([]byte, error) {
	ffmpegPath := t.Path
	if ffmpegPath == "" {
		p, err := exec.LookPath("ffmpeg")
		if err != nil {
			return nil, fmt.Errorf("ffmpeg not found: HEIC decoding requires ffmpeg")
		}
		ffmpegPath = p
	}

	in, err := os.CreateTemp("", "heic-in-*.heic")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(in.Name())
	if _, err := in.Write(data); err != nil {
		in.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	in.Close()

	outPath := strings.TrimSuffix(in.Name(), ".heic") + ".png"
	defer os.Remove(outPath)

	// ffmpeg -i input.heic -frames:v 1 -f image2 -y output.png
	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-loglevel", "error",
		"-i", in.Name(),
		"-frames:v", "1",
		"-f", "image2",
		"-y", outPath,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg HEIC conversion failed: %w: %s", err, string(output))
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read converted image: %w", err)
	}
	log.Debug().Int("inputSize", len(data)).Int("outputSize", len(out)).Msg("HEIC transcoded to PNG")
	return out, nil
}

// decodeImage decodes JPEG or PNG bytes.
func decodeImage(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	return img, format, nil
}

// cameraFromEXIF returns "Make Model" from the EXIF block, or "" when the
// file has none. EXIF is informational only, so parse failures (and
// parser panics on malformed blocks) yield "".
func cameraFromEXIF(data []byte) (camera string) {
	defer func() {
		if r := recover(); r != nil {
			camera = ""
		}
	}()
	exifData, err := imagemeta.Decode(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	vendor := strings.TrimSpace(exifData.Make)
	model := strings.TrimSpace(exifData.Model)
	switch {
	case vendor == "":
		return model
	case model == "":
		return vendor
	case strings.HasPrefix(model, vendor):
		return model
	default:
		return vendor + " " + model
	}
}
