package validation

import (
	"context"
	"image"
)

// Faces is the face detector's answer for one image.
type Faces struct {
	Count int
	// DominantFraction is the share of the frame covered by the largest
	// detected face, 0..1.
	DominantFraction float64
}

// FaceDetector finds faces in a decoded image.
type FaceDetector interface {
	DetectFaces(ctx context.Context, img image.Image) (Faces, error)
}

// StubDetector reports a fixed result without looking at the pixels. It
// stands in until a real detector is wired.
type StubDetector struct {
	Result Faces
}

// DefaultStubFaces is what StubDetector reports when Result is zero.
var DefaultStubFaces = Faces{Count: 1, DominantFraction: 0.3}

func (d StubDetector) DetectFaces(context.Context, image.Image) (Faces, error) {
	if d.Result == (Faces{}) {
		return DefaultStubFaces, nil
	}
	return d.Result, nil
}
