package validation

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"slices"
	"testing"

	"github.com/fpang/photo-intake/internal/apperr"
	"github.com/fpang/photo-intake/internal/store"
)

type fakeObjects struct {
	data  map[string][]byte
	err   error
	calls int
}

func (f *fakeObjects) Download(_ context.Context, key string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	b, ok := f.data[key]
	if !ok {
		return nil, apperr.Storage("fake.Download", errors.New("no such key"))
	}
	return b, nil
}

type fakeHashes struct {
	hashes []string
	err    error
}

func (f fakeHashes) AcceptedHashes(context.Context) ([]string, error) {
	return f.hashes, f.err
}

type fakeTranscoder struct {
	out   []byte
	err   error
	calls int
}

func (f *fakeTranscoder) Transcode(context.Context, []byte) ([]byte, error) {
	f.calls++
	return f.out, f.err
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("jpeg.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func TestEngineValidate(t *testing.T) {
	sharp := checkerboard(500, 500, 25)
	sharpHash := PerceptualHash(sharp)

	tests := []struct {
		name         string
		img          image.Image
		mimeType     string
		size         int64
		accepted     []string
		faces        Faces
		want         []store.Reason
		wantAnalysis bool
		wantDownload bool
	}{
		{
			name:         "accepted",
			img:          sharp,
			mimeType:     "image/png",
			size:         200_000,
			want:         nil,
			wantAnalysis: true,
			wantDownload: true,
		},
		{
			name:         "bad format and too small skip download",
			img:          sharp,
			mimeType:     "image/gif",
			size:         1000,
			want:         []store.Reason{store.ReasonInvalidFormat, store.ReasonFileTooSmall},
			wantDownload: false,
		},
		{
			name:     "over max size",
			img:      sharp,
			mimeType: "image/png",
			size:     8_000_001,
			want:     []store.Reason{store.ReasonFileTooSmall},
		},
		{
			name:         "resolution too low",
			img:          checkerboard(300, 500, 25),
			mimeType:     "image/png",
			size:         200_000,
			want:         []store.Reason{store.ReasonResolutionTooLow},
			wantAnalysis: true,
			wantDownload: true,
		},
		{
			name:         "duplicate of accepted",
			img:          sharp,
			mimeType:     "image/png",
			size:         200_000,
			accepted:     []string{sharpHash},
			want:         []store.Reason{store.ReasonDuplicateImage},
			wantAnalysis: true,
			wantDownload: true,
		},
		{
			name:         "blurry",
			img:          uniform(500, 500, color.NRGBA{120, 120, 120, 255}),
			mimeType:     "image/png",
			size:         200_000,
			want:         []store.Reason{store.ReasonImageTooBlurry},
			wantAnalysis: true,
			wantDownload: true,
		},
		{
			name:         "multiple faces",
			img:          sharp,
			mimeType:     "image/png",
			size:         200_000,
			faces:        Faces{Count: 2, DominantFraction: 0.3},
			want:         []store.Reason{store.ReasonMultipleFaces},
			wantAnalysis: true,
			wantDownload: true,
		},
		{
			name:         "face too small",
			img:          sharp,
			mimeType:     "image/png",
			size:         200_000,
			faces:        Faces{Count: 1, DominantFraction: 0.05},
			want:         []store.Reason{store.ReasonFaceTooSmall},
			wantAnalysis: true,
			wantDownload: true,
		},
		{
			name:         "reasons accumulate in check order",
			img:          uniform(200, 200, color.NRGBA{10, 10, 10, 255}),
			mimeType:     "image/png",
			size:         200_000,
			faces:        Faces{Count: 3, DominantFraction: 0.01},
			want:         []store.Reason{store.ReasonResolutionTooLow, store.ReasonImageTooBlurry, store.ReasonMultipleFaces, store.ReasonFaceTooSmall},
			wantAnalysis: true,
			wantDownload: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			objects := &fakeObjects{data: map[string][]byte{"k": encodePNG(t, tt.img)}}
			engine := NewEngine(DefaultConfig(), objects, fakeHashes{hashes: tt.accepted},
				WithFaceDetector(StubDetector{Result: tt.faces}))

			res, err := engine.Validate(context.Background(), "k", tt.mimeType, tt.size)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if !slices.Equal(res.Reasons, tt.want) {
				t.Errorf("Reasons = %v, want %v", res.Reasons, tt.want)
			}
			if res.Valid != (len(tt.want) == 0) {
				t.Errorf("Valid = %v with reasons %v", res.Valid, res.Reasons)
			}
			if (res.Analysis != nil) != tt.wantAnalysis {
				t.Errorf("Analysis = %+v, want present=%v", res.Analysis, tt.wantAnalysis)
			}
			if (objects.calls > 0) != tt.wantDownload {
				t.Errorf("downloads = %d, want download=%v", objects.calls, tt.wantDownload)
			}
		})
	}
}

func TestEngineAnalysisFields(t *testing.T) {
	img := checkerboard(640, 480, 20)
	data := encodePNG(t, img)
	engine := NewEngine(DefaultConfig(), &fakeObjects{data: map[string][]byte{"k": data}}, nil)

	res, err := engine.Validate(context.Background(), "k", "image/png", 200_000)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	a := res.Analysis
	if a.Width != 640 || a.Height != 480 {
		t.Errorf("dimensions = %dx%d, want 640x480", a.Width, a.Height)
	}
	if a.MeasuredSize != int64(len(data)) {
		t.Errorf("MeasuredSize = %d, want %d", a.MeasuredSize, len(data))
	}
	if a.PHash != PerceptualHash(img) {
		t.Errorf("PHash = %q, want %q", a.PHash, PerceptualHash(img))
	}
	if a.FaceCount != DefaultStubFaces.Count || a.FaceFraction != DefaultStubFaces.DominantFraction {
		t.Errorf("faces = (%d, %v), want stub defaults", a.FaceCount, a.FaceFraction)
	}
	if a.Camera != "" {
		t.Errorf("Camera = %q, want empty for a file without EXIF", a.Camera)
	}
}

func TestEngineJPEG(t *testing.T) {
	data := encodeJPEG(t, checkerboard(600, 600, 30))
	engine := NewEngine(DefaultConfig(), &fakeObjects{data: map[string][]byte{"k": data}}, fakeHashes{})

	res, err := engine.Validate(context.Background(), "k", "image/jpg", 200_000)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !res.Valid {
		t.Errorf("Valid = false, reasons %v", res.Reasons)
	}
}

func TestEngineHEICTranscodes(t *testing.T) {
	tc := &fakeTranscoder{out: encodePNG(t, checkerboard(500, 500, 25))}
	heic := []byte("not really heic")
	engine := NewEngine(DefaultConfig(), &fakeObjects{data: map[string][]byte{"k": heic}}, fakeHashes{},
		WithTranscoder(tc))

	res, err := engine.Validate(context.Background(), "k", "image/heif", 200_000)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if tc.calls != 1 {
		t.Errorf("transcoder calls = %d, want 1", tc.calls)
	}
	if !res.Valid {
		t.Errorf("Valid = false, reasons %v", res.Reasons)
	}
	if res.Analysis.MeasuredSize != int64(len(heic)) {
		t.Errorf("MeasuredSize = %d, want original byte count %d", res.Analysis.MeasuredSize, len(heic))
	}
}

func TestEngineErrors(t *testing.T) {
	good := map[string][]byte{"k": nil}

	tests := []struct {
		name      string
		objects   *fakeObjects
		hashes    HashSource
		mimeType  string
		tc        Transcoder
		wantKind  apperr.Kind
		wantRetry bool
	}{
		{
			name:      "download fails",
			objects:   &fakeObjects{err: apperr.Storage("s3.Download", errors.New("503"))},
			mimeType:  "image/png",
			wantKind:  apperr.KindStorage,
			wantRetry: true,
		},
		{
			name:     "undecodable bytes",
			objects:  &fakeObjects{data: map[string][]byte{"k": []byte("garbage")}},
			mimeType: "image/png",
			wantKind: apperr.KindImageProcessing,
		},
		{
			name:     "transcode fails",
			objects:  &fakeObjects{data: map[string][]byte{"k": []byte("heic")}},
			mimeType: "image/heic",
			tc:       &fakeTranscoder{err: errors.New("ffmpeg exited 1")},
			wantKind: apperr.KindImageProcessing,
		},
		{
			name:      "hash lookup fails",
			objects:   &fakeObjects{data: good},
			hashes:    fakeHashes{err: errors.New("throttled")},
			mimeType:  "image/png",
			wantKind:  apperr.KindDatabase,
			wantRetry: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.objects.data != nil && tt.objects.data["k"] == nil {
				tt.objects.data = map[string][]byte{"k": encodePNG(t, checkerboard(500, 500, 25))}
			}
			var opts []Option
			if tt.tc != nil {
				opts = append(opts, WithTranscoder(tt.tc))
			}
			engine := NewEngine(DefaultConfig(), tt.objects, tt.hashes, opts...)

			res, err := engine.Validate(context.Background(), "k", tt.mimeType, 200_000)
			if err == nil {
				t.Fatalf("Validate() = %+v, want error", res)
			}
			if got := apperr.KindOf(err); got != tt.wantKind {
				t.Errorf("KindOf() = %v, want %v", got, tt.wantKind)
			}
			if got := apperr.Retryable(err); got != tt.wantRetry {
				t.Errorf("Retryable() = %v, want %v", got, tt.wantRetry)
			}
		})
	}
}

func TestNormalizeMIME(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"image/jpeg", MimeJPEG, true},
		{"image/jpg", MimeJPEG, true},
		{"IMAGE/PNG", MimePNG, true},
		{"image/heif", MimeHEIC, true},
		{"image/heic; charset=binary", MimeHEIC, true},
		{"image/gif", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeMIME(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("NormalizeMIME(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}

	if ext, _ := Extension("image/jpg"); ext != "jpg" {
		t.Errorf("Extension(image/jpg) = %q, want jpg", ext)
	}
	if !IsHEIC("image/heif") || IsHEIC("image/png") {
		t.Error("IsHEIC() misclassified")
	}
}
