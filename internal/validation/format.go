package validation

import "strings"

// Canonical MIME types accepted for upload.
const (
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
	MimeHEIC = "image/heic"
)

// mimeAliases maps every accepted spelling to its canonical type.
var mimeAliases = map[string]string{
	"image/jpeg": MimeJPEG,
	"image/jpg":  MimeJPEG,
	"image/png":  MimePNG,
	"image/heic": MimeHEIC,
	"image/heif": MimeHEIC,
}

// extensions maps canonical types to the storage key extension.
var extensions = map[string]string{
	MimeJPEG: "jpg",
	MimePNG:  "png",
	MimeHEIC: "heic",
}

// NormalizeMIME returns the canonical type for mimeType and whether it is
// an accepted format. Parameters such as "; charset" are ignored.
func NormalizeMIME(mimeType string) (string, bool) {
	base, _, _ := strings.Cut(mimeType, ";")
	canonical, ok := mimeAliases[strings.ToLower(strings.TrimSpace(base))]
	return canonical, ok
}

// Extension returns the storage key extension for an accepted type.
func Extension(mimeType string) (string, bool) {
	canonical, ok := NormalizeMIME(mimeType)
	if !ok {
		return "", false
	}
	return extensions[canonical], true
}

// IsHEIC reports whether mimeType needs transcoding before decode.
func IsHEIC(mimeType string) bool {
	canonical, ok := NormalizeMIME(mimeType)
	return ok && canonical == MimeHEIC
}
