package api

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fpang/photo-intake/internal/apperr"
)

// uuidRegex matches a lowercase UUID: 8-4-4-4-12 hex with dashes.
var uuidRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// safeFilenameRegex allows alphanumeric, dots, hyphens, underscores, spaces, and parentheses.
var safeFilenameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._ ()-]{0,254}$`)

func validateImageID(id string) error {
	if !uuidRegex.MatchString(id) {
		return apperr.Validation("api.validateImageID", "invalid imageId: must be a UUID (e.g., a1b2c3d4-e5f6-7890-abcd-ef1234567890)")
	}
	return nil
}

// cleanFilename strips directory components and checks the remaining name.
func cleanFilename(name string) (string, error) {
	const op = "api.cleanFilename"
	if strings.TrimSpace(name) == "" {
		return "", apperr.Validation(op, "filename is required")
	}
	if strings.Contains(name, "..") || strings.Contains(name, "\\") {
		return "", apperr.Validation(op, "filename contains invalid characters")
	}
	name = filepath.Base(name)
	if !safeFilenameRegex.MatchString(name) {
		return "", apperr.Validation(op, "filename contains invalid characters; only alphanumeric, dots, hyphens, underscores, spaces, and parentheses allowed")
	}
	return name, nil
}
