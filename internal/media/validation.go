package media

import (
	"fmt"
	"slices"
	"strings"
	"unicode"
)

const (
	MaxFileSize       = 100 << 20
	MaxFilenameLength = 210

	// octetStream is accepted for any file type not listed below.
	octetStream = "application/octet-stream"
)

var supportedMimeTypes = []string{
	"image/png", "image/jpeg", "image/gif", "image/webp", "image/bmp",
	"image/x-icon", "image/tiff", "image/x-farbfeld", "image/avif", "image/qoi",
	"video/mp4", "video/quicktime", "video/x-matroska", "video/webm", "video/x-msvideo", "video/ogg",
	"audio/ogg", "audio/flac", "audio/x-flac", "audio/aac", "audio/mp4", "audio/webm",
	"audio/mpeg", "audio/wav", "audio/x-matroska",
	"application/pdf", "text/plain",
}

// CanonicalMimeType lowercases mimeType and strips parameters. Types
// outside the supported set are rejected.
func CanonicalMimeType(mimeType string) (string, error) {
	canonical := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(canonical, ';'); i >= 0 {
		canonical = strings.TrimSpace(canonical[:i])
	}
	if !strings.Contains(canonical, "/") || len(canonical) > 100 {
		return "", fmt.Errorf("%w: %q", ErrInvalidMimeType, mimeType)
	}
	if canonical != octetStream && !slices.Contains(supportedMimeTypes, canonical) {
		return "", fmt.Errorf("%w: %q", ErrInvalidMimeType, canonical)
	}
	return canonical, nil
}

func validateFilename(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidFilename)
	case len(name) > MaxFilenameLength:
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidFilename, len(name), MaxFilenameLength)
	case strings.ContainsAny(name, `/\`) || strings.ContainsFunc(name, unicode.IsControl):
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return nil
}
