package intake

import (
	"strings"

	"github.com/unicon-campus/unimod/moderation"
)

const (
	DefaultMaxImageBytes int64 = 10 * 1024 * 1024
	DefaultMaxVideoBytes int64 = 500 * 1024 * 1024
)

var imageTypes = map[string]bool{
	"image/jpeg":    true,
	"image/jpg":     true,
	"image/png":     true,
	"image/gif":     true,
	"image/webp":    true,
	"image/svg+xml": true,
}

var videoTypes = map[string]bool{
	"video/mp4":       true,
	"video/webm":      true,
	"video/ogg":       true,
	"video/avi":       true,
	"video/mov":       true,
	"video/wmv":       true,
	"video/quicktime": true,
}

// FileValidator classifies upload metadata against the allow-lists and size limits.
type FileValidator struct {
	MaxImageBytes int64
	MaxVideoBytes int64
}

func NewFileValidator(maxImageBytes, maxVideoBytes int64) *FileValidator {
	if maxImageBytes <= 0 {
		maxImageBytes = DefaultMaxImageBytes
	}
	if maxVideoBytes <= 0 {
		maxVideoBytes = DefaultMaxVideoBytes
	}
	return &FileValidator{MaxImageBytes: maxImageBytes, MaxVideoBytes: maxVideoBytes}
}

// KindOf returns the allow-listed family of a MIME type, if any.
func KindOf(mimeType string) (moderation.FileKind, bool) {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch {
	case imageTypes[mt]:
		return moderation.KindImage, true
	case videoTypes[mt]:
		return moderation.KindVideo, true
	}
	return "", false
}

func (v *FileValidator) CheckFile(mimeType string, size int64) moderation.FileTypeCheck {
	kind, ok := KindOf(mimeType)
	if !ok {
		return moderation.FileTypeCheck{
			Valid:     false,
			RiskLevel: moderation.RiskHigh,
			Error:     moderation.ReasonUnsupportedType,
		}
	}
	limit := v.MaxImageBytes
	if kind == moderation.KindVideo {
		limit = v.MaxVideoBytes
	}
	if size > limit {
		return moderation.FileTypeCheck{
			Valid:     false,
			RiskLevel: moderation.RiskMedium,
			FileType:  kind,
			Error:     moderation.ReasonFileTooLarge,
		}
	}
	return moderation.FileTypeCheck{
		Valid:     true,
		RiskLevel: moderation.RiskLow,
		FileType:  kind,
	}
}
