package intake

import (
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/unicon-campus/unimod/moderation"
)

// sniffed types that are never a legitimate image or video payload
var executableTypes = []string{
	"application/x-msdownload",
	"application/vnd.microsoft.portable-executable",
	"application/x-elf",
	"application/x-mach-binary",
	"application/x-sh",
	"text/html",
}

func suspiciousMetadata(declared, detected, msg string) moderation.MetadataCheck {
	return moderation.MetadataCheck{
		DeclaredType: declared,
		DetectedType: detected,
		Suspicious:   true,
		RiskLevel:    moderation.RiskMedium,
		Error:        msg,
	}
}

// AnalyzeMetadata sniffs the head of a stored upload and compares it with the
// declared MIME type. A read failure counts as suspicious.
func AnalyzeMetadata(r io.Reader, declared string) moderation.MetadataCheck {
	mt, err := mimetype.DetectReader(r)
	if err != nil {
		return suspiciousMetadata(declared, "", "metadata read failed: "+err.Error())
	}
	detected := mt.String()
	for _, bad := range executableTypes {
		if mt.Is(bad) {
			return suspiciousMetadata(declared, detected, "executable content")
		}
	}

	declaredKind, ok := KindOf(declared)
	if !ok {
		// unsupported types were already rejected, nothing to compare against
		return moderation.MetadataCheck{DeclaredType: declared, DetectedType: detected, RiskLevel: moderation.RiskLow}
	}
	// svg is xml text, and plenty of video containers sniff as generic octet streams
	generic := mt.Is("application/octet-stream") || strings.HasPrefix(detected, "text/xml") || mt.Is("image/svg+xml")
	if !generic {
		var detectedKind moderation.FileKind
		for m := mt; m != nil; m = m.Parent() {
			if strings.HasPrefix(m.String(), "image/") {
				detectedKind = moderation.KindImage
				break
			}
			if strings.HasPrefix(m.String(), "video/") || strings.HasPrefix(m.String(), "audio/") {
				detectedKind = moderation.KindVideo
				break
			}
		}
		if detectedKind != declaredKind {
			return suspiciousMetadata(declared, detected, "content does not match declared type")
		}
	}
	return moderation.MetadataCheck{DeclaredType: declared, DetectedType: detected, RiskLevel: moderation.RiskLow}
}
