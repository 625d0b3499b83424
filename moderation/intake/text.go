package intake

import (
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/purell"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/unicon-campus/unimod/moderation"
)

var filenameSeparators = regexp.MustCompile(`[_\-.]+`)

// TextValidator matches free text, filenames and URLs against fixed blocklists.
// It is safe for concurrent use.
type TextValidator struct {
	TextPatterns []Pattern
	URLPatterns  []Pattern
}

func NewTextValidator() *TextValidator {
	return &TextValidator{
		TextPatterns: DefaultTextPatterns,
		URLPatterns:  DefaultURLPatterns,
	}
}

// Extend appends extra text terms to the blocklist.
func (v *TextValidator) Extend(terms []string) error {
	extra, err := CompilePatterns(terms)
	if err != nil {
		return err
	}
	v.TextPatterns = append(append([]Pattern{}, v.TextPatterns...), extra...)
	return nil
}

// folds case and strips combining marks, so "Nüde" and "nude" match alike
func foldText(text string) string {
	// transformer holds state, so build one per call
	normFunc := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	lower := strings.ToLower(text)
	out, _, err := transform.String(normFunc, lower)
	if err != nil {
		slog.Warn("unicode normalization error", "err", err)
		return lower
	}
	return out
}

func firstMatch(text string, patterns []Pattern) string {
	for _, p := range patterns {
		if p.Regex.MatchString(text) {
			return p.Name
		}
	}
	return ""
}

func clean() moderation.TextCheck {
	return moderation.TextCheck{Valid: true, RiskLevel: moderation.RiskLow}
}

// CheckText validates a title/description blob.
func (v *TextValidator) CheckText(text string) moderation.TextCheck {
	if m := firstMatch(foldText(text), v.TextPatterns); m != "" {
		return moderation.TextCheck{
			Valid:          false,
			RiskLevel:      moderation.RiskHigh,
			MatchedPattern: m,
			Error:          moderation.ReasonInappropriateText,
		}
	}
	return clean()
}

// CheckFilename validates an original upload filename. Separators are
// treated as spaces before matching.
func (v *TextValidator) CheckFilename(name string) moderation.TextCheck {
	spaced := filenameSeparators.ReplaceAllString(foldText(name), " ")
	if m := firstMatch(spaced, v.TextPatterns); m != "" {
		return moderation.TextCheck{
			Valid:          false,
			RiskLevel:      moderation.RiskHigh,
			MatchedPattern: m,
			Error:          moderation.ReasonSuspiciousFilename,
		}
	}
	return clean()
}

// NormalizeURL canonicalizes a URL before matching. Unparseable input is returned as-is.
func NormalizeURL(raw string) string {
	out, err := purell.NormalizeURLString(strings.TrimSpace(raw), purell.FlagsUsuallySafeGreedy|purell.FlagRemoveFragment|purell.FlagRemoveDuplicateSlashes|purell.FlagDecodeDWORDHost)
	if err != nil {
		return raw
	}
	return out
}

// CheckURL validates one external URL field. Matching covers host, path and
// query, after normalization and percent-decoding.
func (v *TextValidator) CheckURL(raw string) moderation.URLCheck {
	normed := NormalizeURL(raw)
	target := normed
	if dec, err := url.QueryUnescape(normed); err == nil {
		target = dec
	}
	res := moderation.URLCheck{URL: normed, TextCheck: clean()}
	if m := firstMatch(foldText(target), v.URLPatterns); m != "" {
		res.TextCheck = moderation.TextCheck{
			Valid:          false,
			RiskLevel:      moderation.RiskHigh,
			MatchedPattern: m,
			Error:          moderation.ReasonSuspiciousURL,
		}
	}
	return res
}
