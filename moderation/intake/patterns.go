package intake

import (
	"regexp"
)

// Pattern is one blocklist entry. Name is what gets recorded as the matched pattern.
type Pattern struct {
	Name  string
	Regex *regexp.Regexp
}

func mustPatterns(exprs map[string]string, order []string) []Pattern {
	out := make([]Pattern, 0, len(order))
	for _, name := range order {
		out = append(out, Pattern{Name: name, Regex: regexp.MustCompile("(?i)" + exprs[name])})
	}
	return out
}

// terms matched against titles, descriptions and filenames. short words that
// commonly occur inside innocent words are anchored at word boundaries.
var textTermOrder = []string{
	"adult", "nsfw", "porn", "xxx", "explicit", "nude", "sexy", "hot",
	"fetish", "bdsm", "erotic", "intimate", "private", "personal", "naked", "undressed",
}

var textTermExprs = map[string]string{
	"adult":     `adult`,
	"nsfw":      `nsfw`,
	"porn":      `porn`,
	"xxx":       `xxx`,
	"explicit":  `explicit`,
	"nude":      `nude`,
	"sexy":      `sexy`,
	"hot":       `\bhot\b`,
	"fetish":    `fetish`,
	"bdsm":      `bdsm`,
	"erotic":    `erotic`,
	"intimate":  `intimate`,
	"private":   `private`,
	"personal":  `personal`,
	"naked":     `naked`,
	"undressed": `undressed`,
}

var urlTermOrder = []string{"adult", "porn", "xxx", "nsfw", "nude", "sexy", "explicit"}

// DefaultTextPatterns is the blocklist for free text and filenames.
var DefaultTextPatterns = mustPatterns(textTermExprs, textTermOrder)

// DefaultURLPatterns is the blocklist for external URLs.
var DefaultURLPatterns = mustPatterns(textTermExprs, urlTermOrder)

// CompilePatterns builds a case-insensitive pattern list from plain terms, for
// operator-supplied extensions to the defaults.
func CompilePatterns(terms []string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(terms))
	for _, t := range terms {
		re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(t))
		if err != nil {
			return nil, err
		}
		out = append(out, Pattern{Name: t, Regex: re})
	}
	return out, nil
}
