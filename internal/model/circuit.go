package model

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Circuit is a candidate circuit taken from the encyclopedia listing.
type Circuit struct {
	Name       string   `json:"name"`
	Location   string   `json:"location,omitempty"`
	Country    string   `json:"country,omitempty"`
	GrandsPrix []string `json:"grands_prix,omitempty"`

	// Aliases are operator-supplied extra search names.
	Aliases []string `json:"aliases,omitempty"`
}

var (
	parentheticalRe = regexp.MustCompile(`\s*\([^)]*\)\s*$`)
	nonWordRe       = regexp.MustCompile(`[^\w\s-]`)
	separatorRe     = regexp.MustCompile(`[\s-]+`)
	spaceRe         = regexp.MustCompile(`\s+`)
)

// venueSuffixes are trailing words that OSM names frequently omit.
var venueSuffixes = []string{
	"International Street Circuit",
	"International Circuit",
	"Street Circuit",
	"Grand Prix Circuit",
	"Circuit",
	"Raceway",
	"Motor Speedway",
	"Speedway",
	"Autodrome",
}

// FoldDiacritics returns s with combining marks removed (é -> e, ü -> u).
func FoldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// SafeFilename converts the circuit name into an ASCII file name stem.
func (c Circuit) SafeFilename() string {
	return SafeFilename(c.Name)
}

// SafeFilename converts name into an ASCII file name stem.
func SafeFilename(name string) string {
	decomposed := norm.NFKD.String(name)
	var b strings.Builder
	for _, r := range decomposed {
		if r < unicode.MaxASCII {
			b.WriteRune(r)
		}
	}
	cleaned := nonWordRe.ReplaceAllString(b.String(), "")
	cleaned = separatorRe.ReplaceAllString(cleaned, "_")
	if stem := strings.Trim(cleaned, "_"); stem != "" {
		return stem
	}
	sum := sha256.Sum256([]byte(name))
	return "circuit_" + hex.EncodeToString(sum[:4])
}

// FilenameClashes maps each circuit whose file name stem is already taken by
// an earlier circuit in the list to that earlier circuit's name.
func FilenameClashes(circuits []Circuit) map[string]string {
	owners := make(map[string]string, len(circuits))
	clashes := make(map[string]string)
	for _, c := range circuits {
		stem := strings.ToLower(c.SafeFilename())
		if first, ok := owners[stem]; ok {
			if first != c.Name {
				clashes[c.Name] = first
			}
			continue
		}
		owners[stem] = c.Name
	}
	return clashes
}

// StripDisambiguation removes a trailing parenthetical such as " (France)".
func StripDisambiguation(name string) string {
	return strings.TrimSpace(parentheticalRe.ReplaceAllString(name, ""))
}

// StripVenueSuffix removes a generic trailing venue word ("Circuit", "Raceway").
// The name is returned unchanged if nothing would be left.
func StripVenueSuffix(name string) string {
	lower := strings.ToLower(name)
	for _, suffix := range venueSuffixes {
		s := " " + strings.ToLower(suffix)
		if strings.HasSuffix(lower, s) && len(name) > len(s) {
			return strings.TrimSpace(name[:len(name)-len(s)])
		}
	}
	return name
}

// KnowledgeBaseNames returns the names to look up in the knowledge base, in
// priority order: the circuit name, then its Grands Prix.
func (c Circuit) KnowledgeBaseNames() []string {
	return dedupeNames(append([]string{c.Name}, c.GrandsPrix...))
}

// SearchVariants returns the distinct names worth searching for, in priority
// order: the listed name, its ASCII-folded form, the disambiguation-free form,
// a hyphen-free form, the venue-suffix-free form, then aliases.
func (c Circuit) SearchVariants() []string {
	base := strings.TrimSpace(c.Name)
	noParen := StripDisambiguation(base)

	candidates := []string{
		base,
		FoldDiacritics(base),
		noParen,
		spaceRe.ReplaceAllString(strings.ReplaceAll(noParen, "-", " "), " "),
		StripVenueSuffix(noParen),
	}
	candidates = append(candidates, c.Aliases...)
	return dedupeNames(candidates)
}

// dedupeNames trims names and drops blanks and case-insensitive repeats,
// keeping the first occurrence.
func dedupeNames(candidates []string) []string {
	seen := make(map[string]bool, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, v := range candidates {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}
