// Package flags resolves country names to flag emoji. The lookup table is
// built once at startup from Unicode CLDR region names (Russian and English)
// and injected where needed, instead of hiding a process-wide cache behind a
// package function.
package flags

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Lookup maps lowercased country names to ISO 3166-1 alpha-2 codes.
type Lookup struct {
	byName map[string]string
}

// NewLookup builds the name table for every known two-letter region, in
// Russian and English.
func NewLookup() *Lookup {
	namers := []display.Namer{
		display.Regions(language.Russian),
		display.Regions(language.English),
	}

	byName := make(map[string]string)
	for a := 'A'; a <= 'Z'; a++ {
		for b := 'A'; b <= 'Z'; b++ {
			code := string(a) + string(b)
			region, err := language.ParseRegion(code)
			if err != nil {
				continue
			}
			for _, n := range namers {
				name := n.Name(region)
				if name == "" || name == code {
					continue
				}
				byName[strings.ToLower(name)] = code
			}
		}
	}

	return &Lookup{byName: byName}
}

// Flag returns the flag emoji for a country name, or "" when the name is
// unknown in both languages.
func (l *Lookup) Flag(countryName string) string {
	code, ok := l.byName[strings.ToLower(strings.TrimSpace(countryName))]
	if !ok {
		return ""
	}
	return isoFlag(code)
}

// SongFlag derives a flag from a song's display name, conventionally
// "Country — Artist — Track".
func (l *Lookup) SongFlag(songName string) string {
	return l.Flag(ExtractCountry(songName))
}

// ExtractCountry returns the leading country segment of a song name. Em
// dash, en dash and hyphen all separate segments.
func ExtractCountry(songName string) string {
	rest := songName
	if i := strings.IndexAny(songName, "—–-"); i >= 0 {
		rest = songName[:i]
	}
	return strings.TrimSpace(rest)
}

// isoFlag maps a two-letter code onto regional indicator symbols.
func isoFlag(code string) string {
	const base = 127397
	var sb strings.Builder
	for _, c := range strings.ToUpper(code) {
		sb.WriteRune(base + c)
	}
	return sb.String()
}
