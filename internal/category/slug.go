package category

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var translit = map[rune]string{
	'а': "a", 'б': "b", 'в': "v", 'г': "g", 'д': "d", 'е': "e", 'ё': "e",
	'ж': "zh", 'з': "z", 'и': "i", 'й': "y", 'к': "k", 'л': "l", 'м': "m",
	'н': "n", 'о': "o", 'п': "p", 'р': "r", 'с': "s", 'т': "t", 'у': "u",
	'ф': "f", 'х': "h", 'ц': "ts", 'ч': "ch", 'ш': "sh", 'щ': "sch",
	'ь': "", 'ы': "y", 'ъ': "", 'э': "e", 'ю': "yu", 'я': "ya",
	// Ukrainian / Belarusian letters seen in mixed feeds
	'є': "ye", 'і': "i", 'ї': "yi", 'ґ': "g", 'ў': "u",
}

// Transliterate lowercases s and maps Cyrillic letters to Latin.
func Transliterate(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if lat, ok := translit[r]; ok {
			b.WriteString(lat)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Slugify transliterates name, strips diacritics and joins words with '-'.
func Slugify(name string) string {
	s := Transliterate(name)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if out, _, err := transform.String(t, s); err == nil {
		s = out
	}

	var b strings.Builder
	pendingDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		case r == '-' || unicode.IsSpace(r):
			pendingDash = true
		}
	}
	out := strings.Trim(b.String(), "-_")
	if out == "" {
		return "category"
	}
	return out
}

// ChildSlug prefixes the parent's slug.
func ChildSlug(parentSlug, name string) string {
	if parentSlug == "" {
		return Slugify(name)
	}
	return parentSlug + "-" + Slugify(name)
}
