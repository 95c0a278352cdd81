package shadow

// homoglyphFold maps Cyrillic, Greek, Latin-extended, Armenian, fullwidth
// Latin/digit, and selected mathematical-bold codepoints to their ASCII
// look-alikes (spec §4.3 step 6). This is not exhaustive Unicode
// confusables coverage — it targets the characters attackers actually use
// to slip instruction-override phrases past literal ASCII pattern matches.
var homoglyphFold = map[rune]rune{
	// Cyrillic look-alikes for Latin letters.
	'а': 'a', 'А': 'A',
	'е': 'e', 'Е': 'E',
	'о': 'o', 'О': 'O',
	'р': 'p', 'Р': 'P',
	'с': 'c', 'С': 'C',
	'у': 'y', 'У': 'Y',
	'х': 'x', 'Х': 'X',
	'і': 'i', 'І': 'I',
	'ј': 'j', 'Ј': 'J',
	'ѕ': 's', 'Ѕ': 'S',
	'к': 'k', 'К': 'K',
	'м': 'm', 'М': 'M',
	'н': 'h', 'Н': 'H',
	'т': 't', 'Т': 'T',
	'в': 'b', 'В': 'B',

	// Greek look-alikes.
	'α': 'a', 'Α': 'A',
	'β': 'b', 'Β': 'B',
	'ε': 'e', 'Ε': 'E',
	'ο': 'o', 'Ο': 'O',
	'ρ': 'p', 'Ρ': 'P',
	'τ': 't', 'Τ': 'T',
	'υ': 'u', 'Υ': 'Y',
	'χ': 'x', 'Χ': 'X',
	'ι': 'i', 'Ι': 'I',
	'κ': 'k', 'Κ': 'K',
	'ν': 'v', 'Ν': 'N',

	// Latin-extended look-alikes (diacritics stripped).
	'à': 'a', 'á': 'a', 'â': 'a', 'ã': 'a', 'ä': 'a', 'å': 'a',
	'è': 'e', 'é': 'e', 'ê': 'e', 'ë': 'e',
	'ì': 'i', 'í': 'i', 'î': 'i', 'ï': 'i',
	'ò': 'o', 'ó': 'o', 'ô': 'o', 'õ': 'o', 'ö': 'o',
	'ù': 'u', 'ú': 'u', 'û': 'u', 'ü': 'u',
	'ñ': 'n', 'ç': 'c', 'ý': 'y',

	// Armenian look-alikes.
	'օ': 'o', 'Օ': 'O',
	'ս': 's',
	'ի': 'i',
	'լ': 'l',

	// Fullwidth Latin letters (U+FF21-FF3A, U+FF41-FF5A) and digits
	// (U+FF10-FF19) are folded programmatically in foldRune; the table
	// above covers the confusables that fall outside that contiguous
	// range.

	// Selected mathematical bold/italic letters (a small sample of the
	// much larger mathematical alphanumeric symbols block).
	'𝐚': 'a', '𝐀': 'A', '𝐛': 'b', '𝐁': 'B', '𝐜': 'c', '𝐂': 'C',
	'𝒂': 'a', '𝑨': 'A',
}

// foldRune applies homoglyphFold plus the contiguous fullwidth ranges.
func foldRune(r rune) rune {
	if folded, ok := homoglyphFold[r]; ok {
		return folded
	}
	switch {
	case r >= 0xFF21 && r <= 0xFF3A: // fullwidth A-Z
		return 'A' + (r - 0xFF21)
	case r >= 0xFF41 && r <= 0xFF5A: // fullwidth a-z
		return 'a' + (r - 0xFF41)
	case r >= 0xFF10 && r <= 0xFF19: // fullwidth 0-9
		return '0' + (r - 0xFF10)
	}
	return r
}

func homoglyphFoldString(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		out = append(out, foldRune(r))
	}
	return string(out)
}
