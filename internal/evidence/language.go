package evidence

import (
	"sort"
	"strings"
	"unicode"
)

// languagePatterns maps a language code to a set of high-frequency function
// words used for token-overlap detection. The sets are intentionally small;
// detection only needs to separate the supported languages, not identify
// arbitrary text.
var languagePatterns = map[string][]string{
	"en": {"the", "and", "was", "were", "has", "have", "with", "that", "this", "from", "been", "will", "would", "their", "which"},
	"es": {"el", "la", "los", "las", "que", "por", "con", "una", "del", "para", "este", "esta", "son", "fue", "como"},
	"fr": {"le", "la", "les", "des", "une", "que", "qui", "dans", "pour", "avec", "est", "sont", "cette", "mais", "sur"},
	"pt": {"o", "a", "os", "as", "que", "uma", "com", "por", "para", "não", "mais", "foi", "como", "dos", "das"},
	"sw": {"na", "ya", "wa", "kwa", "ni", "za", "katika", "hii", "hiyo", "lakini", "ambayo", "kuwa", "kama", "hadi", "baada"},
	"ar": {"في", "من", "على", "إلى", "هذا", "هذه", "التي", "الذي", "كان", "قد", "أن", "مع", "عن", "بعد", "حتى"},
	"zh": {"的", "是", "在", "了", "和", "有", "这", "他", "我们", "一个", "不", "对", "也", "被", "将"},
}

// languageCodes fixes the detection order. Scoring must visit languages the
// same way on every call so ratio ties always resolve to the same code.
var languageCodes = func() []string {
	codes := make([]string, 0, len(languagePatterns))
	for code := range languagePatterns {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}()

// SupportedLanguages returns the language codes the detector knows about.
func SupportedLanguages() []string {
	return append([]string(nil), languageCodes...)
}

// tokenize lowercases the content and splits it on anything that is not a
// letter. CJK text has no word boundaries, so single han characters are kept
// as their own tokens.
func tokenize(content string) []string {
	lowered := strings.ToLower(content)
	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	for _, r := range lowered {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r):
			b.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// DetectLanguage scores the content against every supported language's
// pattern set and returns the best-scoring candidate together with its
// pattern-match ratio (matched tokens over total tokens). Ties go to the
// lexicographically smallest code. An empty token set returns ("", 0).
func DetectLanguage(content string) (string, float64) {
	tokens := tokenize(content)
	if len(tokens) == 0 {
		return "", 0
	}

	bestLang := ""
	bestRatio := 0.0
	for _, lang := range languageCodes {
		patterns := languagePatterns[lang]
		matched := 0
		for _, t := range tokens {
			for _, p := range patterns {
				if t == p {
					matched++
					break
				}
			}
		}
		ratio := float64(matched) / float64(len(tokens))
		if ratio > bestRatio {
			bestLang = lang
			bestRatio = ratio
		}
	}
	return bestLang, bestRatio
}
