package screening

import (
	"regexp"
	"strings"
	"sync"
)

// Matching thresholds. Canonical-type resolution demands a closer match
// than trigger-condition matching.
const (
	CanonicalThreshold = 0.87
	TriggerThreshold   = 0.8
)

// abbreviations expands clinical shorthand before matching. Expanded
// tokens are exempt from stopword stripping.
var abbreviations = map[string]string{
	"dxa":   "dexa",
	"ekg":   "ecg",
	"echo":  "echocardiogram",
	"a1c":   "hba1c",
	"colo":  "colonoscopy",
	"mammo": "mammogram",
	"psa":   "prostate specific antigen",
	"dre":   "digital rectal exam",
	"pap":   "papanicolaou",
	"cxr":   "chest xray",
	"ct":    "computed tomography",
	"mri":   "magnetic resonance imaging",
	"us":    "ultrasound",
	"bmd":   "bone mineral density",
	"fobt":  "fecal occult blood",
	"fit":   "fecal immunochemical",
	"tdap":  "tetanus diphtheria pertussis",
	"hpv":   "human papillomavirus",
}

// abbreviationTargets holds expansion output tokens, exempt from stopword
// stripping even when they collide with a stopword.
var abbreviationTargets = func() map[string]bool {
	set := make(map[string]bool)
	for _, expansion := range abbreviations {
		for _, tok := range strings.Fields(expansion) {
			set[tok] = true
		}
	}
	return set
}()

var stopwords = map[string]bool{
	"test":      true,
	"testing":   true,
	"tests":     true,
	"scan":      true,
	"screen":    true,
	"screening": true,
	"exam":      true,
	"result":    true,
	"results":   true,
	"report":    true,
	"study":     true,
	"the":       true,
	"of":        true,
	"for":       true,
	"and":       true,
}

var separators = strings.NewReplacer("_", " ", "-", " ", ".", " ", "/", " ")

// Normalize lower-cases, maps separators to spaces, expands abbreviations,
// strips stopwords, and collapses whitespace.
func Normalize(s string) string {
	s = strings.ToLower(separators.Replace(s))

	var out []string
	for _, tok := range strings.Fields(s) {
		if expansion, ok := abbreviations[tok]; ok {
			out = append(out, strings.Fields(expansion)...)
			continue
		}
		if stopwords[tok] && !abbreviationTargets[tok] {
			continue
		}
		out = append(out, tok)
	}
	return strings.Join(out, " ")
}

// ratcliffObershelp is character-level similarity: twice the total length
// of recursively longest common substrings over the combined length.
func ratcliffObershelp(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	matched := commonChars(a, b)
	return 2 * float64(matched) / float64(len(a)+len(b))
}

func commonChars(a, b string) int {
	ai, bi, size := longestCommonSubstring(a, b)
	if size == 0 {
		return 0
	}
	return size +
		commonChars(a[:ai], b[:bi]) +
		commonChars(a[ai+size:], b[bi+size:])
}

func longestCommonSubstring(a, b string) (ai, bi, size int) {
	// Dynamic-programming row sweep; strings here are short normalized
	// phrases so the quadratic cost is immaterial.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
				if curr[j] > size {
					size = curr[j]
					ai = i - size
					bi = j - size
				}
			} else {
				curr[j] = 0
			}
		}
		prev, curr = curr, prev
	}
	return ai, bi, size
}

// tokenJaccard is set similarity over whitespace tokens.
func tokenJaccard(a, b string) float64 {
	as := tokenSet(a)
	bs := tokenSet(b)
	if len(as) == 0 && len(bs) == 0 {
		return 1
	}
	if len(as) == 0 || len(bs) == 0 {
		return 0
	}
	inter := 0
	for tok := range as {
		if bs[tok] {
			inter++
		}
	}
	union := len(as) + len(bs) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		set[tok] = true
	}
	return set
}

// Similarity is the fuzzy score between two already-normalized strings:
// the better of character-level and token-set similarity.
func Similarity(a, b string) float64 {
	ro := ratcliffObershelp(a, b)
	tj := tokenJaccard(a, b)
	if tj > ro {
		return tj
	}
	return ro
}

// FuzzyMatch normalizes both sides and compares against a threshold.
func FuzzyMatch(a, b string, threshold float64) bool {
	return Similarity(Normalize(a), Normalize(b)) >= threshold
}

// keyword regexes are cached; the screening library is small and stable
// within a refresh pass.
var (
	keywordMu    sync.Mutex
	keywordCache = make(map[string]*regexp.Regexp)
)

func keywordPattern(keyword string) (*regexp.Regexp, error) {
	keywordMu.Lock()
	defer keywordMu.Unlock()
	if re, ok := keywordCache[keyword]; ok {
		return re, nil
	}
	words := strings.Fields(keyword)
	escaped := make([]string, len(words))
	for i, w := range words {
		escaped[i] = regexp.QuoteMeta(w)
	}
	// Multi-word keywords must appear as a whitespace-separated sequence.
	re, err := regexp.Compile(`(?i)\b` + strings.Join(escaped, `\s+`) + `\b`)
	if err != nil {
		return nil, err
	}
	keywordCache[keyword] = re
	return re, nil
}

// KeywordMatch reports whether text contains keyword under word-boundary,
// case-insensitive matching.
func KeywordMatch(text, keyword string) bool {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" || text == "" {
		return false
	}
	re, err := keywordPattern(keyword)
	if err != nil {
		return false
	}
	return re.MatchString(text)
}

// AnyKeywordMatch reports whether text matches at least one keyword.
func AnyKeywordMatch(text string, keywords []string) bool {
	for _, kw := range keywords {
		if KeywordMatch(text, kw) {
			return true
		}
	}
	return false
}

// MatchesTrigger reports whether any patient condition matches any of the
// type's trigger conditions at the trigger threshold.
func MatchesTrigger(conditionNames, triggers []string) bool {
	for _, trigger := range triggers {
		nt := Normalize(trigger)
		if nt == "" {
			continue
		}
		for _, cond := range conditionNames {
			if Similarity(Normalize(cond), nt) >= TriggerThreshold {
				return true
			}
		}
	}
	return false
}
