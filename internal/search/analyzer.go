package search

import (
	"regexp"
	"strings"
	"unicode"
)

// minFuzzyQueryLen is the shortest query that triggers approximate search.
// Interactive typing fires a query per keystroke; 1-2 character prefixes
// fuzzy-match nearly the whole corpus and flood the result list.
const minFuzzyQueryLen = 3

// Tokenize lowercases text and extracts maximal runs of Unicode letters and
// digits. Every other character is a separator. Empty input yields nil.
func Tokenize(text string) []string {
	var tokens []string
	var b strings.Builder
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}

// ShouldUseFuzzy reports whether approximate retrieval should run for a
// query. Trimmed queries under three characters, or queries with no
// tokenizable content, skip the fuzzy pass.
func ShouldUseFuzzy(query string) bool {
	trimmed := strings.TrimSpace(query)
	if len([]rune(trimmed)) < minFuzzyQueryLen {
		return false
	}
	return len(Tokenize(trimmed)) > 0
}

// ExactSignals describes how a query matched a haystack.
type ExactSignals struct {
	Literal bool `json:"literal"` // raw query verbatim, punctuation included
	Phrase  bool `json:"phrase"`  // tokens adjacent and in order, separators may vary
	Tokens  bool `json:"tokens"`  // every token present somewhere
	Fuzzy   bool `json:"fuzzy"`   // corroborated or found by the fuzzy index
}

// DetermineExactSignals compares a raw query against a haystack and reports
// which exactness levels hold. Comparison is case-insensitive.
func DetermineExactSignals(query, haystack string) ExactSignals {
	var sig ExactSignals

	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return sig
	}
	hay := strings.ToLower(haystack)

	// Literal catches exact runs including punctuation, e.g. a hyphenated
	// technical term typed exactly as it appears.
	sig.Literal = strings.Contains(hay, q)

	tokens := Tokenize(q)
	if len(tokens) == 0 {
		return sig
	}

	sig.Tokens = true
	for _, tok := range tokens {
		if !strings.Contains(hay, tok) {
			sig.Tokens = false
			break
		}
	}

	if len(tokens) >= 2 {
		sig.Phrase = matchesPhrase(tokens, hay)
	}

	return sig
}

// matchesPhrase reports whether tokens appear adjacent and in order,
// tolerating punctuation variation between them ("wa sqlite" matches
// "wa-sqlite"). Tokens are escaped before regex assembly so user input
// cannot inject pattern syntax; a failed compile degrades to false.
func matchesPhrase(tokens []string, hay string) bool {
	if strings.Contains(hay, strings.Join(tokens, " ")) {
		return true
	}

	escaped := make([]string, len(tokens))
	for i, tok := range tokens {
		escaped[i] = regexp.QuoteMeta(tok)
	}
	re, err := regexp.Compile(strings.Join(escaped, `[^\p{L}\p{N}]+`))
	if err != nil {
		return false
	}
	return re.MatchString(hay)
}

// BuildMatchQuery converts a raw query into an FTS5 match expression with
// each token quoted and implicitly ANDed. Tokens shorter than three
// characters are dropped when a longer token exists: a 2-letter fragment of
// a hyphenated compound matches far too broadly and swamps precision. When
// every token is short they are all kept — over-matching beats returning
// nothing. Returns "" when there is nothing to search for.
func BuildMatchQuery(query string) string {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return ""
	}

	hasLong := false
	for _, tok := range tokens {
		if len([]rune(tok)) >= minFuzzyQueryLen {
			hasLong = true
			break
		}
	}

	var kept []string
	for _, tok := range tokens {
		if hasLong && len([]rune(tok)) < minFuzzyQueryLen {
			continue
		}
		kept = append(kept, `"`+tok+`"`)
	}
	return strings.Join(kept, " ")
}
