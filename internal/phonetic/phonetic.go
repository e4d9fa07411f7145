// Package phonetic matches recogniser output against configured wake
// phrases by sound rather than by spelling.
//
// Text is normalised in three steps before comparison:
//
//  1. Unicode NFKC composition and full-width folding, so that "ｈｉ" and
//     "hi" compare equal.
//  2. Han characters are romanised to toneless pinyin syllables. Homophones
//     that an ASR engine easily confuses ("小智" and "晓知") collapse to the
//     same key.
//  3. Everything else is lower-cased and split on non-letters.
//
// A phrase matches when its syllable sequence appears in the transcript.
// Fuzzy matching is opt-in: with a non-zero threshold, a window with the
// same syllable count whose Jaro-Winkler similarity reaches the threshold
// is accepted as well. Two-syllable names score high against each other
// ("xiaoliu" scores 0.94 against "xiaoniu").
package phonetic

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
	"github.com/mozillazg/go-pinyin"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// defaultFuzzyThreshold disables fuzzy matching.
const defaultFuzzyThreshold = 0

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for an inexact
// match. Zero, the default, disables fuzzy matching.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

type phrase struct {
	word   string
	tokens []string
	joined string
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phrases        []phrase
	fuzzyThreshold float64
}

// New returns a Matcher for the given wake phrases. Blank phrases are
// ignored.
func New(words []string, opts ...Option) *Matcher {
	m := &Matcher{fuzzyThreshold: defaultFuzzyThreshold}
	for _, o := range opts {
		o(m)
	}
	for _, w := range words {
		toks := Tokens(w)
		if len(toks) == 0 {
			continue
		}
		m.phrases = append(m.phrases, phrase{word: w, tokens: toks, joined: strings.Join(toks, "")})
	}
	return m
}

// Words returns the configured phrases in their original spelling.
func (m *Matcher) Words() []string {
	out := make([]string, len(m.phrases))
	for i, p := range m.phrases {
		out[i] = p.word
	}
	return out
}

// Match reports which wake phrase, if any, occurs in text. An exact
// syllable match scores 1 and wins over any fuzzy candidate; among fuzzy
// candidates the highest score wins.
func (m *Matcher) Match(text string) (word string, score float64, ok bool) {
	toks := Tokens(text)
	if len(toks) == 0 {
		return "", 0, false
	}

	for _, p := range m.phrases {
		if containsSeq(toks, p.tokens) {
			return p.word, 1, true
		}
	}
	if m.fuzzyThreshold <= 0 {
		return "", 0, false
	}

	for _, p := range m.phrases {
		n := len(p.tokens)
		for i := 0; i+n <= len(toks); i++ {
			s := matchr.JaroWinkler(strings.Join(toks[i:i+n], ""), p.joined, false)
			if s >= m.fuzzyThreshold && s > score {
				word, score, ok = p.word, s, true
			}
		}
	}
	return word, score, ok
}

// Normalize applies NFKC composition and width folding.
func Normalize(s string) string {
	return width.Fold.String(norm.NFKC.String(s))
}

var pinyinArgs = pinyin.NewArgs()

// Tokens splits s into phonetic tokens: one toneless pinyin syllable per Han
// character and one lower-case word per run of other letters or digits.
func Tokens(s string) []string {
	s = Normalize(s)

	var (
		toks []string
		han  []rune
		word []rune
	)
	flushHan := func() {
		if len(han) > 0 {
			toks = append(toks, pinyin.LazyPinyin(string(han), pinyinArgs)...)
			han = han[:0]
		}
	}
	flushWord := func() {
		if len(word) > 0 {
			toks = append(toks, strings.ToLower(string(word)))
			word = word[:0]
		}
	}

	for _, r := range s {
		switch {
		case unicode.Is(unicode.Han, r):
			flushWord()
			han = append(han, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushHan()
			word = append(word, r)
		default:
			flushHan()
			flushWord()
		}
	}
	flushHan()
	flushWord()
	return toks
}

func containsSeq(hay, needle []string) bool {
outer:
	for i := 0; i+len(needle) <= len(hay); i++ {
		for j := range needle {
			if hay[i+j] != needle[j] {
				continue outer
			}
		}
		return true
	}
	return false
}
