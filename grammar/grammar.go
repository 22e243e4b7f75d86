// Package grammar flags likely grammar slips in transcript segments.
package grammar

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"node.town/livespeak/session"
)

const (
	CategoryRepetition     = "repetition"
	CategoryCapitalization = "capitalization"
	CategoryArticle        = "article"
	CategoryAgreement      = "agreement"
	CategoryNegation       = "negation"
)

// Annotator maps a new segment plus a bounded window of earlier segments
// to highlight spans. Implementations must not keep state between calls.
type Annotator interface {
	Annotate(
		sessionID string,
		segment session.Segment,
		context []session.Segment,
	) []session.HighlightSpan
}

var (
	wordPattern        = regexp.MustCompile(`[A-Za-z']+`)
	thirdPersonPattern = regexp.MustCompile(`(?i)\b(he|she|it)\s+(go|have|do|like|want|need|say|make|know|think|come)\b`)
	doubleNegPattern   = regexp.MustCompile(`(?i)\b(don't|doesn't|didn't|can't|won't|isn't|aren't)\s+(\w+\s+)?(no|nothing|nobody|never)\b`)
)

var thirdPersonForms = map[string]string{
	"go":    "goes",
	"have":  "has",
	"do":    "does",
	"like":  "likes",
	"want":  "wants",
	"need":  "needs",
	"say":   "says",
	"make":  "makes",
	"know":  "knows",
	"think": "thinks",
	"come":  "comes",
}

// A base verb after an auxiliary is correct: "does he go".
var auxiliaries = map[string]bool{
	"do":     true,
	"does":   true,
	"did":    true,
	"can":    true,
	"could":  true,
	"will":   true,
	"would":  true,
	"should": true,
	"must":   true,
	"might":  true,
	"may":    true,
	"let":    true,
	"make":   true,
	"makes":  true,
	"made":   true,
	"help":   true,
	"helps":  true,
	"saw":    true,
	"see":    true,
	"watch":  true,
}

var negationFix = map[string]string{
	"no":      "any",
	"nothing": "anything",
	"nobody":  "anybody",
	"never":   "ever",
}

// Words starting with a vowel letter that still take "a".
var consonantSound = map[string]bool{
	"one":        true,
	"once":       true,
	"university": true,
	"unique":     true,
	"use":        true,
	"user":       true,
	"usual":      true,
	"european":   true,
}

// Words starting with a consonant letter that take "an".
var vowelSound = map[string]bool{
	"hour":   true,
	"honest": true,
	"honour": true,
	"honor":  true,
	"heir":   true,
}

type Rules struct{}

func NewRules() *Rules {
	return &Rules{}
}

func (r *Rules) Annotate(
	sessionID string,
	segment session.Segment,
	context []session.Segment,
) []session.HighlightSpan {
	text := segment.Text
	words := wordPattern.FindAllStringIndex(text, -1)

	var spans []session.HighlightSpan
	spans = append(spans, repeatedWords(text, words)...)
	spans = append(spans, pronounCase(text, words)...)
	spans = append(spans, sentenceStart(text, words, context)...)
	spans = append(spans, articles(text, words)...)
	spans = append(spans, agreement(text)...)
	spans = append(spans, doubleNegatives(text)...)

	for i := range spans {
		spans[i].SegmentSeq = segment.Seq
	}
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Start == spans[j].Start {
			return spans[i].End < spans[j].End
		}
		return spans[i].Start < spans[j].Start
	})
	return spans
}

func repeatedWords(text string, words [][]int) []session.HighlightSpan {
	var spans []session.HighlightSpan
	for i := 1; i < len(words); i++ {
		prev := text[words[i-1][0]:words[i-1][1]]
		cur := text[words[i][0]:words[i][1]]
		if !strings.EqualFold(prev, cur) {
			continue
		}
		// Only whitespace between the two words counts.
		if strings.TrimSpace(text[words[i-1][1]:words[i][0]]) != "" {
			continue
		}
		spans = append(spans, session.HighlightSpan{
			Start:      words[i-1][0],
			End:        words[i][1],
			Category:   CategoryRepetition,
			Suggestion: prev,
			Confidence: 0.9,
		})
	}
	return spans
}

func pronounCase(text string, words [][]int) []session.HighlightSpan {
	var spans []session.HighlightSpan
	for _, w := range words {
		word := text[w[0]:w[1]]
		if word == "i" || strings.HasPrefix(word, "i'") {
			spans = append(spans, session.HighlightSpan{
				Start:      w[0],
				End:        w[1],
				Category:   CategoryCapitalization,
				Suggestion: "I" + word[1:],
				Confidence: 0.95,
			})
		}
	}
	return spans
}

// sentenceStart flags a lowercase first word when the segment opens a
// new sentence: either nothing came before it or the previous segment
// ended with terminal punctuation.
func sentenceStart(
	text string,
	words [][]int,
	context []session.Segment,
) []session.HighlightSpan {
	if len(words) == 0 {
		return nil
	}
	if len(context) > 0 {
		prev := strings.TrimSpace(context[len(context)-1].Text)
		if prev != "" && !strings.ContainsAny(prev[len(prev)-1:], ".!?") {
			return nil
		}
	}

	first := text[words[0][0]:words[0][1]]
	if first == "i" || strings.HasPrefix(first, "i'") {
		// already reported by pronounCase
		return nil
	}
	r, size := utf8.DecodeRuneInString(first)
	if !unicode.IsLower(r) {
		return nil
	}
	return []session.HighlightSpan{{
		Start:      words[0][0],
		End:        words[0][1],
		Category:   CategoryCapitalization,
		Suggestion: string(unicode.ToUpper(r)) + first[size:],
		Confidence: 0.6,
	}}
}

func articles(text string, words [][]int) []session.HighlightSpan {
	var spans []session.HighlightSpan
	for i := 0; i+1 < len(words); i++ {
		article := text[words[i][0]:words[i][1]]
		next := strings.ToLower(text[words[i+1][0]:words[i+1][1]])
		lower := strings.ToLower(article)
		if lower != "a" && lower != "an" {
			continue
		}

		wantAn := startsWithVowelSound(next)
		var suggestion string
		switch {
		case lower == "a" && wantAn:
			suggestion = "an"
		case lower == "an" && !wantAn:
			suggestion = "a"
		default:
			continue
		}
		if unicode.IsUpper(rune(article[0])) {
			suggestion = strings.ToUpper(suggestion[:1]) + suggestion[1:]
		}
		spans = append(spans, session.HighlightSpan{
			Start:      words[i][0],
			End:        words[i][1],
			Category:   CategoryArticle,
			Suggestion: suggestion,
			Confidence: 0.8,
		})
	}
	return spans
}

func startsWithVowelSound(word string) bool {
	if word == "" {
		return false
	}
	if vowelSound[word] {
		return true
	}
	if consonantSound[word] {
		return false
	}
	return strings.ContainsRune("aeiou", rune(word[0]))
}

func agreement(text string) []session.HighlightSpan {
	var spans []session.HighlightSpan
	for _, m := range thirdPersonPattern.FindAllStringSubmatchIndex(text, -1) {
		if auxiliaries[strings.ToLower(previousWord(text, m[2]))] {
			continue
		}
		verbStart, verbEnd := m[4], m[5]
		verb := strings.ToLower(text[verbStart:verbEnd])
		spans = append(spans, session.HighlightSpan{
			Start:      verbStart,
			End:        verbEnd,
			Category:   CategoryAgreement,
			Suggestion: thirdPersonForms[verb],
			Confidence: 0.75,
		})
	}
	return spans
}

func doubleNegatives(text string) []session.HighlightSpan {
	var spans []session.HighlightSpan
	for _, m := range doubleNegPattern.FindAllStringSubmatchIndex(text, -1) {
		negStart, negEnd := m[6], m[7]
		neg := strings.ToLower(text[negStart:negEnd])
		spans = append(spans, session.HighlightSpan{
			Start:      negStart,
			End:        negEnd,
			Category:   CategoryNegation,
			Suggestion: negationFix[neg],
			Confidence: 0.7,
		})
	}
	return spans
}

func previousWord(text string, before int) string {
	words := wordPattern.FindAllString(text[:before], -1)
	if len(words) == 0 {
		return ""
	}
	return words[len(words)-1]
}
