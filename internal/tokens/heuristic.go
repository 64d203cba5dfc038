package tokens

import (
	"math"
	"unicode"
)

// Characters per token, per script class. Calibrated against cl100k counts on
// mixed Korean/English chat transcripts.
const (
	cjkCharsPerToken   = 1.5
	latinCharsPerToken = 4.0
	digitCharsPerToken = 3.0
	otherCharsPerToken = 5.0
)

// Heuristic estimates tokens from character classes alone.
func Heuristic(text string) int {
	if text == "" {
		return 0
	}
	var cjk, latin, digit, other int
	for _, r := range text {
		switch {
		case isCJK(r):
			cjk++
		case unicode.IsLetter(r) && unicode.Is(unicode.Latin, r):
			latin++
		case unicode.IsDigit(r), unicode.IsPunct(r), unicode.IsSymbol(r):
			digit++
		default:
			other++
		}
	}
	total := float64(cjk)/cjkCharsPerToken +
		float64(latin)/latinCharsPerToken +
		float64(digit)/digitCharsPerToken +
		float64(other)/otherCharsPerToken
	n := int(math.Ceil(total))
	if n < 1 {
		n = 1
	}
	return n
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hangul, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r)
}
