// Package extract implements the amount, merchant and date heuristics shared
// by all message parsers. Everything here is a pure function over strings.
package extract

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Amount is the best monetary candidate found in a text.
type Amount struct {
	// Abs is the absolute value in đồng.
	Abs int64
	// Start and End are byte offsets of the matched span.
	Start, End int
	// Raw is the matched text.
	Raw string
	// SignHint is -1 or +1 when an explicit sign precedes the match,
	// 0 when the caller must decide the default sign.
	SignHint int
}

var (
	// Shorthand magnitudes: 3k, 1.5tr, 2 tỷ. Longer units listed first so
	// "triệu" is not clipped to "tr".
	shorthandRe = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*(nghìn|ngàn|ngan|triệu|tỷ|tr|ty|k|m|bn|b)`)

	// Grouped-digit currency literal with optional sign and suffix.
	// NBSP and narrow NBSP count as group separators. The whitespace before
	// the suffix lives inside the optional group so a suffix-less match
	// ends on the last digit, not on the next word.
	currencyRe = regexp.MustCompile(`(?i)([+\-−–—])?\s*((?:\d{1,3}(?:[.,\s\x{00A0}\x{202F}]\d{3})+|\d+)(?:[.,]\d{1,2})?)(?:\s*(vnd|vnđ|đ|₫|dong|đồng))?`)

	amountLabelRe = regexp.MustCompile(`(?i)số\s*t[ií]ền|amount|sotien`)
)

func unitMultiplier(unit string) int64 {
	switch strings.ToLower(unit) {
	case "k", "nghìn", "ngàn", "ngan":
		return 1_000
	case "tr", "triệu", "m":
		return 1_000_000
	case "b", "bn", "tỷ", "ty":
		return 1_000_000_000
	}
	return 1
}

// ParseAmountDigits parses a grouped-digit literal into an integer đồng
// value. When both "." and "," appear, "." is the thousands separator and
// the fraction after "," is discarded; otherwise both are stripped.
func ParseAmountDigits(s string) int64 {
	s = strings.NewReplacer(" ", "", "\t", "", " ", "", " ", "").Replace(s)
	if strings.Contains(s, ".") && strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.SplitN(s, ",", 2)[0]
	} else {
		s = strings.NewReplacer(".", "", ",", "").Replace(s)
	}
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0
	}
	n, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// peekSign inspects up to two runes left of idx. An opening bracket
// suppresses the hint so "(50000)" style annotations stay neutral.
func peekSign(text string, idx int) int {
	left := text[:idx]
	var window []rune
	for i := 0; i < 2; i++ {
		r, size := utf8.DecodeLastRuneInString(left)
		if r == utf8.RuneError && size == 0 {
			break
		}
		window = append([]rune{r}, window...)
		left = left[:len(left)-size]
	}
	s := strings.TrimRight(string(window), " \t")
	if s == "" {
		return 0
	}
	switch last, _ := utf8.DecodeLastRuneInString(s); last {
	case '{', '[', '(':
		return 0
	case '-', '−', '–', '—':
		return -1
	case '+':
		return +1
	}
	return 0
}

func signFromToken(tok string) int {
	tok = strings.TrimSpace(tok)
	switch tok {
	case "+":
		return +1
	case "":
		return 0
	}
	return -1
}

// boundaryAfter reports whether the rune following end terminates a token.
func boundaryAfter(text string, end int) bool {
	r, _ := utf8.DecodeRuneInString(text[end:])
	if r == utf8.RuneError {
		return true
	}
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

// FindAmount returns the best amount candidate in text, or nil.
//
// A shorthand literal always wins. Otherwise every grouped-digit currency
// literal is scored by suffix presence, distance to an "amount"-style label
// and position, and the minimum-score candidate is picked.
func FindAmount(text string) *Amount {
	if text == "" {
		return nil
	}

	if m := findShorthand(text); m != nil {
		return m
	}

	labelPos := -1
	if loc := amountLabelRe.FindStringIndex(text); loc != nil {
		labelPos = loc[0]
	}

	var best *Amount
	var bestScore int64
	for _, idx := range currencyRe.FindAllStringSubmatchIndex(text, -1) {
		// The match can open with consumed whitespace; the span starts at
		// the sign when present, else at the first digit.
		start, end := idx[4], idx[1]
		if idx[2] >= 0 {
			start = idx[2]
		}
		numStr := text[idx[4]:idx[5]]
		hasSuffix := idx[6] >= 0

		abs := ParseAmountDigits(numStr)
		if abs <= 0 {
			continue
		}
		if !boundaryAfter(text, end) {
			continue
		}
		// A bare number glued to a letter is an alphanumeric code, not money.
		if !hasSuffix {
			if prev, _ := utf8.DecodeLastRuneInString(text[:start]); prev != utf8.RuneError && unicode.IsLetter(prev) {
				continue
			}
		}

		sign := 0
		if idx[2] >= 0 {
			sign = signFromToken(text[idx[2]:idx[3]])
		}
		if sign == 0 {
			sign = peekSign(text, start)
		}

		dist := int64(9999)
		if labelPos >= 0 {
			dist = int64(start - labelPos)
			if dist < 0 {
				dist = -dist
			}
		}
		suffixPenalty := int64(1)
		if hasSuffix {
			suffixPenalty = 0
		}
		score := suffixPenalty*1_000_000_000 + dist*1_000 + int64(start)

		if best == nil || score < bestScore {
			best = &Amount{Abs: abs, Start: start, End: end, Raw: text[start:end], SignHint: sign}
			bestScore = score
		}
	}
	return best
}

func findShorthand(text string) *Amount {
	for _, idx := range shorthandRe.FindAllStringSubmatchIndex(text, -1) {
		start, end := idx[0], idx[1]
		if !boundaryAfter(text, end) {
			continue
		}
		num := strings.ReplaceAll(text[idx[2]:idx[3]], ",", ".")
		d, err := decimal.NewFromString(num)
		if err != nil {
			continue
		}
		unit := text[idx[4]:idx[5]]
		abs := d.Mul(decimal.NewFromInt(unitMultiplier(unit))).Round(0).IntPart()
		return &Amount{
			Abs:      abs,
			Start:    start,
			End:      end,
			Raw:      text[start:end],
			SignHint: peekSign(text, start),
		}
	}
	return nil
}
