package extract

import (
	"regexp"
	"strings"
)

// Labeled-field patterns for counterparty/description, tried in order.
// Vietnamese banking notices label the field NỘI DUNG / MÔ TẢ / DIỄN GIẢI;
// free text tends to use TẠI / Ở, card notices MERCHANT / POS.
var merchantRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:NỘI\s*DUNG|NOI\s*DUNG|ND|ND\s*GD|NỘI\s*DUNG\s*GD)[:\-]\s*([^.;\n]+)`),
	regexp.MustCompile(`(?i)(?:MÔ\s*TẢ|MO\s*TA|DIỄN\s*GIẢI|DIEN\s*GIAI|DG)[:\-]\s*([^.;\n]+)`),
	regexp.MustCompile(`(?i)(?:TẠI|TAI|Ở|O)\s+([^.;\n]+)`),
	regexp.MustCompile(`(?i)(?:MERCHANT|POS|NAPAS|QR)[:\s]+([^.;\n]+)`),
	regexp.MustCompile(`(?i)(?:FROM|TỪ|TU)[:\s]+([^.;\n]+)`),
}

var (
	punctRe = regexp.MustCompile(`[\-–—:|()\[\]<>~]+`)
	wsRe    = regexp.MustCompile(`\s+`)
)

// FindMerchant returns the first labeled-field match, or "" when no pattern
// matches. Callers fall back to RemoveAmountSpan and finally to a sentinel.
func FindMerchant(text string) string {
	for _, re := range merchantRes {
		if m := re.FindStringSubmatch(text); m != nil {
			name := wsRe.ReplaceAllString(strings.TrimSpace(m[1]), " ")
			name = strings.Trim(name, " .;:-")
			if name != "" {
				return name
			}
		}
	}
	return ""
}

// RemoveAmountSpan synthesizes a description by cutting the amount span out
// of the text and collapsing leftover punctuation.
func RemoveAmountSpan(text string, start, end int) string {
	if start < 0 || end > len(text) || start > end {
		return ""
	}
	s := text[:start] + " " + text[end:]
	s = punctRe.ReplaceAllString(s, " ")
	s = wsRe.ReplaceAllString(s, " ")
	return strings.Trim(s, " .;:-\n\t")
}
