// Package freetext parses short human-typed messages like "3k trà sữa" or
// "mua 1.5tr grab". It is the registry's last-resort catch-all and must be
// registered after every source-specific parser.
package freetext

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/nvqanh/sochitieu/pkg/api"
	"github.com/nvqanh/sochitieu/pkg/extract"
)

var (
	expenseKwRe = regexp.MustCompile(`(?i)chi|thanh\s*toán|mua|trừ|ghi\s*nợ|debit|pos|qr|napas|auto[- ]?debit|thẻ\s*tín\s*dụng|credit\s*card`)
	incomeKwRe  = regexp.MustCompile(`(?i)thu|nhận|ghi\s*có|cộng|nạp|refund|hoàn|reversal`)
	// "credit" alone signals income; "credit card" does not.
	creditRe = regexp.MustCompile(`(?i)credit(\s*card)?`)

	timeOfDayRe = regexp.MustCompile(`\b(\d{1,2}):(\d{2})(?::(\d{2}))?\b`)

	// Bilingual field labels of VPBank-style notices pasted into chat:
	// the value sits on the line above or below the label.
	blockLabels = map[string]*regexp.Regexp{
		"amount":   regexp.MustCompile(`(?i)số\s*tiền\s*thay\s*đổi|changed\s*amount`),
		"merchant": regexp.MustCompile(`(?i)nội\s*dung|transaction\s*content`),
		"time":     regexp.MustCompile(`(?i)thời\s*gian|\btime\b`),
	}

	// Leading transaction verbs stripped from synthesized descriptions.
	leadingVerbs = map[string]struct{}{
		"thêm": {}, "them": {}, "add": {}, "mua": {}, "chi": {},
		"trả": {}, "tra": {}, "spent": {}, "thu": {}, "nhận": {}, "nhan": {},
	}
)

// Parser is the free-text fallback parser.
type Parser struct {
	loc *time.Location
}

// New creates a free-text parser resolving dateless messages in loc.
func New(loc *time.Location) *Parser {
	if loc == nil {
		loc = time.Local
	}
	return &Parser{loc: loc}
}

func (p *Parser) Name() string { return "freetext" }

// Match always succeeds: free text is the last resort.
func (p *Parser) Match(api.Message) bool { return true }

// Parse extracts a record from free text. Labeled blocks win over generic
// scanning; an explicit sign wins over keyword policy; the keyword policy
// flips to income only when an income keyword appears without any expense
// keyword.
func (p *Parser) Parse(msg api.Message) (*api.ExpenseRecord, error) {
	text := strings.TrimSpace(msg.Content())
	if text == "" {
		return nil, nil
	}
	now := time.Now().In(p.loc)

	var (
		abs      int64 = -1
		signHint int
		merchant string
		dateISO  string
		timeISO  string
		span     *extract.Amount
	)

	labeled := labeledBlocks(text)
	if v, ok := labeled["amount"]; ok {
		if a := extract.FindAmount(v); a != nil {
			abs = a.Abs
			signHint = a.SignHint
		}
	}
	if v, ok := labeled["merchant"]; ok {
		merchant = v
	}
	if v, ok := labeled["time"]; ok {
		dateISO = extract.ResolveDate(v, now)
		timeISO = timeOfDay(v)
	}

	if abs < 0 {
		a := extract.FindAmount(text)
		if a == nil {
			return nil, nil
		}
		abs = a.Abs
		span = a
		if signHint == 0 {
			signHint = a.SignHint
		}
	}

	if merchant == "" {
		merchant = extract.FindMerchant(text)
	}
	if merchant == "" && span != nil {
		merchant = stripLeadingVerb(extract.RemoveAmountSpan(text, span.Start, span.End))
	}
	merchant = strings.Trim(stripAmountTokens(merchant), " .;:-+")
	if merchant == "" {
		merchant = "N/A"
	}

	if dateISO == "" {
		dateISO = extract.ResolveDate(text, now)
	}
	if dateISO == "" {
		dateISO = now.Format("2006-01-02")
	}

	sign := signHint
	if sign == 0 {
		sign = defaultSign(text)
	}

	source := api.SourceTgText
	if msg.Body != "" {
		source = api.SourceEmail
	}

	return &api.ExpenseRecord{
		Amount:   int64(sign) * abs,
		Merchant: merchant,
		Date:     dateISO,
		Time:     timeISO,
		Category: "Uncategorized",
		Source:   source,
		Raw:      text,
	}, nil
}

// defaultSign applies the free-text trust policy: income keywords are
// honored, but only when no expense keyword argues otherwise.
func defaultSign(text string) int {
	if hasIncomeKeyword(text) && !expenseKwRe.MatchString(text) {
		return +1
	}
	return -1
}

func hasIncomeKeyword(text string) bool {
	if incomeKwRe.MatchString(text) {
		return true
	}
	for _, m := range creditRe.FindAllStringSubmatch(text, -1) {
		if m[1] == "" {
			return true
		}
	}
	return false
}

func labeledBlocks(text string) map[string]string {
	var lines []string
	for _, ln := range strings.Split(text, "\n") {
		ln = strings.Join(strings.Fields(ln), " ")
		if ln != "" {
			lines = append(lines, ln)
		}
	}
	out := make(map[string]string)
	for i, ln := range lines {
		for key, re := range blockLabels {
			if _, seen := out[key]; seen || !re.MatchString(ln) {
				continue
			}
			if v := pickNeighbor(lines, i); v != "" {
				out[key] = v
			}
		}
	}
	return out
}

// pickNeighbor returns the line after or before a label line, keeping a
// leading "-" so negative amounts survive. The line below is tried first:
// notices lay out label-then-value, and the line above an inner label is
// the previous block's value.
func pickNeighbor(lines []string, i int) string {
	for _, j := range []int{i + 1, i - 1} {
		if j >= 0 && j < len(lines) {
			if v := strings.Trim(lines[j], " •:.;"); v != "" {
				return v
			}
		}
	}
	return ""
}

func stripLeadingVerb(s string) string {
	first, rest, ok := strings.Cut(s, " ")
	if !ok {
		return s
	}
	if _, verb := leadingVerbs[strings.ToLower(first)]; verb {
		return strings.TrimSpace(rest)
	}
	return s
}

var amountTokenRe = regexp.MustCompile(`(?i)\d+(?:[.,]\d+)?\s*(?:nghìn|ngàn|ngan|triệu|tỷ|tr|ty|k|m|b|vnd|vnđ|đồng|đ|₫)`)

// stripAmountTokens removes stray shorthand/currency tokens that survived
// the span cut, e.g. a second amount mention inside the description.
// Tokens glued to trailing letters ("3kg") are kept.
func stripAmountTokens(s string) string {
	spans := amountTokenRe.FindAllStringIndex(s, -1)
	if len(spans) == 0 {
		return s
	}
	var b strings.Builder
	prev := 0
	for _, span := range spans {
		r, _ := utf8.DecodeRuneInString(s[span[1]:])
		if r != utf8.RuneError && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			continue
		}
		b.WriteString(s[prev:span[0]])
		prev = span[1]
	}
	b.WriteString(s[prev:])
	return strings.Join(strings.Fields(b.String()), " ")
}

func timeOfDay(s string) string {
	m := timeOfDayRe.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	hh, mm, ss := m[1], m[2], m[3]
	if ss == "" {
		ss = "00"
	}
	if len(hh) == 1 {
		hh = "0" + hh
	}
	return fmt.Sprintf("%s:%s:%s", hh, mm, ss)
}
