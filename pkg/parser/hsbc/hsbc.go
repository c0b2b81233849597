// Package hsbc parses HSBC Vietnam credit-card purchase notification emails
// (bilingual VI/EN). It anchors on explicit VND currency literals before
// falling back to the generic extractors.
package hsbc

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nvqanh/sochitieu/pkg/api"
	"github.com/nvqanh/sochitieu/pkg/extract"
)

// BankName appears in the composed note, matching the bank's VN brand.
const BankName = "Ngân hàng TNHH một thành viên HSBC (Việt Nam)"

var (
	fromStrictRe = regexp.MustCompile(`(?i)(^|<)\s*hsbc@notification\.hsbc\.com\.hk\s*(>|$)`)
	fromDomainRe = regexp.MustCompile(`(?i)(^|<)[^>]*@(hsbc\.com\.vn|notification\.hsbc\.com)`)
	hsbcRe       = regexp.MustCompile(`(?i)hsbc`)
	txKeywordRe  = regexp.MustCompile(`(?i)giao\s*dịch|has been charged|charged|purchase`)
	refundRe     = regexp.MustCompile(`(?i)refund|hoàn|hoan|credit\s*back|reversal`)

	// "VND397,250" or "397,250 VND", tolerant of NBSP group separators.
	vndPrefixRe = regexp.MustCompile(`(?i)VND\s*([+\-−–—]?\s*[0-9][0-9.,\x{00A0}\x{202F} ]+)`)
	vndSuffixRe = regexp.MustCompile(`(?i)([+\-−–—]?\s*[0-9][0-9.,\x{00A0}\x{202F} ]+)\s*VND`)

	merchantViRe  = regexp.MustCompile(`(?i)tại\s+([A-Za-z0-9_\-*.\s]+?)(?:\s+vào\s+ngày\b|\s+on\b|[,.\n]|$)`)
	merchantEnRe  = regexp.MustCompile(`(?i)\bat\s+(?:merchant\s+)?([A-Za-z0-9_\-*.\s]+?)(?:\s+on\b|[,.\n]|$)`)
	merchantKwRe  = regexp.MustCompile(`(?i)\bmerchant\s+([A-Za-z0-9_\-*.\s]+?)(?:\s+on\b|[,.]|$)`)
	dateAnchorRe  = regexp.MustCompile(`(?i)(?:vào\s+ngày|on)\s+(\d{2}/\d{2}/\d{4})`)
	dateBareRe    = regexp.MustCompile(`\b(\d{2}/\d{2}/\d{4})\b`)
	curBalanceRe  = regexp.MustCompile(`(?i)Dư nợ hiện tại|Your current balance`)
	availLimitRe  = regexp.MustCompile(`(?i)số dư khả dụng|available limit`)
	sentenceSplit = regexp.MustCompile(`[.!?]\s+`)
)

// Parser recognizes HSBC credit-card purchase notices.
type Parser struct {
	loc *time.Location
}

// New creates the HSBC notice parser resolving dates in loc.
func New(loc *time.Location) *Parser {
	if loc == nil {
		loc = time.Local
	}
	return &Parser{loc: loc}
}

func (p *Parser) Name() string { return "hsbc_cc_notice" }

// Match accepts mail from the HSBC notification domains, or any message
// that mentions HSBC together with a transaction keyword.
func (p *Parser) Match(msg api.Message) bool {
	from, subject, body := msg.From, msg.Subject, msg.Body
	if fromStrictRe.MatchString(from) || fromDomainRe.MatchString(from) {
		return true
	}
	hasHsbc := hsbcRe.MatchString(subject) || hsbcRe.MatchString(body)
	return hasHsbc && txKeywordRe.MatchString(subject+" "+body)
}

// Parse extracts the transaction from the notice body.
func (p *Parser) Parse(msg api.Message) (*api.ExpenseRecord, error) {
	body := strings.ReplaceAll(msg.Body, "\r", "")
	if body == "" {
		return nil, nil
	}
	now := time.Now().In(p.loc)

	// Scope the search to the sentence describing the purchase so balance
	// figures further down cannot win.
	txLine := findTxLine(body)

	amt := findVndAmount(txLine)
	if amt == nil {
		amt = findVndAmount(body)
	}
	if amt == nil {
		amt = extract.FindAmount(body)
	}
	if amt == nil {
		return nil, nil
	}

	// Default is a charge. Only an explicit sign or a refund/reversal
	// keyword marks the notice as money coming back.
	sign := -1
	if amt.SignHint != 0 {
		sign = +1
	}
	if refundRe.MatchString(body) {
		sign = +1
	}

	merchant := findMerchant(txLine)
	if merchant == "" {
		merchant = findMerchant(body)
	}
	if merchant == "" {
		merchant = "N/A"
	}

	date := findDate(txLine, now)
	if date == "" {
		date = findDate(body, now)
	}
	if date == "" {
		date = extract.ResolveDate(body, now)
	}

	curBalance := labeledVnd(body, curBalanceRe)
	availLimit := labeledVnd(body, availLimitRe)

	return &api.ExpenseRecord{
		Amount:   int64(sign) * amt.Abs,
		Merchant: merchant,
		Date:     date,
		Category: "Uncategorized",
		Note:     composeNote(curBalance, availLimit),
		Source:   api.SourceEmail,
		Raw:      msg.Body,
	}, nil
}

func findTxLine(body string) string {
	for _, ln := range strings.Split(body, "\n") {
		ln = strings.TrimSpace(ln)
		if ln != "" && txKeywordRe.MatchString(ln) {
			return ln
		}
	}
	for _, s := range sentenceSplit.Split(body, -1) {
		if txKeywordRe.MatchString(s) {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// findVndAmount matches a VND-anchored literal in either order.
func findVndAmount(text string) *extract.Amount {
	if text == "" {
		return nil
	}
	for _, re := range []*regexp.Regexp{vndPrefixRe, vndSuffixRe} {
		idx := re.FindStringSubmatchIndex(text)
		if idx == nil {
			continue
		}
		group := text[idx[2]:idx[3]]
		// The group is greedy over separators; a sentence-ending "." must
		// not be read as a thousands separator.
		group = strings.TrimRight(group, ".,   \t")
		abs := extract.ParseAmountDigits(group)
		if abs <= 0 {
			continue
		}
		return &extract.Amount{
			Abs:      abs,
			Start:    idx[0],
			End:      idx[1],
			Raw:      text[idx[0]:idx[1]],
			SignHint: leadingSign(group),
		}
	}
	return nil
}

func leadingSign(s string) int {
	s = strings.TrimLeft(s, " \t")
	if s == "" {
		return 0
	}
	switch s[0] {
	case '+':
		return +1
	case '-':
		return -1
	}
	if strings.HasPrefix(s, "−") || strings.HasPrefix(s, "–") || strings.HasPrefix(s, "—") {
		return -1
	}
	return 0
}

func findMerchant(text string) string {
	if text == "" {
		return ""
	}
	for _, re := range []*regexp.Regexp{merchantViRe, merchantEnRe, merchantKwRe} {
		if m := re.FindStringSubmatch(text); m != nil {
			if name := strings.TrimSpace(m[1]); name != "" {
				return name
			}
		}
	}
	return extract.FindMerchant(text)
}

func findDate(text string, now time.Time) string {
	if text == "" {
		return ""
	}
	if m := dateAnchorRe.FindStringSubmatch(text); m != nil {
		return extract.ResolveDate(m[1], now)
	}
	if m := dateBareRe.FindStringSubmatch(text); m != nil {
		return extract.ResolveDate(m[1], now)
	}
	return ""
}

// labeledVnd returns the figure next to a balance label, preferring the
// rest of the labeled line, then the whole line, then a cross-line window.
func labeledVnd(body string, labelRe *regexp.Regexp) int64 {
	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		loc := labelRe.FindStringIndex(line)
		if loc == nil {
			continue
		}
		if a := findVndAmount(line[loc[1]:]); a != nil {
			return a.Abs
		}
		if a := findVndAmount(line); a != nil {
			return a.Abs
		}
	}

	// Label and amount split across lines: search a short window after the
	// label anywhere in the document.
	loc := labelRe.FindStringIndex(body)
	if loc == nil {
		return 0
	}
	window := body[loc[1]:]
	if len(window) > 100 {
		window = window[:100]
	}
	if a := findVndAmount(window); a != nil {
		return a.Abs
	}
	return 0
}

func composeNote(curBalance, availLimit int64) string {
	parts := []string{BankName}
	switch {
	case curBalance > 0 && availLimit > 0:
		parts = append(parts, "Dư nợ hiện tại là "+formatVnd(curBalance)+" và số dư khả dụng là "+formatVnd(availLimit))
	case curBalance > 0:
		parts = append(parts, "Dư nợ hiện tại là "+formatVnd(curBalance))
	case availLimit > 0:
		parts = append(parts, "Số dư khả dụng là "+formatVnd(availLimit))
	}
	return strings.Join(parts, ". ")
}

// formatVnd renders an integer đồng value with comma thousands grouping.
func formatVnd(n int64) string {
	s := strconv.FormatInt(n, 10)
	if len(s) <= 3 {
		return s + " VND"
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String() + " VND"
}
