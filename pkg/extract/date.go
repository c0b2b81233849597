package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var (
	ymdRe = regexp.MustCompile(`\b(\d{4})[/-](\d{1,2})[/-](\d{1,2})\b`)
	dmyRe = regexp.MustCompile(`\b(\d{1,2})[/-](\d{1,2})(?:[/-](\d{2,4}))?\b`)
)

// ResolveDate normalizes the first date fragment in text to YYYY-MM-DD.
// Y-M-D literals win over D/M[/Y] literals; a missing year defaults to the
// year of now, and a 2-digit year below 70 maps into 2000-2069. Impossible
// calendar dates resolve to "", as does text with no date at all;
// callers default to "today" in their configured zone.
func ResolveDate(text string, now time.Time) string {
	if m := ymdRe.FindStringSubmatch(text); m != nil {
		y, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		d, _ := strconv.Atoi(m[3])
		return isoOrEmpty(y, mo, d)
	}
	if m := dmyRe.FindStringSubmatch(text); m != nil {
		d, _ := strconv.Atoi(m[1])
		mo, _ := strconv.Atoi(m[2])
		y := now.Year()
		if m[3] != "" {
			y, _ = strconv.Atoi(m[3])
			if len(m[3]) == 2 {
				if y < 70 {
					y += 2000
				} else {
					y += 1900
				}
			}
		}
		return isoOrEmpty(y, mo, d)
	}
	return ""
}

func isoOrEmpty(y, mo, d int) string {
	t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
	if t.Year() != y || int(t.Month()) != mo || t.Day() != d {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", y, mo, d)
}
