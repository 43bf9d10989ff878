package ingest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Period is the (year, month) a report covers.
type Period struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

type monthName struct {
	name  string
	month time.Month
}

// filenameMonths are transliterated Ukrainian month names as they appear in
// published report filenames ("shchodenni-za-lipen-2024.csv"). Order matters:
// the first substring match wins.
var filenameMonths = []monthName{
	{"sichen", time.January}, {"siichen", time.January},
	{"liutii", time.February}, {"lyutiy", time.February},
	{"berezn", time.March}, {"berezne", time.March},
	{"kviten", time.April},
	{"traven", time.May},
	{"cherven", time.June},
	{"lipen", time.July}, {"lypen", time.July},
	{"serpen", time.August},
	{"veresen", time.September},
	{"zhovten", time.October},
	{"listopad", time.November}, {"lystopad", time.November},
	{"gruden", time.December},
}

// headerMonths are the English month names used in "1July" style column headers.
var headerMonths = map[string]time.Month{
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"may": time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sep": time.September, "sept": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

var (
	filenameYearRe = regexp.MustCompile(`20\d{2}`)
	dayMonthRe     = regexp.MustCompile(`^(\d+)([A-Za-z]+)$`)
	digitsRe       = regexp.MustCompile(`^\d+$`)
	yearMonthRe    = regexp.MustCompile(`^(\d{4})[-./](\d{1,2})$`)
)

// PeriodFromFilename infers the report period from its filename. Missing
// year or month fall back to now.
func PeriodFromFilename(filename string, now time.Time) Period {
	name := strings.ToLower(filename)

	p := Period{Year: now.Year(), Month: now.Month()}
	if m := filenameYearRe.FindString(name); m != "" {
		p.Year, _ = strconv.Atoi(m)
	}
	for _, mn := range filenameMonths {
		if strings.Contains(name, mn.name) {
			p.Month = mn.month
			break
		}
	}
	return p
}

// ResolveHeader maps a column header to the day it holds. "15July" uses the
// header's month with def.Year; "15" uses def.Year and def.Month. Anything
// else, or a day that does not exist in that month, is not a date column.
func ResolveHeader(header string, def Period) (time.Time, bool) {
	h := strings.TrimSpace(header)

	if m := dayMonthRe.FindStringSubmatch(h); m != nil {
		month, ok := headerMonths[strings.ToLower(m[2])]
		if !ok {
			return time.Time{}, false
		}
		day, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, false
		}
		return calendarDate(def.Year, month, day)
	}

	if digitsRe.MatchString(h) {
		day, err := strconv.Atoi(h)
		if err != nil {
			return time.Time{}, false
		}
		return calendarDate(def.Year, def.Month, day)
	}

	return time.Time{}, false
}

// parseYearMonth reads a "2025-06" style month context cell.
func parseYearMonth(raw string) (Period, bool) {
	m := yearMonthRe.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return Period{}, false
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	if month < 1 || month > 12 {
		return Period{}, false
	}
	return Period{Year: year, Month: time.Month(month)}, true
}

var explicitDateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"02/01/2006",
	"2006/01/02",
	"2.1.2006",
}

// parseExplicitDate reads the date cell of a long-format report.
func parseExplicitDate(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range explicitDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// calendarDate rejects days that time.Date would silently roll over.
func calendarDate(year int, month time.Month, day int) (time.Time, bool) {
	if day < 1 || day > 31 {
		return time.Time{}, false
	}
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	if t.Month() != month || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}
