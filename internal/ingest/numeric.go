package ingest

import (
	"math"
	"strconv"
	"strings"
)

// IsMissing reports whether a raw cell is one of the "no data" sentinels
// used in station exports: empty, "-", or nan/null/none in any case.
func IsMissing(raw string) bool {
	s := strings.TrimSpace(raw)
	if s == "" || s == "-" {
		return true
	}
	switch strings.ToLower(s) {
	case "nan", "null", "none":
		return true
	}
	return false
}

// ParseValue converts a raw cell into a number. Decimal commas are accepted
// and leading "<" / ">" detection-limit markers are dropped, so "<0,05" reads
// as 0.05. It never fails: anything unparseable is reported as not available.
func ParseValue(raw string) (float64, bool) {
	if IsMissing(raw) {
		return 0, false
	}
	s := strings.ReplaceAll(strings.TrimSpace(raw), ",", ".")
	s = strings.TrimLeft(s, "<>")
	s = strings.TrimSpace(s)

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
