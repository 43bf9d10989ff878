package ingest

import (
	"strings"
	"time"
)

// Report column names. Matching is case-insensitive.
const (
	colLocation  = "city"
	colPoint     = "coordinatenumber"
	colPollutant = "nameimpurity"
	colYearMonth = "yearmonth"
	colDate      = "date"
	colValue     = "value"
)

var metadataColumns = map[string]bool{
	colLocation:  true,
	colPoint:     true,
	colPollutant: true,
	colYearMonth: true,
	colDate:      true,
	colValue:     true,
}

// Record is one normalized daily value, ready for reconciliation.
type Record struct {
	Location  string
	Point     string
	Pollutant string
	Date      time.Time
	Value     float64
}

type NormalizeResult struct {
	Records []Record
	// Skipped counts rows dropped for a missing location, point or pollutant.
	Skipped int
}

type columnIndex struct {
	location, point, pollutant int
	yearMonth, date, value     int
	// dayColumns are the candidate wide-format columns, in header order.
	dayColumns []int
}

func indexColumns(header []string) columnIndex {
	idx := columnIndex{location: -1, point: -1, pollutant: -1, yearMonth: -1, date: -1, value: -1}
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		switch key {
		case colLocation:
			idx.location = i
		case colPoint:
			idx.point = i
		case colPollutant:
			idx.pollutant = i
		case colYearMonth:
			idx.yearMonth = i
		case colDate:
			idx.date = i
		case colValue:
			idx.value = i
		}
		if !metadataColumns[key] {
			idx.dayColumns = append(idx.dayColumns, i)
		}
	}
	return idx
}

// Normalize turns a report table into daily records. Wide reports carry one
// column per day ("1", "2", ... or "1July", "2July", ...); long reports carry
// explicit date and value columns. Both may appear in the same table.
func Normalize(t *Table, def Period) NormalizeResult {
	var res NormalizeResult
	idx := indexColumns(t.Header)

	for _, row := range t.Rows {
		location := cell(row, idx.location)
		point := cell(row, idx.point)
		pollutant := cell(row, idx.pollutant)
		if IsMissing(location) || IsMissing(point) || IsMissing(pollutant) {
			res.Skipped++
			continue
		}
		location = strings.Join(strings.Fields(location), " ")

		period := def
		if p, ok := parseYearMonth(cell(row, idx.yearMonth)); ok {
			period = p
		}

		emit := func(date time.Time, raw string) {
			value, ok := ParseValue(raw)
			if !ok {
				return
			}
			res.Records = append(res.Records, Record{
				Location:  location,
				Point:     point,
				Pollutant: pollutant,
				Date:      date,
				Value:     value,
			})
		}

		for _, col := range idx.dayColumns {
			date, ok := ResolveHeader(t.Header[col], period)
			if !ok {
				continue
			}
			emit(date, cell(row, col))
		}

		if idx.date >= 0 && idx.value >= 0 {
			if date, ok := parseExplicitDate(cell(row, idx.date)); ok {
				emit(date, cell(row, idx.value))
			}
		}
	}

	return res
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
