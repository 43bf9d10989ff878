package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// ErrFormatUnrecognized is returned when no supported encoding and delimiter
// combination yields a table with more than one column.
var ErrFormatUnrecognized = errors.New("unrecognized report format")

// FormatError describes a report that could not be parsed.
type FormatError struct {
	Attempts []string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: tried %s; save the report as UTF-8 or Windows-1251 with ';' or ',' separated columns",
		ErrFormatUnrecognized, strings.Join(e.Attempts, ", "))
}

func (e *FormatError) Is(target error) bool {
	return target == ErrFormatUnrecognized
}

// Table is a parsed report: a header row plus data rows.
type Table struct {
	Encoding  string
	Delimiter rune
	Header    []string
	Rows      [][]string
}

type textEncoding struct {
	name    string
	decoder encoding.Encoding // nil means UTF-8
}

var (
	encodings = []textEncoding{
		{name: "utf-8"},
		{name: "windows-1251", decoder: charmap.Windows1251},
	}
	delimiters = []rune{';', ','}
	utf8BOM    = []byte{0xEF, 0xBB, 0xBF}
)

// Detect finds the first (encoding, delimiter) pair that parses data into a
// multi-column table.
func Detect(data []byte) (*Table, error) {
	var attempts []string

	for _, enc := range encodings {
		text, ok := decode(data, enc)
		if !ok {
			attempts = append(attempts, enc.name+" (invalid)")
			continue
		}
		for _, delim := range delimiters {
			attempts = append(attempts, fmt.Sprintf("%s/%q", enc.name, delim))

			records, err := readRecords(text, delim)
			if err != nil || len(records) == 0 || len(records[0]) < 2 {
				continue
			}

			header := make([]string, len(records[0]))
			for i, h := range records[0] {
				header[i] = strings.TrimSpace(h)
			}
			return &Table{
				Encoding:  enc.name,
				Delimiter: delim,
				Header:    header,
				Rows:      records[1:],
			}, nil
		}
	}

	return nil, &FormatError{Attempts: attempts}
}

func decode(data []byte, enc textEncoding) ([]byte, bool) {
	if enc.decoder == nil {
		data = bytes.TrimPrefix(data, utf8BOM)
		return data, utf8.Valid(data)
	}
	out, err := enc.decoder.NewDecoder().Bytes(data)
	if err != nil {
		return nil, false
	}
	return out, true
}

func readRecords(text []byte, delim rune) ([][]string, error) {
	r := csv.NewReader(bytes.NewReader(text))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}

	// Drop blank trailer lines some spreadsheet exports append.
	out := records[:0]
	for _, rec := range records {
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
