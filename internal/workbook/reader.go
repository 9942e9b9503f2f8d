package workbook

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pwh-registry/internal/catalog"
	"pwh-registry/internal/domain"

	"github.com/xuri/excelize/v2"
)

// Row is one non-blank data row keyed by column key. Number is the 1-based
// row number in the sheet.
type Row struct {
	Number int
	Values map[string]string
}

// Sheet is the parsed content of every workbook sheet mapped to one entity.
type Sheet struct {
	Spec *catalog.Spec
	Name string
	Rows []Row
}

// Workbook is a parsed upload.
type Workbook struct {
	Sheets  map[catalog.Entity]*Sheet
	Ignored []string // sheet names that match no entity
}

// Sheet returns the parsed sheet of an entity, or nil.
func (w *Workbook) Sheet(e catalog.Entity) *Sheet {
	return w.Sheets[e]
}

// Read parses an uploaded workbook. Sheets are matched by machine, human or
// legacy name; headers by column key or label. Derived columns and unknown
// headers are ignored; fully blank rows are dropped.
func Read(data []byte) (*Workbook, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	wb := &Workbook{Sheets: make(map[catalog.Entity]*Sheet)}
	for _, name := range f.GetSheetList() {
		spec, ok := catalog.SpecForSheet(name)
		if !ok {
			wb.Ignored = append(wb.Ignored, name)
			continue
		}
		rows, err := f.GetRows(name, excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("failed to read sheet %s: %w", name, err)
		}
		sheet := wb.Sheets[spec.Entity]
		if sheet == nil {
			sheet = &Sheet{Spec: spec, Name: name}
			wb.Sheets[spec.Entity] = sheet
		}
		sheet.Rows = append(sheet.Rows, parseRows(spec, rows)...)
	}
	return wb, nil
}

func parseRows(spec *catalog.Spec, rows [][]string) []Row {
	if len(rows) == 0 {
		return nil
	}
	keys := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		if c, ok := spec.ColumnFor(h); ok && !c.Derived {
			keys[i] = c.Key
		}
	}

	var out []Row
	for i, cells := range rows[1:] {
		values := make(map[string]string)
		for j, cell := range cells {
			if j >= len(keys) || keys[j] == "" {
				continue
			}
			if v := strings.TrimSpace(cell); v != "" {
				values[keys[j]] = v
			}
		}
		if len(values) == 0 {
			continue
		}
		out = append(out, Row{Number: i + 2, Values: values})
	}
	return out
}

// Get returns the trimmed text of a column.
func (r Row) Get(key string) string {
	return r.Values[key]
}

// Date parses a date cell: ISO dates, ISO timestamps, dd/mm/yyyy, or an
// Excel serial number. A blank cell yields nil.
func (r Row) Date(key string) (*time.Time, error) {
	v := r.Values[key]
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{DateLayout, "2006-01-02 15:04:05", time.RFC3339, "02/01/2006", "2/1/2006", "02-01-2006"} {
		if t, err := time.Parse(layout, v); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d, nil
		}
	}
	if serial, err := strconv.ParseFloat(v, 64); err == nil && serial > 0 {
		t, err := excelize.ExcelDateToTime(serial, false)
		if err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d, nil
		}
	}
	return nil, &domain.ValidationError{Field: key, Reason: fmt.Sprintf("%q is not a date", v)}
}

// Int parses an integer cell, accepting "2021.0". A blank cell yields nil.
func (r Row) Int(key string) (*int, error) {
	v := r.Values[key]
	if v == "" {
		return nil, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return &n, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f != float64(int(f)) {
		return nil, &domain.ValidationError{Field: key, Reason: fmt.Sprintf("%q is not a whole number", v)}
	}
	n := int(f)
	return &n, nil
}

// Float parses a decimal cell, accepting a comma decimal separator.
func (r Row) Float(key string) (*float64, error) {
	v := r.Values[key]
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(strings.Replace(v, ",", ".", 1), 64)
	if err != nil {
		return nil, &domain.ValidationError{Field: key, Reason: fmt.Sprintf("%q is not a number", v)}
	}
	return &f, nil
}

// Bool parses yes/no style cells. A blank cell is false.
func (r Row) Bool(key string) bool {
	switch strings.ToLower(r.Values[key]) {
	case "yes", "y", "ya", "true", "1", "primary":
		return true
	default:
		return false
	}
}

// Missing returns the required keys that are blank in r.
func (r Row) Missing(spec *catalog.Spec) []string {
	var out []string
	for _, k := range spec.RequiredKeys() {
		if r.Values[k] == "" {
			out = append(out, k)
		}
	}
	return out
}
