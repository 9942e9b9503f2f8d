package workbook

import (
	"fmt"
	"strconv"
	"time"

	"pwh-registry/internal/catalog"

	"github.com/xuri/excelize/v2"
)

// DateLayout is the date format written to and preferred from workbooks.
const DateLayout = "2006-01-02"

// BuildExport writes one sheet per entity in catalog order, using human
// sheet titles and column labels. rows maps an entity to records keyed by
// column key; a missing entity still yields a header-only sheet.
func BuildExport(rows map[catalog.Entity][]map[string]any) ([]byte, error) {
	first := catalog.Lookup(catalog.SheetOrder[0]).Title
	f, err := newFile(first)
	if err != nil {
		return nil, err
	}
	style, err := newHeaderStyle(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for _, e := range catalog.SheetOrder {
		spec := catalog.Lookup(e)
		if spec.Title != first {
			if _, err := f.NewSheet(spec.Title); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to create sheet %s: %w", spec.Title, err)
			}
		}
		headers := make([]string, len(spec.Columns))
		for i, c := range spec.Columns {
			headers[i] = c.Label
		}
		if err := writeHeader(f, spec.Title, headers, style); err != nil {
			f.Close()
			return nil, err
		}
		for r, item := range rows[e] {
			for c, col := range spec.Columns {
				value := exportValue(item[col.Key])
				if value == nil {
					continue
				}
				if err := setCellValue(f, spec.Title, c+1, r+2, value); err != nil {
					f.Close()
					return nil, fmt.Errorf("failed to set cell value at %s row %d, col %d: %w", spec.Title, r+2, c+1, err)
				}
			}
		}
	}
	return finish(f)
}

// exportValue converts a store value into a cell value. nil and empty strings
// leave the cell blank.
func exportValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		if val == "" {
			return nil
		}
		return val
	case []byte:
		if len(val) == 0 {
			return nil
		}
		return string(val)
	case time.Time:
		return val.Format(DateLayout)
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.Format(DateLayout)
	case bool:
		if val {
			return "Yes"
		}
		return "No"
	case int, int32, int64, float64:
		return val
	case *int:
		if val == nil {
			return nil
		}
		return *val
	case *float64:
		if val == nil {
			return nil
		}
		return *val
	default:
		return fmt.Sprint(val)
	}
}

// cellRef returns an absolute reference such as lookups!$B$2:$B$9.
func cellRef(sheet string, col, firstRow, lastRow int) (string, error) {
	from, err := excelize.CoordinatesToCellName(col, firstRow, true)
	if err != nil {
		return "", err
	}
	to, err := excelize.CoordinatesToCellName(col, lastRow, true)
	if err != nil {
		return "", err
	}
	return sheet + "!" + from + ":" + to, nil
}

// columnRange returns the open-ended data range of a column, e.g. C2:C1048576.
func columnRange(col int) (string, error) {
	name, err := excelize.ColumnNumberToName(col)
	if err != nil {
		return "", err
	}
	return name + "2:" + name + strconv.Itoa(excelize.TotalRows), nil
}
