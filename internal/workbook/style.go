// Package workbook builds and reads registry spreadsheets: the human-readable
// export, the import template with bound picklists, and uploaded workbooks.
package workbook

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"
)

// 表头样式（导出与模板共用）
func newHeaderStyle(f *excelize.File) (int, error) {
	return f.NewStyle(&excelize.Style{
		Font: &excelize.Font{
			Bold: true,
		},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
}

// writeHeader 写入表头、设置列宽并冻结首行
func writeHeader(f *excelize.File, sheet string, headers []string, style int) error {
	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, style); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			return fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(sheet, name, name, columnWidth(header)); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}
	if len(headers) == 0 {
		return nil
	}
	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		Split:       false,
		XSplit:      0,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze panes: %w", err)
	}
	return nil
}

func columnWidth(header string) float64 {
	w := float64(len(header)) + 4
	if w < 12 {
		return 12
	}
	if w > 40 {
		return 40
	}
	return w
}

// setCellValue 设置单元格值
func setCellValue(f *excelize.File, sheet string, col, row int, value interface{}) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(sheet, cell, value)
}

// newFile creates a workbook whose first sheet is named first.
func newFile(first string) (*excelize.File, error) {
	f := excelize.NewFile()
	if _, err := f.NewSheet(first); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet %s: %w", first, err)
	}
	// 删除默认的 Sheet1
	if first != "Sheet1" {
		if err := f.DeleteSheet("Sheet1"); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to delete default sheet: %w", err)
		}
	}
	index, err := f.GetSheetIndex(first)
	if err != nil {
		f.Close()
		return nil, err
	}
	f.SetActiveSheet(index)
	return f, nil
}

// finish writes the workbook to bytes and closes it.
func finish(f *excelize.File) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}
