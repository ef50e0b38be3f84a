// Package sheet reads spreadsheet rows into row data keyed by column header.
package sheet

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/docforge/api/internal/model"
)

var (
	ErrSheetNotFound  = errors.New("sheet not found")
	ErrRowOutOfRange  = errors.New("row out of range")
	ErrMissingHeaders = errors.New("header row is empty")
)

// ReadRow returns data row rowIndex (1 = first row below the header) of the
// named sheet, or of the first sheet when name is empty. Columns without a
// header are skipped; cells missing at the end of a row read as "".
func ReadRow(data []byte, name string, rowIndex int) (model.RowData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	if name == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, ErrSheetNotFound
		}
		name = sheets[0]
	} else if idx, _ := f.GetSheetIndex(name); idx == -1 {
		return nil, fmt.Errorf("%s: %w", name, ErrSheetNotFound)
	}

	rows, err := f.GetRows(name)
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", name, err)
	}
	if len(rows) == 0 {
		return nil, ErrMissingHeaders
	}
	if rowIndex < 1 || rowIndex >= len(rows) {
		return nil, fmt.Errorf("row %d of %d: %w", rowIndex, len(rows)-1, ErrRowOutOfRange)
	}

	headers := rows[0]
	values := rows[rowIndex]
	out := make(model.RowData, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if i < len(values) {
			out[h] = values[i]
		} else {
			out[h] = ""
		}
	}
	if len(out) == 0 {
		return nil, ErrMissingHeaders
	}
	return out, nil
}

// Validate reports whether data opens as a workbook with at least one sheet
func Validate(data []byte) error {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()
	if len(f.GetSheetList()) == 0 {
		return ErrSheetNotFound
	}
	return nil
}
