package importer

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/AfshinJalili/withdrawal-ranges/services/ranges/internal/rangetable"
)

var (
	ErrMalformedRow   = errors.New("malformed row")
	ErrMissingColumn  = errors.New("missing column")
	ErrEmptyImport    = errors.New("file contains no ranges")
	ErrUnreadableFile = errors.New("unreadable file")
)

const SpreadsheetMediaType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// RowError reports the first row that could not be converted. Row is the
// 1-based line in the file, header included.
type RowError struct {
	Row     int
	Content string
	Column  string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s %d: invalid %s in [%s]", ErrMalformedRow.Error(), e.Row, e.Column, e.Content)
}

func (e *RowError) Unwrap() error { return ErrMalformedRow }

// Normalizer converts uploaded CSV or spreadsheet bytes into range records
// using one table's header names.
type Normalizer struct {
	columns rangetable.Columns
}

func New(columns rangetable.Columns) *Normalizer {
	return &Normalizer{columns: columns}
}

func (n *Normalizer) Columns() rangetable.Columns {
	return n.columns
}

func (n *Normalizer) Normalize(data []byte, mediaType string) ([]rangetable.Record, error) {
	var (
		rows  [][]string
		lines []int
		err   error
	)
	if IsSpreadsheet(mediaType) {
		rows, err = readSpreadsheet(data)
	} else {
		rows, lines, err = readCSV(data)
	}
	if err != nil {
		return nil, err
	}
	return n.normalizeRows(rows, lines)
}

// IsSpreadsheet reports whether mediaType names an Excel workbook.
func IsSpreadsheet(mediaType string) bool {
	mt := strings.ToLower(mediaType)
	for _, marker := range []string{"excel", "spreadsheetml", "xls", "xlsx"} {
		if strings.Contains(mt, marker) {
			return true
		}
	}
	return false
}

// MediaTypeFor keeps the declared type unless it is generic and the file name
// says the upload is a workbook.
func MediaTypeFor(declared, filename string) string {
	if IsSpreadsheet(declared) {
		return declared
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx", ".xlsm":
		return SpreadsheetMediaType
	case ".xls":
		return "application/vnd.ms-excel"
	}
	return declared
}

// readCSV also returns the file line each record starts on, since the reader
// drops empty lines.
func readCSV(data []byte) ([][]string, []int, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var (
		rows  [][]string
		lines []int
	)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrUnreadableFile, err)
		}
		line, _ := cr.FieldPos(0)
		rows = append(rows, rec)
		lines = append(lines, line)
	}
	return rows, lines, nil
}

func readSpreadsheet(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableFile, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrUnreadableFile)
	}
	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableFile, err)
	}
	return rows, nil
}

// normalizeRows converts rows after the header. lines[i] is the file line of
// rows[i]; without lines, rows are taken to be consecutive from line 1.
func (n *Normalizer) normalizeRows(rows [][]string, lines []int) ([]rangetable.Record, error) {
	headerAt := -1
	for i, row := range rows {
		if !isBlank(row) {
			headerAt = i
			break
		}
	}
	if headerAt < 0 {
		return nil, ErrEmptyImport
	}

	idx, err := n.columnIndexes(rows[headerAt])
	if err != nil {
		return nil, err
	}

	var records []rangetable.Record
	for i := headerAt + 1; i < len(rows); i++ {
		row := rows[i]
		if isBlank(row) {
			continue
		}
		line := i + 1
		if lines != nil {
			line = lines[i]
		}
		rec, err := n.parseRow(row, idx, line)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, ErrEmptyImport
	}
	return records, nil
}

type columnIndex struct {
	min, max, value int
}

func (n *Normalizer) columnIndexes(header []string) (columnIndex, error) {
	find := func(name string) int {
		for i, cell := range header {
			if strings.EqualFold(strings.TrimSpace(cell), name) {
				return i
			}
		}
		return -1
	}

	idx := columnIndex{
		min:   find(n.columns.Min),
		max:   find(n.columns.Max),
		value: find(n.columns.Value),
	}
	var missing []string
	if idx.min < 0 {
		missing = append(missing, n.columns.Min)
	}
	if idx.max < 0 {
		missing = append(missing, n.columns.Max)
	}
	if idx.value < 0 {
		missing = append(missing, n.columns.Value)
	}
	if len(missing) > 0 {
		return columnIndex{}, fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missing, ", "))
	}
	return idx, nil
}

func (n *Normalizer) parseRow(row []string, idx columnIndex, line int) (rangetable.Record, error) {
	cell := func(i int, name string) (decimal.Decimal, error) {
		if i >= len(row) {
			return decimal.Decimal{}, &RowError{Row: line, Content: strings.Join(row, ","), Column: name}
		}
		v, err := decimal.NewFromString(strings.TrimSpace(row[i]))
		if err != nil {
			return decimal.Decimal{}, &RowError{Row: line, Content: strings.Join(row, ","), Column: name}
		}
		return v, nil
	}

	min, err := cell(idx.min, n.columns.Min)
	if err != nil {
		return rangetable.Record{}, err
	}
	max, err := cell(idx.max, n.columns.Max)
	if err != nil {
		return rangetable.Record{}, err
	}
	value, err := cell(idx.value, n.columns.Value)
	if err != nil {
		return rangetable.Record{}, err
	}
	return rangetable.Record{MinAmount: min, MaxAmount: max, Value: value}, nil
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
