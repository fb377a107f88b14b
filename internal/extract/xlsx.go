package extract

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// Xlsx extracts Excel workbooks, one entry per data row. Like Docx, an
// .xlsx file is a ZIP archive of XML parts: cell text is interned in
// xl/sharedStrings.xml and referenced by index from the sheet XML.
type Xlsx struct{}

// NewXlsx creates an Excel workbook extractor.
func NewXlsx() *Xlsx { return &Xlsx{} }

type xlsxSharedStrings struct {
	Items []struct {
		Text string `xml:"t"`
		Runs []struct {
			Text string `xml:"t"`
		} `xml:"r"`
	} `xml:"si"`
}

type xlsxWorkbook struct {
	Sheets struct {
		Sheet []struct {
			Name string `xml:"name,attr"`
		} `xml:"sheet"`
	} `xml:"sheets"`
}

type xlsxWorksheet struct {
	SheetData struct {
		Rows []struct {
			Cells []xlsxCell `xml:"c"`
		} `xml:"row"`
	} `xml:"sheetData"`
}

type xlsxCell struct {
	Ref   string `xml:"r,attr"`
	Type  string `xml:"t,attr"`
	Value string `xml:"v"`
	Is    struct {
		Text string `xml:"t"`
	} `xml:"is"`
}

// Extract walks every worksheet in the workbook at ref. The first row
// of each sheet is treated as the header; each following row becomes an
// entry with "header: value" cells joined by " | ". Row numbers are
// 1-based over data rows and scoped to their sheet.
func (Xlsx) Extract(_ context.Context, ref string) ([]Entry, error) {
	reader, err := zip.OpenReader(ref)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", ref, err)
	}
	defer reader.Close()

	shared, err := loadSharedStrings(&reader.Reader)
	if err != nil {
		return nil, fmt.Errorf("reading shared strings in %s: %w", ref, err)
	}
	sheetNames, err := loadSheetNames(&reader.Reader)
	if err != nil {
		return nil, fmt.Errorf("reading workbook in %s: %w", ref, err)
	}

	var entries []Entry
	for i := 0; ; i++ {
		raw, err := readZipFile(&reader.Reader, fmt.Sprintf("xl/worksheets/sheet%d.xml", i+1))
		if err != nil {
			return nil, fmt.Errorf("reading sheet %d in %s: %w", i+1, ref, err)
		}
		if raw == nil {
			break
		}

		sheetName := fmt.Sprintf("Sheet %d", i+1)
		if i < len(sheetNames) {
			sheetName = sheetNames[i]
		}

		sheetEntries, err := extractSheet(raw, shared, sheetName)
		if err != nil {
			return nil, fmt.Errorf("parsing sheet %q in %s: %w", sheetName, ref, err)
		}
		entries = append(entries, sheetEntries...)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w from %s", ErrNoContent, ref)
	}
	return entries, nil
}

func extractSheet(raw []byte, shared []string, sheetName string) ([]Entry, error) {
	var sheet xlsxWorksheet
	if err := xml.Unmarshal(raw, &sheet); err != nil {
		return nil, err
	}
	if len(sheet.SheetData.Rows) < 2 {
		return nil, nil
	}

	header := rowValues(sheet.SheetData.Rows[0].Cells, shared)
	var entries []Entry
	for i, row := range sheet.SheetData.Rows[1:] {
		text := rowText(header, rowValues(row.Cells, shared))
		if text == "" {
			continue
		}
		entries = append(entries, Entry{
			Text: text,
			Metadata: map[string]any{
				MetaSheetName: sheetName,
				MetaRowNumber: i + 1,
			},
		})
	}
	return entries, nil
}

// rowValues resolves cells into a dense slice positioned by column, so
// sparse rows still line up with their headers.
func rowValues(cells []xlsxCell, shared []string) []string {
	var values []string
	for _, cell := range cells {
		col := columnIndex(cell.Ref)
		if col < 0 {
			col = len(values)
		}
		for len(values) <= col {
			values = append(values, "")
		}
		values[col] = cellValue(cell, shared)
	}
	return values
}

func cellValue(cell xlsxCell, shared []string) string {
	switch cell.Type {
	case "s":
		idx, err := strconv.Atoi(cell.Value)
		if err != nil || idx < 0 || idx >= len(shared) {
			return ""
		}
		return shared[idx]
	case "inlineStr":
		return cell.Is.Text
	default:
		return cell.Value
	}
}

// columnIndex converts the letters of a cell reference like "B12" to a
// zero-based column index. Returns -1 for an empty reference.
func columnIndex(ref string) int {
	col := 0
	seen := false
	for _, r := range ref {
		if r < 'A' || r > 'Z' {
			break
		}
		col = col*26 + int(r-'A') + 1
		seen = true
	}
	if !seen {
		return -1
	}
	return col - 1
}

func loadSharedStrings(reader *zip.Reader) ([]string, error) {
	raw, err := readZipFile(reader, "xl/sharedStrings.xml")
	if err != nil || raw == nil {
		return nil, err
	}

	var sst xlsxSharedStrings
	if err := xml.Unmarshal(raw, &sst); err != nil {
		return nil, err
	}

	out := make([]string, len(sst.Items))
	for i, item := range sst.Items {
		if item.Text != "" {
			out[i] = item.Text
			continue
		}
		var b strings.Builder
		for _, run := range item.Runs {
			b.WriteString(run.Text)
		}
		out[i] = b.String()
	}
	return out, nil
}

func loadSheetNames(reader *zip.Reader) ([]string, error) {
	raw, err := readZipFile(reader, "xl/workbook.xml")
	if err != nil || raw == nil {
		return nil, err
	}

	var wb xlsxWorkbook
	if err := xml.Unmarshal(raw, &wb); err != nil {
		return nil, err
	}

	names := make([]string, len(wb.Sheets.Sheet))
	for i, sheet := range wb.Sheets.Sheet {
		names[i] = sheet.Name
	}
	return names, nil
}
