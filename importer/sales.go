package importer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/extrame/xls"
	"github.com/kpiportal/refdate-engine/refdate"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// =============================================================================
// SALES WORKBOOK IMPORT
// =============================================================================

// Recognized header spellings, compared after folding (case, accents, spaces).
var (
	dateHeaders    = []string{"fecha", "date", "dia", "sale date", "sale_date"}
	storeHeaders   = []string{"tienda", "almacen", "store", "codigo", "codigo tienda", "store code", "store_code", "restaurante"}
	channelHeaders = []string{"canal", "channel"}
	salesHeaders   = []string{"venta neta", "venta", "ventas", "net sales", "net_sales", "monto", "amount"}
)

// RowError reports a data row that could not be converted.
type RowError struct {
	Row int // 1-based, as shown by spreadsheet software
	Err error
}

func (e RowError) Error() string { return fmt.Sprintf("row %d: %v", e.Row, e.Err) }

// ReadSalesWorkbook parses a single-sheet XLS or XLSX export into sales
// facts. Columns are found by header name; a missing channel column means
// every row is ChannelTodos. Bad rows are returned separately and do not
// stop the import.
func ReadSalesWorkbook(r io.Reader, filename string) ([]refdate.SalesFact, []RowError, error) {
	rows, err := readRowsFromSpreadsheet(r, filename)
	if err != nil {
		return nil, nil, err
	}

	header := rows[0]
	dateIdx := findColumn(header, dateHeaders)
	storeIdx := findColumn(header, storeHeaders)
	salesIdx := findColumn(header, salesHeaders)
	channelIdx := findColumn(header, channelHeaders)
	if dateIdx < 0 || storeIdx < 0 || salesIdx < 0 {
		return nil, nil, fmt.Errorf("missing required columns (date, store, sales) in header %q", header)
	}

	var (
		facts    []refdate.SalesFact
		rejected []RowError
	)
	for i, row := range rows[1:] {
		rowNum := i + 2
		if isBlankRow(row) {
			continue
		}

		d, err := parseCellDate(cellValue(row, dateIdx))
		if err != nil {
			rejected = append(rejected, RowError{Row: rowNum, Err: err})
			continue
		}
		store := refdate.NormalizeStoreCode(cellValue(row, storeIdx))
		if store == "" {
			rejected = append(rejected, RowError{Row: rowNum, Err: fmt.Errorf("empty store code")})
			continue
		}
		amount, err := parseAmount(cellValue(row, salesIdx))
		if err != nil {
			rejected = append(rejected, RowError{Row: rowNum, Err: err})
			continue
		}
		ch := refdate.ChannelTodos
		if channelIdx >= 0 {
			parsed, err := refdate.ParseChannel(cellValue(row, channelIdx))
			if err != nil {
				rejected = append(rejected, RowError{Row: rowNum, Err: err})
				continue
			}
			if parsed != refdate.ChannelAny {
				ch = parsed
			}
		}

		facts = append(facts, refdate.SalesFact{Date: d, StoreCode: store, Channel: ch, NetSales: amount})
	}
	return facts, rejected, nil
}

// SalesSink persists imported facts.
type SalesSink interface {
	UpsertSales(ctx context.Context, facts []refdate.SalesFact) error
}

// StoreCodes maps a store code or name as written by a source system to the
// canonical store code. *refdate.GroupIndex implements it.
type StoreCodes interface {
	CanonicalStore(code, source string) string
}

// SalesImport describes where a workbook comes from.
type SalesImport struct {
	Source string     // source system, matched against store aliases
	Stores StoreCodes // nil keeps codes as written
}

// ImportSales reads a workbook, maps its store codes through the aliases of
// opts.Source and writes the facts in one call.
func ImportSales(ctx context.Context, sink SalesSink, r io.Reader, filename string, opts SalesImport) (int, []RowError, error) {
	facts, rowErrs, err := ReadSalesWorkbook(r, filename)
	if err != nil {
		return 0, nil, err
	}
	remapped := 0
	if opts.Stores != nil {
		for i := range facts {
			code := opts.Stores.CanonicalStore(facts[i].StoreCode, opts.Source)
			if code != facts[i].StoreCode {
				facts[i].StoreCode = code
				remapped++
			}
		}
	}
	if err := sink.UpsertSales(ctx, facts); err != nil {
		return 0, rowErrs, fmt.Errorf("store sales: %w", err)
	}
	log.Printf("[Import] %s: %d sales rows imported (%d via alias), %d rejected",
		filepath.Base(filename), len(facts), remapped, len(rowErrs))
	return len(facts), rowErrs, nil
}

func readRowsFromSpreadsheet(reader io.Reader, filename string) ([][]string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".xls":
		workbook, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
		if err != nil {
			return nil, err
		}
		if workbook.NumSheets() == 0 {
			return nil, fmt.Errorf("no worksheet found")
		}
		if workbook.NumSheets() > 1 {
			return nil, fmt.Errorf("multiple worksheets found; export a single sheet")
		}
		rows := workbook.ReadAllCells(1000000)
		if len(rows) == 0 {
			return nil, fmt.Errorf("worksheet is empty")
		}
		return rows, nil
	default:
		file, err := excelize.OpenReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer func() { _ = file.Close() }()

		sheetName := file.GetSheetName(0)
		if sheetName == "" {
			return nil, fmt.Errorf("no worksheet found")
		}

		rows, err := file.GetRows(sheetName)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("worksheet is empty")
		}
		return rows, nil
	}
}

func findColumn(header []string, names []string) int {
	for _, name := range names {
		for idx, h := range header {
			if refdate.FoldEventName(h) == name {
				return idx
			}
		}
	}
	return -1
}

func cellValue(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func isBlankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

var cellDateFormats = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
}

// parseCellDate accepts Excel serials and the usual day-first layouts.
func parseCellDate(v string) (refdate.Date, error) {
	if v == "" {
		return refdate.Date{}, fmt.Errorf("empty date")
	}
	if serial, err := strconv.ParseFloat(v, 64); err == nil {
		// 1990-01-01 .. 2100-01-01; plain years are not serials.
		if serial >= 32874 && serial <= 73051 {
			t, err := excelize.ExcelDateToTime(serial, false)
			if err != nil {
				return refdate.Date{}, err
			}
			return refdate.DateOf(t), nil
		}
	}
	for _, layout := range cellDateFormats {
		if t, err := time.Parse(layout, v); err == nil {
			return refdate.DateOf(t), nil
		}
	}
	return refdate.Date{}, fmt.Errorf("unrecognized date %q", v)
}

// parseAmount strips currency symbols and thousands separators.
func parseAmount(v string) (decimal.Decimal, error) {
	clean := strings.NewReplacer("Q", "", "$", "", ",", "", " ", "").Replace(v)
	if clean == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", v)
	}
	return d, nil
}
