// Package export renders an item's ledger history as an XLSX workbook.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/warp/stash-ledger/inventory"
	"github.com/xuri/excelize/v2"
)

const (
	SheetName   = "History"
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	dateLayout  = "2006-01-02 15:04"
)

// Headers is the first row of the History sheet.
var Headers = []any{
	"Date", "Kind", "Amount", "Unit", "Counted", "Balance",
	"Session", "Note", "Price", "Currency", "Brand", "Location",
}

// History builds a workbook with one row per entry in fold order and the
// running balance after each one. The caller owns the returned file.
func History(item *inventory.Item) (*excelize.File, error) {
	f := excelize.NewFile()
	idx, err := f.NewSheet(SheetName)
	if err != nil {
		f.Close()
		return nil, err
	}
	f.SetActiveSheet(idx)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		f.Close()
		return nil, err
	}

	if err := setRow(f, 1, Headers); err != nil {
		f.Close()
		return nil, err
	}
	for i, row := range item.Timeline() {
		if err := setRow(f, i+2, cells(row)); err != nil {
			f.Close()
			return nil, err
		}
	}

	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// WriteHistory streams the History workbook to w.
func WriteHistory(w io.Writer, item *inventory.Item) error {
	f, err := History(item)
	if err != nil {
		return fmt.Errorf("failed to build workbook: %w", err)
	}
	defer f.Close()
	return f.Write(w)
}

// Filename suggests a download name for the item's export.
func Filename(item *inventory.Item, now time.Time) string {
	return fmt.Sprintf("%s-%s.xlsx", item.ID, now.UTC().Format("20060102"))
}

func setRow(f *excelize.File, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(SheetName, cell, &values)
}

func cells(row inventory.TimelineRow) []any {
	e := row.Entry
	out := []any{
		e.Date.UTC().Format(dateLayout),
		string(e.Kind),
		"",
		"",
		row.Included,
		row.Balance.Float64(),
		e.SessionRef,
		e.Note,
		"",
		"",
		"",
		"",
	}
	if e.Amount != nil {
		out[2] = e.Amount.Float64()
		out[3] = e.Amount.Unit.Symbol()
	}
	if p := e.Purchase; p != nil {
		if p.Price != nil {
			out[8] = p.Price.InexactFloat64()
		}
		out[9] = p.Currency
		out[10] = p.Brand
		if p.Location != nil {
			out[11] = p.Location.Name
		}
	}
	return out
}
