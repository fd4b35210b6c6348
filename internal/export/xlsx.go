package export

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/trapscan/internal/model"
)

// SheetName is the worksheet written by WriteXLSX.
const SheetName = "results"

var xlsxHeader = []string{"file", "present", "decision", "species", "confidence", "manual", "captured", "duplicate_of"}

// WriteXLSX saves rows as a workbook at path.
func WriteXLSX(path string, rows []model.ResultRow) error {
	if len(rows) == 0 {
		return ErrNothingToExport
	}
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return eris.Wrap(err, "xlsx: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range xlsxHeader {
		header.AddCell().SetString(h)
	}
	for _, r := range rows {
		row := sheet.AddRow()
		row.AddCell().SetString(r.Frame.RelPath)
		row.AddCell().SetBool(r.Decision.IsPresent())
		row.AddCell().SetString(string(r.Decision.Kind))
		row.AddCell().SetString(r.Decision.Label)
		if r.Decision.Kind == model.KindUnclassified {
			row.AddCell().SetString("")
		} else {
			row.AddCell().SetFloat(r.Decision.Confidence)
		}
		row.AddCell().SetBool(r.Decision.Manual)
		captured := ""
		if r.Frame.CaptureTime != nil {
			captured = r.Frame.CaptureTime.Format("2006-01-02 15:04:05")
		}
		row.AddCell().SetString(captured)
		row.AddCell().SetString(r.DuplicateOf)
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "xlsx: save %s", path)
	}
	return nil
}
