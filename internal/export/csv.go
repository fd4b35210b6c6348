// Package export writes scan results for downstream tools.
package export

import (
	"encoding/csv"
	"errors"
	"io"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/trapscan/internal/model"
)

// ErrNothingToExport is returned for an empty result set.
var ErrNothingToExport = errors.New("export: no results to export")

// CSVHeader is the column contract consumed by downstream tools.
var CSVHeader = []string{"file", "present", "species", "confidence"}

// WriteCSV writes one line per row. species and confidence are left blank
// unless the row is present.
func WriteCSV(w io.Writer, rows []model.ResultRow) error {
	if len(rows) == 0 {
		return ErrNothingToExport
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	for _, r := range rows {
		rec := []string{r.Frame.Name(), "false", "", ""}
		if r.Decision.IsPresent() {
			rec[1] = "true"
			rec[2] = r.Decision.Label
			rec[3] = strconv.FormatFloat(r.Decision.Confidence, 'f', 4, 64)
		}
		if err := cw.Write(rec); err != nil {
			return eris.Wrapf(err, "export: write csv row %s", r.Frame.Path)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}

// ObservationHeader is the column set of the observation log.
var ObservationHeader = []string{"date", "time", "species", "path"}

// WriteObservations writes one line per present frame with its capture
// date and time, for record-keeping platforms.
func WriteObservations(w io.Writer, rows []model.ResultRow) error {
	var present []model.ResultRow
	for _, r := range rows {
		if r.Decision.IsPresent() {
			present = append(present, r)
		}
	}
	if len(present) == 0 {
		return ErrNothingToExport
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(ObservationHeader); err != nil {
		return eris.Wrap(err, "export: write observation header")
	}
	for _, r := range present {
		ts := r.Frame.Timestamp().Local()
		rec := []string{ts.Format("2006-01-02"), ts.Format("15:04:05"), r.Decision.Label, r.Frame.Path}
		if err := cw.Write(rec); err != nil {
			return eris.Wrapf(err, "export: write observation %s", r.Frame.Path)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush observations")
}
