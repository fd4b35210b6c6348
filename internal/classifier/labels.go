package classifier

import (
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// ParseLabels reads a label list. Only the first column of each record is
// used; blank entries are skipped and later duplicates dropped, so the
// returned order is the model's class index order.
func ParseLabels(r io.Reader) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	seen := make(map[string]struct{})
	var labels []string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "classifier: parse labels")
		}
		if len(rec) == 0 {
			continue
		}
		label := strings.TrimSpace(strings.TrimPrefix(rec[0], "\ufeff"))
		if label == "" {
			continue
		}
		if _, dup := seen[label]; dup {
			continue
		}
		seen[label] = struct{}{}
		labels = append(labels, label)
	}
	if len(labels) == 0 {
		return nil, eris.New("classifier: label list is empty")
	}
	return labels, nil
}
