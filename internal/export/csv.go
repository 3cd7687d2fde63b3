package export

import (
	"bytes"
	"encoding/csv"
	"fmt"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
)

// csvHeader is the fixed column order for the csv_file export target.
// Never reorder these without a migration note: downstream ERP import
// mappings key off column position, not header text.
var csvHeader = []string{
	"booking_id", "client_id", "posting_date", "account", "side", "amount", "currency",
}

// CSVRenderer implements Renderer for the csv_file export target: one row
// per ledger entry, sharing the booking's identity columns.
type CSVRenderer struct{}

func NewCSVRenderer() CSVRenderer { return CSVRenderer{} }

func (CSVRenderer) Render(b model.Booking) (string, []byte, error) {
	if len(b.Entries) == 0 {
		return "", nil, &SchemaError{Err: fmt.Errorf("booking %s has no entries", b.ID)}
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return "", nil, err
	}
	postingDate := b.PostingDate.Format("2006-01-02")
	for _, e := range b.Entries {
		row := []string{
			b.ID, b.ClientID, postingDate, e.Account, string(e.Side), e.Amount.StringFixed(2), e.Currency,
		}
		if err := w.Write(row); err != nil {
			return "", nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("%s.csv", b.ID), buf.Bytes(), nil
}
