package export

import (
	"crypto/sha256"
	"encoding/xml"
	"fmt"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
)

// bookingXML is the wire shape for the xml_file target. Field order is
// fixed by struct declaration order so encoding/xml always emits the same
// byte sequence for the same booking.
type bookingXML struct {
	XMLName     xml.Name    `xml:"Booking"`
	ID          string      `xml:"ID"`
	ClientID    string      `xml:"ClientID"`
	PostingDate string      `xml:"PostingDate"`
	Narrative   string      `xml:"Narrative,omitempty"`
	Entries     []entryXML  `xml:"Entries>Entry"`
	VATLines    []vatXML    `xml:"VATBreakdown>VATLine,omitempty"`
}

type entryXML struct {
	Account  string `xml:"Account"`
	Side     string `xml:"Side"`
	Amount   string `xml:"Amount"`
	Currency string `xml:"Currency"`
}

type vatXML struct {
	Rate          string `xml:"Rate"`
	Net           string `xml:"Net"`
	VAT           string `xml:"VAT"`
	ReverseCharge bool   `xml:"ReverseCharge"`
}

// XMLRenderer implements Renderer for the xml_file export target.
type XMLRenderer struct{}

func NewXMLRenderer() XMLRenderer { return XMLRenderer{} }

func (XMLRenderer) Render(b model.Booking) (string, []byte, error) {
	doc := bookingXML{
		ID:          b.ID,
		ClientID:    b.ClientID,
		PostingDate: b.PostingDate.Format("2006-01-02"),
		Narrative:   b.Narrative,
	}
	for _, e := range b.Entries {
		doc.Entries = append(doc.Entries, entryXML{
			Account: e.Account, Side: string(e.Side),
			Amount: e.Amount.StringFixed(2), Currency: e.Currency,
		})
	}
	for _, v := range b.VATBreakdown {
		doc.VATLines = append(doc.VATLines, vatXML{
			Rate: v.Rate.StringFixed(2), Net: v.Net.StringFixed(2),
			VAT: v.VAT.StringFixed(2), ReverseCharge: v.ReverseCharge,
		})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", nil, &SchemaError{Err: err}
	}
	out = append([]byte(xml.Header), out...)
	return fmt.Sprintf("%s.xml", b.ID), out, nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}
