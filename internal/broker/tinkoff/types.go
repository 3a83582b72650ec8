package tinkoff

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// quotation mirrors the API's units/nano money type. The REST gateway
// serializes int64 as a JSON string per protojson, so Units needs a
// tolerant decoder that accepts both forms.
type quotation struct {
	Units int64 `json:"units"`
	Nano  int32 `json:"nano"`
}

// Float converts units/nano to a float64 amount.
func (q quotation) Float() float64 {
	return float64(q.Units) + float64(q.Nano)/1e9
}

func (q *quotation) UnmarshalJSON(data []byte) error {
	var raw struct {
		Units flexInt64 `json:"units"`
		Nano  int32     `json:"nano"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	q.Units = int64(raw.Units)
	q.Nano = raw.Nano
	return nil
}

// flexInt64 decodes an int64 given either as a JSON number or a string.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("parsing int64 %q: %w", string(data), err)
	}
	*f = flexInt64(n)
	return nil
}

type apiInstrument struct {
	FIGI         string `json:"figi"`
	Ticker       string `json:"ticker"`
	Name         string `json:"name"`
	Currency     string `json:"currency"`
	Lot          int64  `json:"lot"`
	RealExchange string `json:"realExchange"`
}

type instrumentsResponse struct {
	Instruments []apiInstrument `json:"instruments"`
}

type apiCandle struct {
	Time   time.Time `json:"time"`
	Open   quotation `json:"open"`
	High   quotation `json:"high"`
	Low    quotation `json:"low"`
	Close  quotation `json:"close"`
	Volume flexInt64 `json:"volume"`
}

type candlesResponse struct {
	Candles []apiCandle `json:"candles"`
}

type apiPosition struct {
	FIGI     string    `json:"figi"`
	Quantity quotation `json:"quantity"`
}

type portfolioResponse struct {
	TotalAmountPortfolio quotation     `json:"totalAmountPortfolio"`
	Positions            []apiPosition `json:"positions"`
}

type orderResponse struct {
	OrderID               string    `json:"orderId"`
	ExecutionReportStatus string    `json:"executionReportStatus"`
	LotsRequested         flexInt64 `json:"lotsRequested"`
}
