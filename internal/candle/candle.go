package candle

// Candle is a single OHLC bucket for an instrument.
// All prices are int64 cents to avoid floating-point drift.
type Candle struct {
	Date   string `json:"date"` // YYYY-MM-DD
	Open   int64  `json:"open"`
	High   int64  `json:"high"`
	Low    int64  `json:"low"`
	Close  int64  `json:"close"`
	Volume int64  `json:"volume"`
}

// Series is the full ordered candle sequence for one symbol, indexed from 0.
type Series []Candle
