package domain

import "time"

// Candle represents a single OHLCV data point for one instrument.
// Candles are immutable once received and ordered by CloseTime.
type Candle struct {
	Instrument string    // Instrument identifier (e.g., "EURUSD")
	OpenTime   time.Time // Start time of the interval
	CloseTime  time.Time // End time of the interval; the candle's ordering key
	Open       float64   // Opening price
	High       float64   // Highest price
	Low        float64   // Lowest price
	Close      float64   // Closing price
	Volume     float64   // Traded volume
	IsFinal    bool      // Whether this candle is the final one for the interval
}
