package utils

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"neurotrader/internal/domain"
)

func WriteCandlesToCSV(candles []*domain.Candle, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	writer.Write([]string{"open_time", "close_time", "instrument", "open", "high", "low", "close", "volume"})

	for _, c := range candles {
		writer.Write([]string{
			c.OpenTime.Format(time.RFC3339),
			c.CloseTime.Format(time.RFC3339),
			c.Instrument,
			strconv.FormatFloat(c.Open, 'f', -1, 64),
			strconv.FormatFloat(c.High, 'f', -1, 64),
			strconv.FormatFloat(c.Low, 'f', -1, 64),
			strconv.FormatFloat(c.Close, 'f', -1, 64),
			strconv.FormatFloat(c.Volume, 'f', -1, 64),
		})
	}
	return writer.Error()
}

// ReadCandlesFromCSV reads candles from a file produced by WriteCandlesToCSV.
// All candles read from CSV are treated as final.
func ReadCandlesFromCSV(filename string) ([]*domain.Candle, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Skip header
	if _, err := reader.Read(); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}

	var candles []*domain.Candle
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading CSV line %d: %w", line+1, err)
		}
		line++
		if len(record) < 8 {
			return nil, fmt.Errorf("CSV line %d: expected 8 fields, got %d", line, len(record))
		}

		openTime, err := time.Parse(time.RFC3339, record[0])
		if err != nil {
			return nil, fmt.Errorf("CSV line %d: parsing open_time: %w", line, err)
		}
		closeTime, err := time.Parse(time.RFC3339, record[1])
		if err != nil {
			return nil, fmt.Errorf("CSV line %d: parsing close_time: %w", line, err)
		}

		values := make([]float64, 5)
		for i, field := range record[3:8] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("CSV line %d: parsing field %d: %w", line, i+4, err)
			}
			values[i] = v
		}

		candles = append(candles, &domain.Candle{
			Instrument: record[2],
			OpenTime:   openTime,
			CloseTime:  closeTime,
			Open:       values[0],
			High:       values[1],
			Low:        values[2],
			Close:      values[3],
			Volume:     values[4],
			IsFinal:    true,
		})
	}
	return candles, nil
}
