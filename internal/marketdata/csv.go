package marketdata

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mukhametgalin/predict-trading-system/adaptive-middleware/internal/types"
)

// CSV serves bars loaded from a file with the header
// symbol,timestamp,open,high,low,close,volume (timestamp RFC3339).
type CSV struct {
	*Static
	path string
}

func LoadCSV(path string) (*CSV, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty csv file")
	}

	// Skip header
	records = records[1:]

	bars := make([]types.Bar, 0, len(records))
	for i, record := range records {
		bar, err := parseBar(record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+2, err)
		}
		bars = append(bars, bar)
	}
	return &CSV{Static: NewStatic(bars), path: path}, nil
}

func (c *CSV) GetWindow(ctx context.Context, start, end time.Time) ([]types.Bar, error) {
	bars, err := c.Static.GetWindow(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.path, err)
	}
	return bars, nil
}

func parseBar(record []string) (types.Bar, error) {
	if len(record) < 7 {
		return types.Bar{}, fmt.Errorf("invalid bar record")
	}

	ts, err := time.Parse(time.RFC3339, record[1])
	if err != nil {
		return types.Bar{}, fmt.Errorf("timestamp: %w", err)
	}
	var vals [5]float64
	for i := range vals {
		v, err := strconv.ParseFloat(record[2+i], 64)
		if err != nil {
			return types.Bar{}, fmt.Errorf("column %d: %w", 3+i, err)
		}
		vals[i] = v
	}

	return types.Bar{
		Symbol:    record[0],
		Timestamp: ts,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}
