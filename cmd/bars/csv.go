// Package bars provides the CSV bar reader shared by the cmd/ binaries.
// Broker-format ingestion is CLI plumbing, not a core component, so it
// lives under cmd/ rather than internal/.
package bars

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
)

var header = []string{"timestamp", "symbol", "tf", "o", "h", "l", "c", "v", "spread"}

// CSVSource adapts a CSV stream to backtester.BarSource, enforcing the
// fixed column header and skipping non-monotonic rows.
type CSVSource struct {
	r      *csv.Reader
	lastTS time.Time
}

// NewCSVSource validates r's header and returns a ready-to-read source.
func NewCSVSource(r io.Reader) (*CSVSource, error) {
	cr := csv.NewReader(r)
	got, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("bars: read header: %w", err)
	}
	if len(got) != len(header) {
		return nil, fmt.Errorf("bars: expected %d columns, got %d", len(header), len(got))
	}
	for i, col := range header {
		if got[i] != col {
			return nil, fmt.Errorf("bars: column %d: expected %q, got %q", i, col, got[i])
		}
	}
	return &CSVSource{r: cr}, nil
}

// Next implements backtester.BarSource.
func (s *CSVSource) Next() (types.Bar, bool, error) {
	for {
		row, err := s.r.Read()
		if err == io.EOF {
			return types.Bar{}, false, nil
		}
		if err != nil {
			return types.Bar{}, false, fmt.Errorf("bars: read row: %w", err)
		}
		bar, err := parseRow(row)
		if err != nil {
			continue
		}
		if !s.lastTS.IsZero() && !bar.Timestamp.After(s.lastTS) {
			continue
		}
		s.lastTS = bar.Timestamp
		return bar, true, nil
	}
}

func parseRow(row []string) (types.Bar, error) {
	if len(row) != len(header) {
		return types.Bar{}, fmt.Errorf("bars: row has %d columns, want %d", len(row), len(header))
	}
	ts, err := time.Parse(time.RFC3339, row[0])
	if err != nil {
		return types.Bar{}, fmt.Errorf("bars: parse timestamp: %w", err)
	}
	vals := make([]decimal.Decimal, 6)
	for i, col := range row[3:9] {
		d, err := decimal.NewFromString(col)
		if err != nil {
			return types.Bar{}, fmt.Errorf("bars: parse column %d: %w", i+3, err)
		}
		vals[i] = d
	}
	return types.Bar{
		Timestamp: ts,
		Symbol:    row[1],
		TF:        types.Timeframe(row[2]),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
		Spread:    vals[5],
	}, nil
}
