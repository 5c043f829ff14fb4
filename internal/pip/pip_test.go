package pip_test

import (
	"testing"

	"github.com/atlas-desktop/orb5m-backtester/internal/pip"
)

func TestPipSizeJPYDetection(t *testing.T) {
	table := pip.NewTable([]string{"EURUSD", "USDJPY"}, nil)

	if got := table.PipSize("EURUSD"); got != pip.DefaultPipSize {
		t.Errorf("EURUSD pip size = %v, want %v", got, pip.DefaultPipSize)
	}
	if got := table.PipSize("USDJPY"); got != pip.JPYPipSize {
		t.Errorf("USDJPY pip size = %v, want %v", got, pip.JPYPipSize)
	}
}

func TestPipSizeOverride(t *testing.T) {
	table := pip.NewTable([]string{"EURUSD"}, map[string]float64{"EURUSD": 0.00005})
	if got := table.PipSize("EURUSD"); got != 0.00005 {
		t.Errorf("override pip size = %v, want 0.00005", got)
	}
}

func TestPipSizeUnknownSymbolFallsBack(t *testing.T) {
	table := pip.NewTable(nil, nil)
	if got := table.PipSize("GBPJPY"); got != pip.JPYPipSize {
		t.Errorf("unregistered JPY symbol = %v, want %v", got, pip.JPYPipSize)
	}
	if got := table.PipSize("GBPUSD"); got != pip.DefaultPipSize {
		t.Errorf("unregistered non-JPY symbol = %v, want %v", got, pip.DefaultPipSize)
	}
}

func TestToPipsAndToPrice(t *testing.T) {
	table := pip.NewTable([]string{"EURUSD"}, nil)
	if got := table.ToPips("EURUSD", 0.0025); got != 25 {
		t.Errorf("ToPips = %v, want 25", got)
	}
	if got := table.ToPrice("EURUSD", 25); got != 0.0025 {
		t.Errorf("ToPrice = %v, want 0.0025", got)
	}
}
