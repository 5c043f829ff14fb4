// Command sweep is a thin entrypoint over internal/workers.Sweep: it takes
// a CSV bar file and a grid of ORB parameter variants (take-profit,
// stop-loss, trailing-stop multiples), runs every variant concurrently,
// and prints one metrics summary line per variant.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/orb5m-backtester/cmd/bars"
	"github.com/atlas-desktop/orb5m-backtester/internal/backtester"
	"github.com/atlas-desktop/orb5m-backtester/internal/strategy"
	"github.com/atlas-desktop/orb5m-backtester/internal/workers"
	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
)

func main() {
	csvPath := flag.String("csv", "", "path to the bar CSV (timestamp,symbol,tf,o,h,l,c,v,spread)")
	symbol := flag.String("symbol", "EURUSD", "instrument symbol")
	strategyID := flag.String("strategy-id", "orb5m", "strategy id")
	mode := flag.String("mode", "backtest", "backtest | simulate_live")
	orBars := flag.Int("or-bars", 3, "number of opening-range bars")
	kTPGrid := flag.String("k-tp", "2.0", "comma-separated take-profit ATR multiples")
	kSLGrid := flag.String("k-sl", "1.0", "comma-separated stop-loss ATR multiples")
	kTrailGrid := flag.String("k-trail", "0", "comma-separated trailing-stop ATR multiples (0 disables)")
	workersN := flag.Int("workers", 0, "concurrent runner count (0 = NumCPU)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	out := flag.String("out", "", "write results.json here; empty prints to stdout")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	if *csvPath == "" {
		logger.Fatal("-csv is required")
	}

	kTPs, err := parseFloatGrid(*kTPGrid)
	if err != nil {
		logger.Fatal("parse -k-tp", zap.Error(err))
	}
	kSLs, err := parseFloatGrid(*kSLGrid)
	if err != nil {
		logger.Fatal("parse -k-sl", zap.Error(err))
	}
	kTrails, err := parseFloatGrid(*kTrailGrid)
	if err != nil {
		logger.Fatal("parse -k-trail", zap.Error(err))
	}

	var tasks []*workers.SweepTask
	for _, kTP := range kTPs {
		for _, kSL := range kSLs {
			for _, kTrail := range kTrails {
				cfg := types.DefaultRunnerConfig(*strategyID, *symbol)
				cfg.Mode = *mode
				path := *csvPath
				tasks = append(tasks, &workers.SweepTask{
					Label:    fmt.Sprintf("k_tp=%.3g,k_sl=%.3g,k_trail=%.3g", kTP, kSL, kTrail),
					Config:   cfg,
					Strategy: strategy.NewORB(*orBars, kTP, kSL, kTrail),
					NewSource: func() backtester.BarSource {
						f, err := os.Open(path)
						if err != nil {
							return errSource{err: fmt.Errorf("sweep: open csv: %w", err)}
						}
						src, err := bars.NewCSVSource(f)
						if err != nil {
							f.Close()
							return errSource{err: fmt.Errorf("sweep: read csv header: %w", err)}
						}
						return closingSource{CSVSource: src, f: f}
					},
				})
			}
		}
	}

	logger.Info("sweep starting", zap.Int("variants", len(tasks)))
	sweep := workers.NewSweep(logger, *workersN)
	results, err := sweep.Run(tasks)
	if err != nil {
		logger.Fatal("sweep failed", zap.Error(err))
	}

	writeResults(logger, *out, results)
}

// parseFloatGrid splits a comma-separated list of floats, trimming
// whitespace around each entry.
func parseFloatGrid(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", p, err)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty grid")
	}
	return out, nil
}

// closingSource closes the underlying file once the source is exhausted or
// errors, so a sweep over many variants doesn't leak file descriptors.
type closingSource struct {
	*bars.CSVSource
	f *os.File
}

func (c closingSource) Next() (types.Bar, bool, error) {
	bar, ok, err := c.CSVSource.Next()
	if !ok || err != nil {
		c.f.Close()
	}
	return bar, ok, err
}

// errSource reports a single error on first Next() call, used when a
// variant's source can't even be opened.
type errSource struct{ err error }

func (e errSource) Next() (types.Bar, bool, error) { return types.Bar{}, false, e.err }

type sweepResultSummary struct {
	Label       string  `json:"label"`
	Trades      int     `json:"trades"`
	Wins        int     `json:"wins"`
	TotalPips   float64 `json:"total_pips"`
	MaxDrawdown float64 `json:"max_drawdown"`
	Sharpe      *float64 `json:"sharpe,omitempty"`
	Error       string  `json:"error,omitempty"`
}

func writeResults(logger *zap.Logger, out string, results []workers.SweepResult) {
	summaries := make([]sweepResultSummary, len(results))
	for i, r := range results {
		s := sweepResultSummary{
			Label:       r.Label,
			Trades:      len(r.Metrics.Trades),
			Wins:        r.Metrics.Wins,
			TotalPips:   r.Metrics.TotalPips,
			MaxDrawdown: r.Metrics.MaxDrawdown,
			Sharpe:      r.Metrics.Sharpe,
		}
		if r.Err != nil {
			s.Error = r.Err.Error()
		}
		summaries[i] = s
	}

	b, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		logger.Error("marshal results", zap.Error(err))
		return
	}
	if out == "" {
		fmt.Println(string(b))
		return
	}
	if err := os.WriteFile(out, b, 0o644); err != nil {
		logger.Error("write results file", zap.Error(err), zap.String("path", out))
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
