// Command backtest is a thin entrypoint: it reads a CSV bar stream, builds
// a RunnerConfig from flags, and runs one backtest or simulate-live pass.
// Manifest/YAML parsing and broker-format ingestion stay out of the core
// packages — this binary only speaks the one fixed CSV shape cmd/bars
// defines as the input boundary.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/orb5m-backtester/cmd/bars"
	"github.com/atlas-desktop/orb5m-backtester/internal/backtester"
	"github.com/atlas-desktop/orb5m-backtester/internal/state"
	"github.com/atlas-desktop/orb5m-backtester/internal/strategy"
	"github.com/atlas-desktop/orb5m-backtester/pkg/types"
)

func main() {
	csvPath := flag.String("csv", "", "path to the bar CSV (timestamp,symbol,tf,o,h,l,c,v,spread)")
	symbol := flag.String("symbol", "EURUSD", "instrument symbol")
	strategyID := flag.String("strategy-id", "orb5m", "strategy id, used for the archive path")
	mode := flag.String("mode", "backtest", "backtest | simulate_live")
	archiveRoot := flag.String("archive", "./archive", "snapshot archive root")
	resume := flag.Bool("resume", false, "resume from the latest snapshot for this strategy/symbol/mode")
	orBars := flag.Int("or-bars", 3, "number of opening-range bars")
	kTP := flag.Float64("k-tp", 2.0, "take-profit ATR multiple")
	kSL := flag.Float64("k-sl", 1.0, "stop-loss ATR multiple")
	kTrail := flag.Float64("k-trail", 0, "trailing-stop ATR multiple (0 disables)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	out := flag.String("out", "", "write metrics.json here; empty prints to stdout")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	if *csvPath == "" {
		logger.Fatal("-csv is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := types.DefaultRunnerConfig(*strategyID, *symbol)
	cfg.Mode = *mode
	cfg.Archive.Root = *archiveRoot

	strat := strategy.NewORB(*orBars, *kTP, *kSL, *kTrail)

	var seed *types.StateSnapshot
	if *resume {
		archiver := state.NewArchiver(cfg.Archive, logger)
		_, snap, err := archiver.Latest(cfg.StrategyID, cfg.Symbol, cfg.Mode)
		if err != nil {
			logger.Fatal("resume requested but no snapshot found", zap.Error(err))
		}
		if err := state.VerifyFingerprint(snap, cfg, *kTP, *kSL, *kTrail); err != nil {
			logger.Warn("resuming from a snapshot with a different fingerprint", zap.Error(err))
		}
		seed = &snap
	}

	f, err := os.Open(*csvPath)
	if err != nil {
		logger.Fatal("open csv", zap.Error(err))
	}
	defer f.Close()
	source, err := bars.NewCSVSource(f)
	if err != nil {
		logger.Fatal("read csv header", zap.Error(err))
	}

	runner := backtester.NewRunner(cfg, strat, logger, seed)
	metrics, err := runner.Run(ctx, source)
	if err != nil {
		logger.Fatal("run failed", zap.Error(err))
	}

	if *archiveRoot != "" {
		archiver := state.NewArchiver(cfg.Archive, logger)
		snap, err := runner.ExportSnapshot(lastBarTimestamp(metrics, seed))
		if err != nil {
			logger.Error("export snapshot failed", zap.Error(err))
		} else if _, err := archiver.Save(cfg.StrategyID, cfg.Symbol, cfg.Mode, uniqueRunID(), time.Now().UTC(), snap); err != nil {
			logger.Error("save snapshot failed", zap.Error(err))
		}
	}

	writeMetrics(logger, *out, metrics)
}

func lastBarTimestamp(metrics types.RunMetrics, seed *types.StateSnapshot) time.Time {
	if len(metrics.Trades) > 0 {
		return metrics.Trades[len(metrics.Trades)-1].ClosedAt
	}
	if seed != nil {
		return seed.LastBarTS
	}
	return time.Now().UTC()
}

func uniqueRunID() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36)
}

func writeMetrics(logger *zap.Logger, out string, metrics types.RunMetrics) {
	b, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		logger.Error("marshal metrics", zap.Error(err))
		return
	}
	if out == "" {
		fmt.Println(string(b))
		return
	}
	if err := os.WriteFile(out, b, 0o644); err != nil {
		logger.Error("write metrics file", zap.Error(err), zap.String("path", out))
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
