package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mmdatafocus/ledger_backend/audit"
	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/workflow"
)

func main() {
	window := flag.Duration("window", 0, "Optional: settlement window override (default SETTLEMENT_WINDOW)")
	batch := flag.Int("batch", 0, "Optional: transactions per batch (default from settings)")
	maxBatches := flag.Int("max-batches", 100, "Stop after this many batches")
	flag.Parse()

	settings, err := config.LoadSettings()
	if err != nil && *window <= 0 {
		fmt.Fprintf(os.Stderr, "settings: %v\n", err)
		os.Exit(1)
	}
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	svc := workflow.NewService(db, workflow.NewUnitController(db, logger, nil), audit.NewWriter(logger, nil), nil, logger, nil)
	w := *window
	if w <= 0 {
		w = settings.SettlementWindow
	}
	sweeper := workflow.NewSettlementSweeper(svc, logger, w)
	if *batch > 0 {
		sweeper.BatchSize = *batch
	} else if settings != nil && settings.SweepBatchSize > 0 {
		sweeper.BatchSize = settings.SweepBatchSize
	}

	ctx := context.Background()
	started := time.Now()
	total := 0
	for i := 0; i < *maxBatches; i++ {
		n, err := sweeper.SweepOnce(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sweep failed after %d transactions: %v\n", total, err)
			os.Exit(1)
		}
		total += n
		if n < sweeper.BatchSize {
			break
		}
	}
	fmt.Printf("expired=%d window=%s elapsed=%s\n", total, w, time.Since(started).Round(time.Millisecond))
}
