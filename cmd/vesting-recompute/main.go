package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/ledger_backend/audit"
	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/workflow"
)

func main() {
	tenantID := flag.String("tenant-id", "", "Optional: recompute one tenant (default: every ACTIVE tenant)")
	asOfStr := flag.String("as-of", "", "Optional: evaluation date (YYYY-MM-DD). Defaults to today (UTC).")
	concurrency := flag.Int("concurrency", 0, "Optional: plans recomputed in parallel per tenant (default from settings)")
	flag.Parse()

	asOf := time.Now().UTC()
	if s := strings.TrimSpace(*asOfStr); s != "" {
		d, err := time.Parse("2006-01-02", s)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid as-of date: %v\n", err)
			os.Exit(1)
		}
		asOf = d
	}

	settings, err := config.LoadSettings()
	if err != nil {
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
	svc.VestingConcurrency = settings.VestingConcurrency
	if *concurrency > 0 {
		svc.VestingConcurrency = *concurrency
	}

	ctx := context.Background()
	var reports []*workflow.VestingReport
	if t := strings.TrimSpace(*tenantID); t != "" {
		report, err := svc.RecomputeVesting(ctx, t, asOf)
		if err != nil {
			fmt.Fprintf(os.Stderr, "recompute %s: %v\n", t, err)
			os.Exit(1)
		}
		reports = append(reports, report)
	} else {
		reports = workflow.NewMonthlyScheduler(svc, logger).RunOnce(ctx, asOf)
	}

	failed := 0
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, r := range reports {
		failed += len(r.Failed)
		_ = enc.Encode(r)
	}
	fmt.Printf("tenants=%d failed_plans=%d as_of=%s\n", len(reports), failed, asOf.Format("2006-01-02"))
	if failed > 0 {
		os.Exit(2)
	}
}
