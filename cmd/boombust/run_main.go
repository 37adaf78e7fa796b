package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/boombust/internal/domain"
)

// runRun executes one collector end to end and exits on its outcome.
func runRun(cmd *cobra.Command, args []string) error {
	source, err := domain.ParseDataSource(args[0])
	if err != nil {
		return domain.ConfigErr("cli", "invalid source argument", err)
	}
	metric := args[1]

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.sched.RunNow(ctx, source, metric)
	if err != nil {
		return err
	}
	if !result.Success {
		return &exitError{
			code: exitAllFailed,
			msg:  fmt.Sprintf("%s %s failed: %v", args[0], metric, result.Err),
		}
	}

	fmt.Printf("%s %s: value=%.4f confidence=%.2f retries=%d duration=%s\n",
		args[0], metric, result.Point.Value, result.Point.Confidence,
		result.RetryCount, result.ExecutionDuration.Round(time.Millisecond))
	return nil
}

// runRunAll executes every registered collector concurrently and folds
// the outcomes into the process exit code.
func runRunAll(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	results := a.sched.RunAll(ctx)

	var succeeded, failed int
	for _, result := range results {
		key := domain.MetricKey(result.DataSource, result.MetricName)
		if result.Success {
			succeeded++
			fmt.Printf("ok    %-40s value=%.4f confidence=%.2f\n",
				key, result.Point.Value, result.Point.Confidence)
			continue
		}
		failed++
		fmt.Printf("FAIL  %-40s %v\n", key, result.Err)
	}

	log.Info().Int("succeeded", succeeded).Int("failed", failed).Msg("Run-all finished")

	switch {
	case failed == 0:
		return nil
	case succeeded == 0:
		return &exitError{code: exitAllFailed, msg: fmt.Sprintf("all %d collections failed", failed)}
	default:
		return &exitError{code: exitPartial, msg: fmt.Sprintf("%d of %d collections failed", failed, succeeded+failed)}
	}
}
