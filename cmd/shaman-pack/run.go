package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yuya-takeyama/shaman-pack/internal/checksum"
	"github.com/yuya-takeyama/shaman-pack/internal/config"
	"github.com/yuya-takeyama/shaman-pack/internal/logging"
	"github.com/yuya-takeyama/shaman-pack/internal/metrics"
	"github.com/yuya-takeyama/shaman-pack/internal/walker"
	"github.com/yuya-takeyama/shaman-pack/pkg/transfer"
)

const pollInterval = 100 * time.Millisecond

func run(cmd *cobra.Command, f *flags, projectDir, primaryFile string) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	logging.Setup(cfg.Logging())
	logger := logging.Component("cli")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, &cfg, storeOptions{profile: f.profile, region: f.region, concurrency: f.concurrency})
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}()

	fs := checksum.OSFS()
	action := transfer.ActionCopy
	if cfg.Move {
		action = transfer.ActionMove
	}
	w, err := walker.New(fs, projectDir, cfg.Excludes, action)
	if err != nil {
		return err
	}

	primary, err := filepath.Abs(primaryFile)
	if err != nil {
		return fmt.Errorf("get absolute path: %w", err)
	}
	if _, err := os.Stat(primary); err != nil {
		return fmt.Errorf("primary file: %w", err)
	}
	primaryRemote, err := w.RemotePath(primary)
	if err != nil {
		return fmt.Errorf("primary file: %w", err)
	}

	requests := transfer.NewQueue()
	fileCount, err := w.Walk(ctx, requests)
	if err != nil {
		return err
	}
	if !containsRemotePath(requests, primaryRemote) {
		return fmt.Errorf("primary file %s is excluded from the transfer", primaryRemote)
	}

	cache, err := checksum.NewCache(fs, cfg.CacheFile)
	if err != nil {
		return err
	}

	checkoutPath := cfg.CheckoutPath
	switch {
	case f.noCheckout:
		checkoutPath = ""
	case checkoutPath == "":
		checkoutPath = defaultCheckoutPath(w.Root())
	}

	var observer transfer.Observer
	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.New()
		observer = m
		metricsCtx, cancelMetrics := context.WithCancel(context.Background())
		defer cancelMetrics()
		go func() {
			if err := m.Serve(metricsCtx, cfg.MetricsAddr); err != nil {
				logger.Error("metrics server failed", "address", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	registry := transfer.NewRegistry()
	started := time.Now()
	worker, err := registry.Start(context.Background(), transfer.Job{
		Requests:          requests,
		Store:             st,
		FS:                fs,
		Cache:             cache,
		CheckoutPath:      checkoutPath,
		PrimaryRemotePath: primaryRemote,
		MissingFiles:      w.Missing(),
		Options:           cfg.Options(),
		Observer:          observer,
	})
	if err != nil {
		return err
	}
	if m != nil {
		m.RunStarted()
	}
	logger.Info("transfer started", "run_id", worker.ID(), "files", fileCount, "checkout_path", checkoutPath)

	status := pollUntilDone(ctx, registry, worker, logger)
	out := worker.Wait()
	duration := time.Since(started)
	if m != nil {
		m.RunFinished(string(status), duration)
	}

	if f.resultJSONFile != "" {
		if err := writeTransferResult(f.resultJSONFile, newTransferResult(status, out, requests.Remaining(), duration)); err != nil {
			return fmt.Errorf("failed to write result JSON: %w", err)
		}
	}

	logging.PrintSummary(cmd.OutOrStdout(), logging.Summary{
		FilesUploaded: out.FilesUploaded,
		BytesUploaded: out.BytesUploaded,
		FilesSkipped:  out.FilesSkipped,
		Deferred:      out.Deferred,
		Failed:        out.Failed,
		OutputPath:    out.OutputPath,
		Status:        string(status),
		Err:           out.Err,
		Duration:      duration,
	}, f.quiet)

	if out.Interrupted() {
		return errors.New("transfer aborted")
	}
	if out.Err != nil {
		return fmt.Errorf("transfer failed: %w", out.Err)
	}
	return nil
}

// pollUntilDone logs worker events until the terminal one, aborting the
// run once ctx is cancelled. It returns the final status.
func pollUntilDone(ctx context.Context, registry *transfer.Registry, w *transfer.Worker, logger *slog.Logger) transfer.Status {
	aborting := false
	for {
		if !aborting && ctx.Err() != nil {
			aborting = true
			logger.Warn("interrupted, aborting transfer")
			registry.Abort()
		}

		ev, ok := w.Poll(pollInterval)
		if !ok {
			continue
		}
		switch ev := ev.(type) {
		case transfer.EventStatus:
			logger.Info("status", "status", ev.Status, "text", ev.Text)
		case transfer.EventProgress:
			logger.Debug("progress", "percent", ev.Percent, "bytes", ev.Bytes, "total", ev.Total)
		case transfer.EventDone:
			logger.Info("transfer done", "output_path", ev.OutputPath)
			for _, missing := range ev.MissingFiles {
				logger.Warn("missing file", "path", missing)
			}
			return transfer.StatusDone
		case transfer.EventAborted:
			logger.Warn("transfer aborted", "reason", ev.Reason)
			return transfer.StatusAborted
		case transfer.EventException:
			logger.Error("transfer failed", "error", ev.Err)
			return transfer.StatusFailed
		}
	}
}

func defaultCheckoutPath(root string) string {
	return fmt.Sprintf("%s-%s", filepath.Base(root), uuid.NewString()[:8])
}

// loadConfig layers the config file and environment below the flags that
// were set explicitly.
func loadConfig(cmd *cobra.Command, f *flags) (config.Config, error) {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return config.Config{}, err
	}

	changed := cmd.Flags().Changed
	if changed("store") {
		cfg.Store = f.store
	}
	if changed("checkout-path") {
		cfg.CheckoutPath = f.checkoutPath
	}
	if changed("exclude") {
		cfg.Excludes = f.excludes
	}
	if changed("move") {
		cfg.Move = f.move
	}
	if changed("cache-file") {
		cfg.CacheFile = f.cacheFile
	}
	if changed("compress") {
		cfg.Compress = f.compress
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = f.metricsAddr
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	} else if f.quiet {
		cfg.Log.Level = "warn"
	}
	if changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if changed("max-rounds") {
		cfg.Transfer.MaxRounds = f.maxRounds
	}
	if changed("max-deferred") {
		cfg.Transfer.MaxDeferred = f.maxDeferred
	}
	if changed("max-failed") {
		cfg.Transfer.MaxFailed = f.maxFailed
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func containsRemotePath(q *transfer.Queue, remotePath string) bool {
	for _, req := range q.Remaining() {
		if req.RemotePath == remotePath {
			return true
		}
	}
	return false
}
