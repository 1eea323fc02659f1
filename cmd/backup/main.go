package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	osbackup "github.com/valvemist/osbackup/backup"
)

var logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

type runOptions struct {
	batchPath   string
	scratchDir  string
	blockSize   string
	metricsFile string
	noProgress  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool
	rootCmd := &cobra.Command{
		Use:   "osbackup",
		Short: "Back up installed operating system images",
		Long: `osbackup captures the partitions of installed operating system images
into compressed archives or block images and rewrites their metadata so the
backups can be reinstalled.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zerolog.InfoLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			logger = logger.Level(level)
			osbackup.SetLogger(logger)
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newPlanCmd())
	return rootCmd
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Back up every image listed in a batch file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.batchPath, "batch", "", "Path to the batch file (required)")
	cmd.Flags().StringVar(&opts.scratchDir, "scratch-dir", "", "Mount point used while archiving partitions")
	cmd.Flags().StringVar(&opts.blockSize, "block-size", "", "Block size passed to dd")
	cmd.Flags().StringVar(&opts.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file when done")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Do not render a progress bar")
	_ = cmd.MarkFlagRequired("batch")
	return cmd
}

func newPlanCmd() *cobra.Command {
	var batchPath string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the planned partitions.json of every image in a batch file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := loadBatch(batchPath)
			if err != nil {
				return err
			}
			cfg, err := batch.config(osbackup.DefaultConfig())
			if err != nil {
				return err
			}
			requests, err := batch.requests()
			if err != nil {
				return err
			}
			return PlanWorkflow(cmd.Context(), osbackup.NewRunner(cfg), requests, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&batchPath, "batch", "", "Path to the batch file (required)")
	_ = cmd.MarkFlagRequired("batch")
	return cmd
}

func runBatch(cmd *cobra.Command, opts runOptions) error {
	batch, err := loadBatch(opts.batchPath)
	if err != nil {
		return err
	}
	cfg := osbackup.DefaultConfig()
	if opts.scratchDir != "" {
		batch.ScratchDir = opts.scratchDir
	}
	if opts.blockSize != "" {
		batch.BlockSize = opts.blockSize
	}
	if cfg, err = batch.config(cfg); err != nil {
		return err
	}
	requests, err := batch.requests()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics, err := osbackup.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	runner := osbackup.NewRunner(cfg, osbackup.WithMetrics(metrics))

	// catch ctrl-c
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(cmd.Context())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		logger.Debug().Msg("Program finished.")
	}()
	wg.Go(func() {
		select {
		case sig := <-sigs:
			logger.Warn().Str("signal", sig.String()).Msg("Interrupt received, stopping backup")
			cancel()
		case <-ctx.Done():
		}
	})

	bar := newProgressBar(!opts.noProgress)
	failures := RunBackupWorkflow(ctx, runner, requests, bar)

	if opts.metricsFile != "" {
		if err := prometheus.WriteToTextfile(opts.metricsFile, reg); err != nil {
			logger.Error().Err(err).Str("path", opts.metricsFile).Msg("Failed to write metrics")
		}
	}
	if err := ctx.Err(); err != nil && failures > 0 {
		return fmt.Errorf("backup interrupted, %d of %d images not backed up: %w", failures, len(requests), err)
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d images failed", failures, len(requests))
	}
	return nil
}

func handleEvents(event osbackup.Event, bar *progressBar, callback func(failures int)) {
	switch event.Kind {
	case osbackup.EventTotalSize:
		bar.setTotal(event.Bytes)
	case osbackup.EventStatus:
		bar.setStatus(event.Message)
	case osbackup.EventDeviceMounted:
		logger.Debug().Str("device", event.Path).Msg("Capturing device")
	case osbackup.EventProgress:
		bar.add(event.Bytes)
	case osbackup.EventImageAvailable:
		logger.Info().Str("path", event.Path).Msg("Backup available")
	case osbackup.EventCompleted:
		bar.finish()
		callback(event.Failures)
	default:
		logger.Debug().Str("event", event.Kind.String()).Msg("Unhandled event")
	}
}
