package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"lumina/backend/internal/adapter/blob"
	"lumina/backend/internal/app"
	"lumina/backend/internal/config"
	"lumina/backend/internal/events"
	"lumina/backend/internal/extract"
	"lumina/backend/internal/logger"
	"lumina/backend/internal/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lumina",
		Short:         "Document ingestion service with live job events",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newTrainCmd())
	return root
}

// setup loads configuration and installs the process logger.
func setup(stdout io.Writer) (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, closeLog := logger.New(stdout, cfg.LogFile, logger.ParseLevel(cfg.LogLevel))
	slog.SetDefault(log)
	return cfg, log, closeLog, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and ingestion workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, closeLog, err := setup(os.Stdout)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
	}
}

// run boots every dependency and serves until ctx is done.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		log.Error("bootstrap failed", "error", err)
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			log.Warn("failed to close dependencies", "error", err)
		}
	}()

	application, err := app.New(cfg, deps, nil)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	if cfg.EnableTaskWorker && deps.NSQProducer != nil {
		consumer, err := app.ConnectTaskConsumer(cfg, application.TaskConsumer)
		if err != nil {
			return err
		}
		defer consumer.Stop()
		log.Info("NSQ task consumer connected", "topic", config.TopicIngestTask)
	}

	return application.Run(ctx)
}

func newTrainCmd() *cobra.Command {
	var (
		tenantID string
		file     string
		itemID   string
		title    string
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Ingest one local file in-process and print its job events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Logs go to stderr so events stay readable on stdout.
			cfg, _, closeLog, err := setup(os.Stderr)
			if err != nil {
				return err
			}
			defer closeLog()

			abs, err := filepath.Abs(file)
			if err != nil {
				return err
			}
			if itemID == "" {
				itemID = uuid.NewString()
			}
			if title == "" {
				title = filepath.Base(abs)
			}

			cfg.EventBus = "memory"
			cfg.LocalFileRoot = filepath.Dir(abs)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return train(ctx, cfg, cmd.OutOrStdout(), tenantID, worker.Item{
				ID:          itemID,
				Title:       title,
				UploadLink:  blob.FileLink(abs),
				ContentType: extract.TypeFromName(abs),
			})
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&file, "file", "", "path of the document to ingest (required)")
	cmd.Flags().StringVar(&itemID, "item", "", "library item id (default: random)")
	cmd.Flags().StringVar(&title, "title", "", "document title (default: file name)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

var errIngestionFailed = errors.New("ingestion failed")

func train(ctx context.Context, cfg *config.Config, out io.Writer, tenantID string, item worker.Item) error {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	application, err := app.New(cfg, deps, nil)
	if err != nil {
		return err
	}

	terminal := make(chan events.Event, 1)
	unsub, err := deps.Bus.Subscribe(ctx, tenantID, func(e events.Event) {
		printEvent(out, e)
		if events.IsTerminal(e) {
			select {
			case terminal <- e:
			default:
			}
		}
	})
	if err != nil {
		return err
	}
	defer unsub()

	if _, err := application.Dispatcher.Start(ctx, tenantID, item); err != nil {
		return err
	}

	var last events.Event
	select {
	case last = <-terminal:
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	application.Drain(drainCtx)

	if last == nil {
		// Cancelled; the drain above published the terminal event.
		return ctx.Err()
	}
	if last.Type() == events.TypeJobFailed {
		return errIngestionFailed
	}
	return nil
}

var (
	started   = color.New(color.FgCyan, color.Bold).SprintFunc()
	progress  = color.New(color.FgYellow).SprintFunc()
	completed = color.New(color.FgGreen, color.Bold).SprintFunc()
	failed    = color.New(color.FgRed, color.Bold).SprintFunc()
)

func printEvent(w io.Writer, e events.Event) {
	ts := e.Meta().Timestamp.Format(time.TimeOnly)
	switch ev := e.(type) {
	case events.JobStarted:
		fmt.Fprintf(w, "%s %s %s (%d steps)\n", ts, started("started"), ev.Title, ev.TotalSteps)
	case events.JobProgress:
		fmt.Fprintf(w, "%s %s %-9s %5.1f%% step %d/%d %s\n", ts, progress("progress"), ev.Stage, ev.Percent, ev.CurrentStep, ev.TotalSteps, ev.Message)
	case events.JobCompleted:
		fmt.Fprintf(w, "%s %s in %dms\n", ts, completed("completed"), ev.DurationMs)
	case events.JobFailed:
		fmt.Fprintf(w, "%s %s %s: %s (retryable=%t)\n", ts, failed("failed"), ev.Error.Name, ev.Error.Message, ev.Error.Retryable)
	}
}
