package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aluiziolira/tululu-scraper/config"
	"github.com/aluiziolira/tululu-scraper/models"
	"github.com/aluiziolira/tululu-scraper/pipeline"
	"github.com/aluiziolira/tululu-scraper/scraper"
	"github.com/aluiziolira/tululu-scraper/storage"
)

// runFunc starts one crawl on a wired pipeline.
type runFunc func(ctx context.Context, p *pipeline.Pipeline, opts pipeline.Options) (*models.RunResult, error)

type rootOptions struct {
	v       *viper.Viper
	cfgFile string
}

// flagBindings maps CLI flags onto config keys.
var flagBindings = map[string]string{
	"dest-folder":  "dest_folder",
	"json-path":    "json_path",
	"skip-txt":     "skip_txt",
	"skip-imgs":    "skip_imgs",
	"workers":      "workers",
	"format":       "format",
	"metrics-addr": "metrics_addr",
	"verbose":      "verbose",
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "tululu",
		Short: "Download books from the tululu.org catalog",
		Long: `tululu crawls the tululu.org science fiction catalog. For every book it
saves the text and the cover image and keeps a JSON index of the metadata
that is rewritten after each book.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.String("dest-folder", defaults.OutputDir, "directory receiving books, images and the index")
	flags.String("json-path", "", "index file path (default <dest-folder>/books_info.json)")
	flags.Bool("skip-txt", false, "do not download book texts")
	flags.Bool("skip-imgs", false, "do not download cover images")
	flags.Int("workers", defaults.Workers, "books processed concurrently")
	flags.String("format", defaults.OutputFormat, "index format: json or dual (json plus csv)")
	flags.String("metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	flags.BoolP("verbose", "v", false, "enable debug logging")
	if err := bindFlags(opts.v, flags); err != nil {
		panic(err)
	}

	cmd.AddCommand(newPagesCmd(opts), newIDsCmd(opts))
	return cmd
}

func newPagesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pages FIRST [LAST]",
		Short: "Crawl catalog pages FIRST..LAST (LAST defaults to the last page)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			first, err := parsePositive("first page", args[0])
			if err != nil {
				return err
			}
			last := 0
			if len(args) == 2 {
				if last, err = parsePositive("last page", args[1]); err != nil {
					return err
				}
				if last < first {
					return fmt.Errorf("last page %d is before first page %d", last, first)
				}
			}
			return execute(cmd, opts, func(ctx context.Context, p *pipeline.Pipeline, o pipeline.Options) (*models.RunResult, error) {
				o.FirstPage = first
				o.LastPage = last
				return p.Run(ctx, o)
			})
		},
	}
}

func newIDsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ids FIRST LAST",
		Short: "Crawl books by id without reading the catalog",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			first, err := parsePositive("first id", args[0])
			if err != nil {
				return err
			}
			last, err := parsePositive("last id", args[1])
			if err != nil {
				return err
			}
			return execute(cmd, opts, func(ctx context.Context, p *pipeline.Pipeline, o pipeline.Options) (*models.RunResult, error) {
				return p.RunIDs(ctx, first, last, o)
			})
		},
	}
}

func execute(cmd *cobra.Command, opts *rootOptions, run runFunc) error {
	cfg, err := config.Load(opts.v, opts.cfgFile)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics := scraper.NewMetrics()
	fetcher, err := scraper.NewFetcher(cfg, metrics, logger.Named("fetcher"))
	if err != nil {
		return fmt.Errorf("init fetcher: %w", err)
	}
	p := pipeline.New(cfg, fetcher, storage.New(nil), metrics, logger.Named("pipeline"))

	ctx := cmd.Context()
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received, abandoning in-flight requests")
	}()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("metrics server enabled", zap.String("addr", cfg.MetricsAddr))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics server shutdown failed", zap.Error(err))
			}
		}()
	}

	result, err := run(ctx, p, pipeline.OptionsFromConfig(cfg))
	if result != nil {
		printSummary(cmd.OutOrStdout(), result)
	}

	var outOfRange scraper.ErrPageOutOfRange
	if errors.As(err, &outOfRange) {
		logger.Warn("nothing to crawl", zap.Error(err))
		return nil
	}
	return err
}

// bindFlags lets flags override config file and environment values.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for flag, key := range flagBindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}

func parsePositive(name, raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not a number", name, raw)
	}
	if n < 1 {
		return 0, fmt.Errorf("%s must be at least 1, got %d", name, n)
	}
	return n, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	var cfg zap.Config
	if verbose || isTerminal(os.Stderr) {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
	}
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func printSummary(w io.Writer, result *models.RunResult) {
	separator := "--------------------------------------------------"
	fmt.Fprintln(w, "\n"+separator)
	fmt.Fprintln(w, "Crawl complete")
	fmt.Fprintf(w, "  Run:           %s\n", result.RunID)
	fmt.Fprintf(w, "  Books indexed: %s\n", humanize.Comma(int64(result.ItemCount)))
	fmt.Fprintf(w, "  Dropped:       %d\n", len(result.DroppedIDs))
	if len(result.DroppedIDs) > 0 {
		fmt.Fprintf(w, "  Dropped ids:   %v\n", result.DroppedIDs)
	}
	partial := 0
	for _, record := range result.Records {
		if record.DownloadError != "" {
			partial++
		}
	}
	fmt.Fprintf(w, "  Partial:       %d\n", partial)
	if result.PageCount > 0 {
		fmt.Fprintf(w, "  Pages:         %d\n", result.PageCount)
	}
	fmt.Fprintf(w, "  Requests:      %s\n", humanize.Comma(int64(result.RequestCount)))
	fmt.Fprintf(w, "  Retries:       %d\n", result.RetryCount)
	if len(result.ErrorsByType) > 0 {
		categories := make([]string, 0, len(result.ErrorsByType))
		for category := range result.ErrorsByType {
			categories = append(categories, category)
		}
		sort.Strings(categories)
		for _, category := range categories {
			fmt.Fprintf(w, "  Errors[%s]: %d\n", category, result.ErrorsByType[category])
		}
	}
	fmt.Fprintf(w, "  Written:       %s\n", humanize.Bytes(uint64(result.BytesWritten)))
	fmt.Fprintf(w, "  Duration:      %v\n", result.EndTime.Sub(result.StartTime).Round(time.Millisecond))
	fmt.Fprintf(w, "  Index:         %s\n", result.IndexPath)
	fmt.Fprintln(w, separator)
}
