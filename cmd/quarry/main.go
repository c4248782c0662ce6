// Package main provides the quarry command line: it executes JSON query
// plans against an embedded or remote tabular store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/TFMV/quarry/cmd/quarry/config"
	"github.com/TFMV/quarry/pkg/errors"
	"github.com/TFMV/quarry/pkg/infrastructure/metrics"
	"github.com/TFMV/quarry/pkg/models"
	"github.com/TFMV/quarry/pkg/repositories/backends"
)

var (
	// Version information (set by build flags)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the state shared by every subcommand.
type cli struct {
	v      *viper.Viper
	logOut io.Writer
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New(), logOut: os.Stderr}

	rootCmd := &cobra.Command{
		Use:   "quarry",
		Short: "Quarry query plan engine",
		Long: `Quarry executes structured query plans against tabular storage.

Plans are JSON documents produced by a planner. Results are printed as JSON
result sets annotated with derived analysis.`,
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file path")
	flags.String("backend", backends.Default, "storage backend (duckdb, sqlite, postgres)")
	flags.String("database", ":memory:", "database path or DSN")
	flags.Bool("read-only", false, "open the database read-only")
	flags.String("token", "", "access token for hosted databases (MotherDuck)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Duration("timeout", 5*time.Minute, "per-request timeout")
	flags.Bool("cache", true, "enable the in-memory result cache")
	flags.Int("cache-max-entries", 1000, "maximum cached results")
	flags.Duration("cache-ttl", time.Hour, "cached result lifetime")
	flags.Bool("disk-cache", false, "enable the persistent result cache")
	flags.String("disk-cache-path", "quarry-cache.db", "persistent result cache file")
	flags.Bool("metrics", false, "serve Prometheus metrics while running")
	flags.String("metrics-address", ":9090", "metrics server address")
	flags.Int("workers", 4, "concurrent requests in batch mode")

	// Bind flags to viper
	if err := c.v.BindPFlags(flags); err != nil {
		panic(fmt.Errorf("failed to bind flags: %w", err))
	}
	c.v.SetEnvPrefix("QUARRY")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "exec [request.json]",
			Short: "Execute one plan or request document (stdin when omitted)",
			Args:  cobra.MaximumNArgs(1),
			RunE:  c.runExec,
		},
		&cobra.Command{
			Use:   "batch <request.json>...",
			Short: "Execute several request documents concurrently",
			Args:  cobra.MinimumNArgs(1),
			RunE:  c.runBatch,
		},
		&cobra.Command{
			Use:   "tables",
			Short: "List the tables visible to the engine",
			Args:  cobra.NoArgs,
			RunE:  c.runTables,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Quarry\n")
				fmt.Fprintf(out, "Version:    %s\n", version)
				fmt.Fprintf(out, "Commit:     %s\n", commit)
				fmt.Fprintf(out, "Build Date: %s\n", buildDate)
			},
		},
	)
	return rootCmd
}

func (c *cli) loadConfig() (*config.Config, error) {
	// Load config file if specified
	if configFile := c.v.GetString("config"); configFile != "" {
		c.v.SetConfigFile(configFile)
		if err := c.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := config.DefaultConfig()
	cfg.Backend = c.v.GetString("backend")
	cfg.Database = c.v.GetString("database")
	cfg.ReadOnly = c.v.GetBool("read-only")
	cfg.Token = c.v.GetString("token")
	cfg.LogLevel = c.v.GetString("log-level")
	cfg.QueryTimeout = c.v.GetDuration("timeout")
	cfg.Cache.Enabled = c.v.GetBool("cache")
	cfg.Cache.MaxEntries = c.v.GetInt("cache-max-entries")
	cfg.Cache.TTL = c.v.GetDuration("cache-ttl")
	cfg.Cache.Disk.Enabled = c.v.GetBool("disk-cache")
	cfg.Cache.Disk.Path = c.v.GetString("disk-cache-path")
	cfg.Metrics.Enabled = c.v.GetBool("metrics")
	cfg.Metrics.Address = c.v.GetString("metrics-address")
	cfg.Batch.Workers = c.v.GetInt("workers")

	// Nested settings only come from the config file.
	if c.v.IsSet("connection_pool") {
		if err := c.v.UnmarshalKey("connection_pool", &cfg.ConnectionPool); err != nil {
			return nil, fmt.Errorf("invalid connection_pool: %w", err)
		}
	}
	if c.v.IsSet("statement_cache_size") {
		cfg.StatementCacheSize = c.v.GetInt("statement_cache_size")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// session is one configured engine with its logger and optional metrics
// server.
type session struct {
	cfg     *config.Config
	logger  zerolog.Logger
	engine  *engine
	metrics *metrics.MetricsServer
}

func (c *cli) open() (*session, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := setupLogging(cfg.LogLevel, c.logOut)

	var collector metrics.Collector = metrics.NewNoOpCollector()
	var server *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector = metrics.NewPrometheusCollector("quarry", reg)
		server = metrics.NewMetricsServer(cfg.Metrics.Address, cfg.Metrics.Path, reg)
		go func() {
			logger.Info().Str("address", cfg.Metrics.Address).Msg("Starting metrics server")
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("Failed to start metrics server")
			}
		}()
	}

	eng, err := newEngine(cfg, logger, collector)
	if err != nil {
		if server != nil {
			_ = server.Stop(context.Background())
		}
		return nil, err
	}
	logger.Debug().
		Str("backend", cfg.Backend).
		Bool("cache", cfg.Cache.Enabled).
		Bool("disk_cache", cfg.Cache.Disk.Enabled).
		Msg("Engine ready")
	return &session{cfg: cfg, logger: logger, engine: eng, metrics: server}, nil
}

func (s *session) close() {
	if err := s.engine.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Error closing storage")
	}
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.metrics.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}
}

func (s *session) execute(ctx context.Context, req *models.ExecutionRequest) (*models.ResultSet, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()
	return s.engine.Execute(ctx, req)
}

func (c *cli) runExec(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to read request: %w", err)
	}

	req, err := models.DecodeRequest(data)
	if err != nil {
		return err
	}

	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.close()

	rs, err := s.execute(cmd.Context(), req)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), rs)
}

// batchResult is one line of batch output.
type batchResult struct {
	File      string            `json:"file"`
	RequestID string            `json:"request_id,omitempty"`
	Result    *models.ResultSet `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	Code      string            `json:"code,omitempty"`
}

func (c *cli) runBatch(cmd *cobra.Command, args []string) error {
	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.close()

	p, err := ants.NewPool(s.cfg.Batch.Workers)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer p.Release()

	results := make([]batchResult, len(args))
	var wg sync.WaitGroup
	for i, file := range args {
		i, file := i, file
		wg.Add(1)
		submitErr := p.Submit(func() {
			defer wg.Done()
			results[i] = s.runFile(cmd.Context(), file)
		})
		if submitErr != nil {
			wg.Done()
			results[i] = batchResult{File: file, Error: submitErr.Error(), Code: errors.CodeInternal}
		}
	}
	wg.Wait()

	failed := 0
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, r := range results {
		if r.Error != "" || r.Result.Failed() {
			failed++
		}
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	s.logger.Info().Int("requests", len(args)).Int("failed", failed).Msg("Batch complete")
	if failed > 0 {
		return fmt.Errorf("%d of %d requests failed", failed, len(args))
	}
	return nil
}

func (s *session) runFile(ctx context.Context, file string) batchResult {
	out := batchResult{File: file}
	data, err := os.ReadFile(file)
	if err != nil {
		out.Error, out.Code = err.Error(), errors.CodeInternal
		return out
	}
	req, err := models.DecodeRequest(data)
	if err != nil {
		out.Error, out.Code = errors.GetMessage(err), errors.GetCode(err)
		return out
	}
	rs, err := s.execute(ctx, req)
	out.RequestID = req.RequestID
	if err != nil {
		out.Error, out.Code = errors.GetMessage(err), errors.GetCode(err)
		return out
	}
	out.Result = rs
	return out
}

func (c *cli) runTables(cmd *cobra.Command, args []string) error {
	s, err := c.open()
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), s.cfg.QueryTimeout)
	defer cancel()
	tables, err := s.engine.storage.ListTables(ctx)
	if err != nil {
		return err
	}
	for _, t := range tables {
		fmt.Fprintln(cmd.OutOrStdout(), t)
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setupLogging(level string, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
		// Enable caller info for debug level
		zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
			short := file
			for i := len(file) - 1; i > 0; i-- {
				if file[i] == '/' {
					short = file[i+1:]
					break
				}
			}
			return fmt.Sprintf("%s:%d", short, line)
		}
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	logger := zerolog.New(out).
		Level(logLevel).
		With().
		Timestamp().
		Str("service", "quarry")

	if logLevel == zerolog.DebugLevel {
		logger = logger.Caller()
	}

	return logger.Logger()
}
