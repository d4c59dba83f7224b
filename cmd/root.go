// Package cmd holds the cryptomaint command line.
package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"cryptomaint/config"
	"cryptomaint/internal/metrics"
	"cryptomaint/internal/migration"
	"cryptomaint/internal/store"
	"cryptomaint/logger"
	"cryptomaint/processor"
	"cryptomaint/writer"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath string
	tasksPath  string
	envFile    string
	logLevel   string
	dryRun     bool
	assumeYes  bool

	appCfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "cryptomaint",
	Short: "Maintenance tasks for the market-data MongoDB collections",
	Long: `cryptomaint removes duplicate records, enforces unique indexes, drops
obsolete collections, applies one-shot field migrations and exports
collections of the exchange, trade, api and analysis databases.

Tasks are declared in a tasks file and run with "cryptomaint run", or
invoked one at a time with the dedicated commands.`,
	Version:           fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// Execute runs the command line with ctx and returns the first hard failure.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "configuration file")
	rootCmd.PersistentFlags().StringVar(&tasksPath, "tasks", config.DefaultTasksPath, "tasks file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "extra .env file to load before the configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "report what would change without changing anything")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "confirm drop and migrate tasks (ignored in production and staging)")
}

func setup(cmd *cobra.Command, args []string) error {
	log := logger.GetLogger()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		return fmt.Errorf("failed to configure logger: %w", err)
	}
	appCfg = cfg

	log.WithComponent("main").WithFields(logger.Fields{
		"service":     cfg.Maintenance.Name,
		"version":     cfg.Maintenance.Version,
		"environment": config.AppEnvironment(),
		"command":     cmd.Name(),
	}).Info("starting cryptomaint")
	return nil
}

// session is everything a command needs to touch the databases.
type session struct {
	cfg    *config.Config
	client *store.MongoClient
	runner *processor.Runner
}

func openSession(ctx context.Context, withExporter bool) (*session, error) {
	log := logger.GetLogger()
	cfg := appCfg

	metrics.Init()
	if cfg.Metrics.CloudWatch.Enabled {
		if err := metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace); err != nil {
			log.WithComponent("main").WithError(err).Warn("CloudWatch metrics disabled")
		}
	}

	client, err := store.Connect(ctx, cfg.Mongo)
	if err != nil {
		return nil, err
	}

	var exporter *writer.Exporter
	if withExporter {
		var uploader writer.Uploader
		if cfg.Storage.S3.Enabled {
			s3Client, err := writer.NewS3Client(ctx, cfg.Storage.S3)
			if err != nil {
				_ = client.Disconnect(context.Background())
				return nil, err
			}
			uploader = s3Client
		}
		exporter = writer.NewExporter(cfg, uploader)
	}

	runner := processor.NewRunner(cfg, client, exporter, migration.DefaultRegistry(), processor.Options{
		Confirm: assumeYes,
		DryRun:  dryRun,
	})
	return &session{cfg: cfg, client: client, runner: runner}, nil
}

// close pushes metrics, logs the warn and error report and disconnects.
func (s *session) close() {
	log := logger.GetLogger()
	ctx := context.Background()

	if err := metrics.Push(ctx, s.cfg.Metrics.Pushgateway, s.cfg.Metrics.Job); err != nil {
		log.WithComponent("main").WithError(err).Warn("failed to push metrics")
	}
	logger.LogReport(log)
	if err := s.client.Disconnect(ctx); err != nil {
		log.WithComponent("main").WithError(err).Warn("failed to disconnect mongo client")
	}
}

// runTasks runs tasks in one session and logs the summary.
func runTasks(ctx context.Context, withExporter bool, tasks ...config.Task) (*processor.Summary, error) {
	s, err := openSession(ctx, withExporter)
	if err != nil {
		return nil, err
	}
	defer s.close()

	sum, err := s.runner.Run(ctx, tasks)
	if sum != nil {
		sum.Log(logger.GetLogger())
	}
	return sum, err
}

// selection holds the collection flags shared by the ad-hoc commands.
type selection struct {
	database    string
	collections []string
	contains    []string
	prefix      []string
	suffix      []string
	timeframes  []string
	kind        string
	symbols     []string
	exclude     []string
}

func (sel *selection) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&sel.database, "db", "", "database or alias (exchange, trade, api, analysis)")
	f.StringSliceVar(&sel.collections, "collection", nil, "explicit collection name, must exist (repeatable)")
	f.StringSliceVar(&sel.contains, "contains", nil, "select collections whose name contains any of these")
	f.StringSliceVar(&sel.prefix, "prefix", nil, "select collections whose name starts with any of these")
	f.StringSliceVar(&sel.suffix, "suffix", nil, "select collections whose name ends with any of these")
	f.StringSliceVar(&sel.timeframes, "timeframe", nil, "select collections whose last name token is one of these")
	f.StringVar(&sel.kind, "kind", "", "select market-data collections of this kind (ohlcv, trades)")
	f.StringSliceVar(&sel.symbols, "symbol", nil, "select market-data collections of these symbols, optionally exchange:SYMBOL")
	f.StringSliceVar(&sel.exclude, "exclude", nil, "never select these collections")
	_ = cmd.MarkFlagRequired("db")
}

func (sel *selection) task(name, action string) config.Task {
	return config.Task{
		Name:        name,
		Action:      action,
		Database:    sel.database,
		Collections: sel.collections,
		Match: config.MatchConfig{
			Contains:   sel.contains,
			Prefix:     sel.prefix,
			Suffix:     sel.suffix,
			Timeframes: sel.timeframes,
			Kind:       sel.kind,
			Symbols:    sel.symbols,
			Exclude:    sel.exclude,
		},
	}
}

func parseIndexFlags(values []string, unique bool) []config.IndexConfig {
	out := make([]config.IndexConfig, 0, len(values))
	for _, v := range values {
		keys := strings.Split(v, ",")
		for i := range keys {
			keys[i] = strings.TrimSpace(keys[i])
		}
		out = append(out, config.IndexConfig{Keys: keys, Unique: unique})
	}
	return out
}
