package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/airframesio/flight-features/cmd/formatters"
	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/airframesio/flight-features/cmd.Version=1.2.3"
	Version = "dev"

	// signalContext is set by main() before Cobra initialization
	signalContext context.Context

	cfgFile   string
	debug     bool
	logFormat string

	materializeDate    string
	materializeName    string
	materializeAirport string

	buildDataset string
	buildDep     string
	buildDest    string
	buildForce   bool

	inspectRows int

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger *slog.Logger
)

// SetSignalContext stores the signal-aware context created in main()
func SetSignalContext(ctx context.Context) {
	signalContext = ctx
}

// broadcastLogHandler wraps a slog handler and broadcasts logs to WebSocket clients
type broadcastLogHandler struct {
	handler slog.Handler
}

func newBroadcastLogHandler(handler slog.Handler) *broadcastLogHandler {
	return &broadcastLogHandler{handler: handler}
}

func (h *broadcastLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *broadcastLogHandler) Handle(ctx context.Context, r slog.Record) error {
	logMsg := LogMessage{
		Timestamp: r.Time.Format("2006-01-02 15:04:05"),
		Level:     r.Level.String(),
		Message:   r.Message,
	}
	select {
	case logBroadcast <- logMsg:
	default:
		// Channel full, skip broadcast to avoid blocking
	}

	return h.handler.Handle(ctx, r)
}

func (h *broadcastLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &broadcastLogHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *broadcastLogHandler) WithGroup(name string) slog.Handler {
	return &broadcastLogHandler{handler: h.handler.WithGroup(name)}
}

// textOnlyHandler is a custom slog handler that outputs human-readable text
// without key=value pairs, suitable for interactive terminal usage
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message
	timestamp := r.Time.Format("2006-01-02 15:04:05")
	_, err := fmt.Fprintf(h.writer, "%s %s %s\n", timestamp, r.Level.String(), r.Message)
	return err
}

func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	return h
}

// newLogger builds the slog logger for the given debug flag and log format
func newLogger(w io.Writer, isDebug bool, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "logfmt":
		handler = slog.NewTextHandler(w, opts)
	default: // "text" or anything else
		handler = newTextOnlyHandler(w, opts)
	}

	return slog.New(newBroadcastLogHandler(handler))
}

// initLogger initializes the package logger. Logs go to stderr so that
// command results on stdout stay machine-readable.
func initLogger(isDebug bool, format string) {
	logger = newLogger(os.Stderr, isDebug, format)
}

var rootCmd = &cobra.Command{
	Use:     "flight-features",
	Version: Version,
	Short:   "✈️  Materialize flight feature datasets and publish them as Parquet",
	Long: titleStyle.Render("Flight Features") + `

Builds flight feature datasets from daily surveillance partitions (sur_air.cat062_YYYYMMDD)
joined with their track partition, stores them in the flight_features schema and publishes
each one as a Parquet artifact on S3-compatible storage (Cloudflare R2) with a datasets.json
manifest. Run "serve" for the HTTP API, or drive single operations from the command line.`,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the dataset and artifact HTTP API",
	Run: func(_ *cobra.Command, _ []string) {
		runServe()
	},
}

var materializeCmd = &cobra.Command{
	Use:   "materialize",
	Short: "Create a dataset for one day and build its artifact",
	Long: `Drop and recreate flight_features.<name> from the surveillance partition for --date
LEFT JOINed with the matching track partition, then build and upload its Parquet artifact.`,
	Run: func(_ *cobra.Command, _ []string) {
		runMaterialize()
	},
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build (or reuse) the Parquet artifact for a dataset",
	Run: func(_ *cobra.Command, _ []string) {
		runBuild()
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List published artifacts and refresh datasets.json",
	Run: func(_ *cobra.Command, _ []string) {
		runList()
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <file.parquet>",
	Short: "Print the row count and schema of a local artifact",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		runInspect(args[0])
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(materializeCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(inspectCmd)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.flight-features.yaml)")
	flags.BoolVarP(&debug, "debug", "d", false, "enable debug output (disables the progress display)")
	flags.StringVar(&logFormat, "log-format", "text", "log format (text, logfmt, json)")

	flags.String("db-host", "localhost", "PostgreSQL host")
	flags.Int("db-port", 5432, "PostgreSQL port")
	flags.String("db-user", "", "PostgreSQL user")
	flags.String("db-password", "", "PostgreSQL password")
	flags.String("db-name", "", "PostgreSQL database name")
	flags.String("db-sslmode", "disable", "PostgreSQL SSL mode (disable, require, verify-ca, verify-full)")
	flags.Int("db-statement-timeout", 300, "PostgreSQL statement timeout in seconds (0 = no timeout)")

	flags.String("s3-endpoint", "", "S3-compatible endpoint URL")
	flags.String("s3-bucket", "", "S3 bucket name")
	flags.String("s3-access-key", "", "S3 access key")
	flags.String("s3-secret-key", "", "S3 secret key")
	flags.String("s3-region", regionAuto, "S3 region")
	flags.String("s3-public-url", "", "public (CDN) base URL of the bucket (default is <endpoint>/<bucket>)")
	flags.String("s3-prefix", "", "key prefix for artifacts inside the bucket")

	flags.String("cache-dir", defaultCacheDir(), "local artifact cache directory")
	flags.Int("chunk-size", defaultChunkSize, "rows per extraction chunk when building an artifact")
	flags.String("parquet-compression", defaultCompression, "parquet compression: gzip, snappy, zstd, lz4, none")

	serveCmd.Flags().Int("port", 8000, "HTTP listen port")

	materializeCmd.Flags().StringVar(&materializeDate, "date", "", "surveillance date (YYYY-MM-DD, required)")
	materializeCmd.Flags().StringVar(&materializeName, "name", "", "dataset name (default flight_data_YYYYMMDD[_AIRPORT])")
	materializeCmd.Flags().StringVar(&materializeAirport, "airport", "", "only keep flights departing from or arriving at this airport")
	_ = materializeCmd.MarkFlagRequired("date")

	buildCmd.Flags().StringVar(&buildDataset, "dataset", "", "dataset name (required)")
	buildCmd.Flags().StringVar(&buildDep, "dep", "", "only include flights departing from this airport")
	buildCmd.Flags().StringVar(&buildDest, "dest", "", "only include flights arriving at this airport")
	buildCmd.Flags().BoolVar(&buildForce, "force", false, "rebuild even if the artifact already exists")
	_ = buildCmd.MarkFlagRequired("dataset")

	inspectCmd.Flags().IntVar(&inspectRows, "rows", 0, "also print the first N rows as JSON")

	_ = viper.BindPFlag("debug", flags.Lookup("debug"))
	_ = viper.BindPFlag("log_format", flags.Lookup("log-format"))

	_ = viper.BindPFlag("db.host", flags.Lookup("db-host"))
	_ = viper.BindPFlag("db.port", flags.Lookup("db-port"))
	_ = viper.BindPFlag("db.user", flags.Lookup("db-user"))
	_ = viper.BindPFlag("db.password", flags.Lookup("db-password"))
	_ = viper.BindPFlag("db.name", flags.Lookup("db-name"))
	_ = viper.BindPFlag("db.sslmode", flags.Lookup("db-sslmode"))
	_ = viper.BindPFlag("db.statement_timeout", flags.Lookup("db-statement-timeout"))

	_ = viper.BindPFlag("s3.endpoint", flags.Lookup("s3-endpoint"))
	_ = viper.BindPFlag("s3.bucket", flags.Lookup("s3-bucket"))
	_ = viper.BindPFlag("s3.access_key", flags.Lookup("s3-access-key"))
	_ = viper.BindPFlag("s3.secret_key", flags.Lookup("s3-secret-key"))
	_ = viper.BindPFlag("s3.region", flags.Lookup("s3-region"))
	_ = viper.BindPFlag("s3.public_url", flags.Lookup("s3-public-url"))
	_ = viper.BindPFlag("s3.prefix", flags.Lookup("s3-prefix"))

	_ = viper.BindPFlag("cache_dir", flags.Lookup("cache-dir"))
	_ = viper.BindPFlag("chunk_size", flags.Lookup("chunk-size"))
	_ = viper.BindPFlag("parquet_compression", flags.Lookup("parquet-compression"))

	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

func defaultCacheDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "flight-features", "cache")
	}
	return filepath.Join(homeDir, ".flight-features", "cache")
}

func initConfig() {
	// A missing .env is normal; real environment variables still apply
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".flight-features")
	}

	// FLIGHT_DB_HOST, FLIGHT_S3_BUCKET, ...
	viper.SetEnvPrefix("FLIGHT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && debug {
		if logger == nil {
			initLogger(debug, logFormat)
		}
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", viper.ConfigFileUsed()))
	}
}

// loadConfig collects flags, config file and environment into a Config
func loadConfig() *Config {
	config := &Config{
		Debug:     viper.GetBool("debug"),
		LogFormat: viper.GetString("log_format"),
		Database: DatabaseConfig{
			Host:             viper.GetString("db.host"),
			Port:             viper.GetInt("db.port"),
			User:             viper.GetString("db.user"),
			Password:         viper.GetString("db.password"),
			Name:             viper.GetString("db.name"),
			SSLMode:          viper.GetString("db.sslmode"),
			StatementTimeout: viper.GetInt("db.statement_timeout"),
		},
		S3: S3Config{
			Endpoint:  viper.GetString("s3.endpoint"),
			Bucket:    viper.GetString("s3.bucket"),
			AccessKey: viper.GetString("s3.access_key"),
			SecretKey: viper.GetString("s3.secret_key"),
			Region:    viper.GetString("s3.region"),
			PublicURL: viper.GetString("s3.public_url"),
			Prefix:    viper.GetString("s3.prefix"),
		},
		Export: ExportConfig{
			CacheDir:    viper.GetString("cache_dir"),
			ChunkSize:   viper.GetInt("chunk_size"),
			Compression: viper.GetString("parquet_compression"),
		},
		Server: ServerConfig{
			Port: viper.GetInt("port"),
		},
	}
	return config
}

// prepare validates config and sets up the logger and signal context shared
// by every command
func prepare(config *Config, validate func() error) context.Context {
	initLogger(config.Debug, config.LogFormat)

	logger.Debug("Validating configuration...")
	if err := validate(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		os.Exit(1)
	}
	config.applyDefaults()
	logger.Debug("Configuration validated successfully")

	ctx := signalContext
	if ctx == nil {
		logger.Warn("Signal context not set, creating fallback...")
		ctx, _ = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	}
	return ctx
}

// exitOnError reports err and exits; cancellation exits with 130
func exitOnError(err error, what string) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, errCancelledByUser) {
		logger.Info("")
		logger.Info(fmt.Sprintf("⚠️  %s cancelled by user", what))
		os.Exit(130)
	}
	logger.Error(fmt.Sprintf("❌ %s failed: %s", what, err.Error()))
	os.Exit(1)
}

func recoverPanic() {
	if r := recover(); r != nil {
		fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to encode result: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

// plainOutput is true when the progress display would fight with the log output
func plainOutput(config *Config) bool {
	return config.Debug || (config.LogFormat != "" && config.LogFormat != "text")
}

func runServe() {
	defer recoverPanic()

	config := loadConfig()
	ctx := prepare(config, config.Validate)
	if config.Server.Port == 0 {
		config.Server.Port = 8000
	}

	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 Flight Features v%s", Version))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	svc, err := openServices(ctx, config, logger, true)
	exitOnError(err, "Startup")
	defer svc.Close()

	hub := newEventHub(config.Export.CacheDir, logger)
	hub.Start()
	defer hub.Stop()

	logger.Info(fmt.Sprintf("🌐 Listening on %s", infoStyle.Render(fmt.Sprintf("http://localhost:%d", config.Server.Port))))
	logger.Info(fmt.Sprintf("📁 Artifact cache: %s", config.Export.CacheDir))

	server := NewServer(svc, hub, logger)
	if err := server.ListenAndServe(ctx, config.Server.Port); err != nil {
		exitOnError(err, "Server")
	}

	logger.Info("👋 Server stopped")
}

func runMaterialize() {
	defer recoverPanic()

	config := loadConfig()
	ctx := prepare(config, config.Validate)

	title := fmt.Sprintf("Materializing %s", DatasetName(materializeDate, materializeName, materializeAirport))

	var result MaterializeResult
	start := time.Now()
	err := runWithProgress(ctx, title, plainOutput(config), logger, func(ctx context.Context, log *slog.Logger, report *progressReporter) error {
		report.Stage("Connecting to database...")
		svc, err := openServices(ctx, config, log, true)
		if err != nil {
			return err
		}
		defer svc.Close()

		report.Stage("Counting source rows...")
		if count, err := svc.resolver.CountForDate(ctx, materializeDate, materializeAirport); err == nil {
			report.SetTotal(count)
		}

		report.Stage("Creating dataset...")
		result = svc.materializer.Materialize(ctx, MaterializeRequest{
			Date:    materializeDate,
			Name:    materializeName,
			Airport: materializeAirport,
			OnChunk: report.Chunk,
		})
		if !result.Success {
			if result.Err != nil {
				return result.Err
			}
			return errors.New(result.Error)
		}
		return nil
	})

	if result.Success || result.Error != "" {
		printJSON(result)
	}
	exitOnError(err, "Materialize")

	logger.Info(fmt.Sprintf("✅ %s: %d rows in %s", result.DatasetName, result.RowCount, time.Since(start).Round(time.Millisecond)))
	if result.ParquetError != "" {
		logger.Warn(fmt.Sprintf("⚠️  Artifact: %s", result.ParquetError))
	}
}

func runBuild() {
	defer recoverPanic()

	config := loadConfig()
	ctx := prepare(config, config.Validate)

	key := ArtifactKey(buildDataset, buildDep, buildDest)

	var result BuildResult
	err := runWithProgress(ctx, "Building "+key, plainOutput(config), logger, func(ctx context.Context, log *slog.Logger, report *progressReporter) error {
		report.Stage("Connecting to database...")
		svc, err := openServices(ctx, config, log, true)
		if err != nil {
			return err
		}
		defer svc.Close()

		if count := svc.reader.Count(ctx, buildDataset, buildDep, buildDest); count.Error == "" {
			report.SetTotal(count.Count)
		}

		report.Stage("Extracting " + key + "...")
		result = svc.builder.Build(ctx, BuildRequest{
			Dataset: buildDataset,
			Dep:     buildDep,
			Dest:    buildDest,
			Force:   buildForce,
			OnChunk: report.Chunk,
		})
		if !result.Success {
			return errors.New(result.Error)
		}
		return nil
	})

	if result.Key != "" {
		printJSON(result)
	}
	exitOnError(err, "Build")
}

func runList() {
	defer recoverPanic()

	config := loadConfig()
	ctx := prepare(config, config.ValidateStorage)

	svc, err := openServices(ctx, config, logger, false)
	exitOnError(err, "List")
	defer svc.Close()

	entries, err := svc.gateway.List(ctx)
	exitOnError(err, "List")

	logger.Debug(fmt.Sprintf("📋 %d artifacts published", len(entries)))
	printJSON(entries)
}

func runInspect(path string) {
	defer recoverPanic()

	initLogger(viper.GetBool("debug"), viper.GetString("log_format"))

	file, err := formatters.OpenParquetFile(path)
	exitOnError(err, "Inspect")
	defer file.Close()

	fmt.Println(titleStyle.Render(filepath.Base(path)))
	fmt.Printf("  Rows:       %d\n", file.NumRows())
	fmt.Printf("  Row groups: %d\n", file.NumRowGroups())
	fmt.Printf("  Size:       %.2f MB\n", sizeMB(file.Size()))
	fmt.Println()
	fmt.Println(infoStyle.Render("  Columns"))
	for _, col := range file.Columns() {
		fmt.Printf("    %-20s %-28s %s\n", col.Name, col.Type, col.Compression)
	}

	if inspectRows > 0 {
		rows, err := file.ReadRows(inspectRows)
		exitOnError(err, "Inspect")
		fmt.Println()
		printJSON(rows)
	}
}
