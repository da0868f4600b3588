package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hackium/internal/client"
	"hackium/internal/config"
	"hackium/internal/hackium"
	"hackium/internal/logging"
	"hackium/internal/plugin"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/ysmood/gson"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	configFile string

	// Instrumentation
	pwd          string
	injections   []string
	interceptors []string
	watch        bool
	execute      []string
	isolate      bool

	// Browser
	headless     bool
	devtools     bool
	startURL     string
	userDataDir  string
	chromeBin    string
	controlURL   string
	timeout      time.Duration
	env          []string
	chromeOutput bool
	newTabPolicy string

	metricsAddr string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "hackium [url] [script args...]",
	Short: "hackium - an instrumented browser for poking at web applications",
	Long: `hackium launches Chrome (or attaches to a running one) and instruments
every page before any of its scripts run:

  - injection scripts are evaluated in every document, after the hackium client
  - interceptor modules (.js or .go) rewrite matching network responses
  - with --watch, interceptor modules reload when their files change
  - with --execute, scripts run against the browser once it is ready

Arguments after the URL are passed to executed scripts as args.

Example:
  hackium -i inject.js -I rewrite.js --watch https://example.com
  hackium -e login.js https://example.com alice`,
	Args: cobra.ArbitraryArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.SetLogger(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.Sync()
	},
	RunE: runBrowser,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the hackium version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "hackium %s\n", client.Version)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "hackium.yaml", "Config file (YAML)")

	// Instrumentation flags
	rootCmd.Flags().StringVar(&pwd, "pwd", "", "Base directory for relative script paths (default: current)")
	rootCmd.Flags().StringArrayVarP(&injections, "inject", "i", nil, "Script to evaluate in every document (repeatable)")
	rootCmd.Flags().StringArrayVarP(&interceptors, "interceptor", "I", nil, "Interceptor module, .js or .go (repeatable)")
	rootCmd.Flags().BoolVarP(&watch, "watch", "w", false, "Reload interceptor modules when they change")
	rootCmd.Flags().BoolVar(&isolate, "isolate", true, "Pass the previous response on when an interceptor fails")
	rootCmd.Flags().StringArrayVarP(&execute, "execute", "e", nil, "Script to run once the browser is ready (repeatable)")

	// Browser flags
	rootCmd.Flags().BoolVar(&headless, "headless", false, "Run Chrome headless")
	rootCmd.Flags().BoolVar(&devtools, "devtools", false, "Open devtools for every tab")
	rootCmd.Flags().StringVarP(&startURL, "url", "u", "", "URL to open in the first page")
	rootCmd.Flags().StringVar(&userDataDir, "user-data-dir", "", "Chrome profile directory")
	rootCmd.Flags().StringVar(&chromeBin, "chrome-bin", "", "Chrome executable (default: auto-detect or download)")
	rootCmd.Flags().StringVar(&controlURL, "control-url", "", "Attach to a running Chrome at this debugging URL")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 0, "Browser launch timeout (default 30s)")
	rootCmd.Flags().StringArrayVar(&env, "env", nil, "Environment variable for Chrome, KEY=VALUE (repeatable)")
	rootCmd.Flags().BoolVar(&chromeOutput, "chrome-output", false, "Forward Chrome's output to stderr")
	rootCmd.Flags().StringVar(&newTabPolicy, "new-tab-policy", "", "What to do when a new tab never settles: abort or absorb")

	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address, e.g. :9464")

	rootCmd.AddCommand(versionCmd, initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cliConfig builds the command-line configuration layer. Only flags the user
// set are carried, so the config file and defaults fill the rest.
func cliConfig(cmd *cobra.Command, args []string) *config.Config {
	flags := cmd.Flags()
	cfg := &config.Config{
		PWD:         pwd,
		Inject:      injections,
		Interceptor: interceptors,
		Execute:     execute,
		URL:         startURL,
		UserDataDir: userDataDir,
		ChromeBin:   chromeBin,
		ControlURL:  controlURL,
		Env:         env,
	}
	switches := []struct {
		flag  string
		value bool
		dst   **bool
	}{
		{"watch", watch, &cfg.Watch},
		{"headless", headless, &cfg.Headless},
		{"devtools", devtools, &cfg.DevTools},
		{"chrome-output", chromeOutput, &cfg.ChromeOutput},
	}
	for _, sw := range switches {
		if flags.Changed(sw.flag) {
			*sw.dst = config.Bool(sw.value)
		}
	}
	if len(args) > 0 && args[0] != "" {
		cfg.URL = args[0]
	}
	if timeout > 0 {
		cfg.Timeout = timeout.String()
	}
	if newTabPolicy != "" {
		cfg.NewTab.Policy = newTabPolicy
	}
	if flags.Changed("isolate") {
		cfg.Interceptors.Isolate = config.Bool(isolate)
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	return cfg
}

func runBrowser(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := hackium.New(cliConfig(cmd, args),
		hackium.WithConfigFile(configFile),
		hackium.WithPlugins(plugin.Metrics(prometheus.DefaultRegisterer)),
	)
	if err != nil {
		return err
	}
	cfg := h.Config()

	if !verbose {
		// The config file may narrow levels and categories.
		if err := logging.Initialize(cfg.Logging.Options()); err != nil {
			return err
		}
	}

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if _, err := h.Launch(ctx); err != nil {
		return err
	}
	defer h.Close()

	logger.Info("hackium ready",
		zap.String("version", client.Version),
		zap.Strings("inject", cfg.Inject),
		zap.Strings("interceptors", cfg.Interceptor),
		zap.Bool("watch", cfg.WatchEnabled()))

	if len(cfg.Execute) > 0 {
		if err := runScripts(ctx, cmd, h, scriptArgs(args)); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case <-h.Done():
		logger.Info("Browser disconnected")
	}
	return nil
}

// scriptArgs drops the URL from the positional arguments.
func scriptArgs(args []string) []string {
	if len(args) < 2 {
		return nil
	}
	return args[1:]
}

// runScripts runs the execute scripts and prints each defined result as JSON.
func runScripts(ctx context.Context, cmd *cobra.Command, h *hackium.Hackium, args []string) error {
	results, err := h.RunScripts(ctx, args)
	for _, res := range results {
		if res != nil {
			fmt.Fprintln(cmd.OutOrStdout(), gson.New(res).JSON("", "  "))
		}
	}
	if err != nil {
		return err
	}
	logger.Info("scripts finished", zap.Int("count", len(results)))
	return nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("Serving metrics", zap.String("addr", addr))
	return srv
}
