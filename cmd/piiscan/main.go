// Command piiscan detects and redacts PII in free text.
//
// Deterministic pattern recognizers run first; when they are unsure or find
// nothing, a local Ollama model is asked for a second opinion. Results are
// merged, redacted, and optionally rendered as a display view.
//
// Usage:
//
//	# HTTP API on 127.0.0.1:8000
//	piiscan serve
//
//	# One-off scan of a file or stdin
//	echo "mail jane@example.com" | piiscan scan -
//	piiscan scan notes.txt --view
//
//	# Without the model fallback
//	PII_USE_FALLBACK=false piiscan serve
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"pii-scanner/internal/config"
	"pii-scanner/internal/fallback"
	"pii-scanner/internal/logger"
	"pii-scanner/internal/metrics"
	"pii-scanner/internal/pipeline"
	"pii-scanner/internal/recognizer"
	"pii-scanner/internal/server"
)

var (
	configPath string
	logLevel   string
	noFallback bool

	servePort int
	serveBind string

	scanView bool
)

var rootCmd = &cobra.Command{
	Use:           "piiscan",
	Short:         "Detect and redact PII in text",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Port = servePort
		}
		if cmd.Flags().Changed("bind") {
			cfg.BindAddress = serveBind
		}

		closeLog := setupLogFile(cfg)
		defer closeLog()

		m := metrics.New()
		analyzer, cleanup, err := buildAnalyzer(cfg, m)
		if err != nil {
			return err
		}
		defer cleanup()

		printBanner(cmd.OutOrStdout(), cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		srv := server.New(cfg, analyzer, m, logger.New("SERVER", cfg.LogLevel))
		return srv.ListenAndServe(ctx)
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan [file|-]",
	Short: "Analyze one text and print the result as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		closeLog := setupLogFile(cfg)
		defer closeLog()

		text, err := readInput(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		if err := server.ValidateText(text, cfg.MaxTextLength); err != nil {
			return err
		}

		analyzer, cleanup, err := buildAnalyzer(cfg, nil)
		if err != nil {
			return err
		}
		defer cleanup()

		var out any
		if scanView {
			out, err = analyzer.View(cmd.Context(), text)
		} else {
			out, err = analyzer.Analyze(cmd.Context(), text)
		}
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $PII_CONFIG_FILE or "+config.DefaultFile+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&noFallback, "no-fallback", false, "never consult the Ollama fallback")

	serveCmd.Flags().IntVar(&servePort, "port", 8000, "listen port")
	serveCmd.Flags().StringVar(&serveBind, "bind", "127.0.0.1", "bind address")

	scanCmd.Flags().BoolVar(&scanView, "view", false, "print the display view instead of the raw analysis")

	rootCmd.AddCommand(serveCmd, scanCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig layers persistent flags over config.LoadFrom and validates.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if configPath == "" {
		configPath = os.Getenv("PII_CONFIG_FILE")
	}
	cfg := config.LoadFrom(configPath)
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if noFallback {
		cfg.UseFallback = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogFile(cfg *config.Config) func() {
	if cfg.LogFile == "" {
		return func() {}
	}
	closer := logger.UseFile(cfg.LogFile, 0)
	return func() { closer.Close() } //nolint:errcheck // best-effort on exit
}

// buildAnalyzer wires the engine, the optional fallback client and its cache.
// The returned cleanup releases the cache.
func buildAnalyzer(cfg *config.Config, m *metrics.Metrics) (*pipeline.Analyzer, func(), error) {
	log := logger.New("ANALYZER", cfg.LogLevel)
	cleanup := func() {}

	engine, err := recognizer.NewPatternEngine([]string{cfg.Language}, logger.New("ENGINE", cfg.LogLevel))
	if err != nil {
		return nil, cleanup, fmt.Errorf("build recognition engine: %w", err)
	}

	var extractor pipeline.Extractor
	if cfg.UseFallback {
		fbLog := logger.New("FALLBACK", cfg.LogLevel)
		cache, err := fallback.NewCache(fallback.CacheOptions{
			Kind:          cfg.FallbackCache,
			Path:          cfg.FallbackCachePath,
			Size:          cfg.FallbackCacheSize,
			TTL:           cfg.FallbackCacheTTL(),
			RedisAddr:     cfg.RedisAddr,
			RedisPassword: cfg.RedisPassword,
			RedisDB:       cfg.RedisDB,
		}, fbLog)
		if err != nil {
			return nil, cleanup, fmt.Errorf("open fallback cache: %w", err)
		}
		if cache != nil {
			cleanup = func() {
				if err := cache.Close(); err != nil {
					fbLog.Warnf("cache_close", "%v", err)
				}
			}
		}
		extractor = fallback.New(fallback.Options{
			BaseURL:       cfg.OllamaBaseURL,
			Model:         cfg.OllamaModel,
			Timeout:       cfg.LLMTimeout(),
			MaxConcurrent: cfg.LLMMaxConcurrent,
			Cache:         cache,
			Metrics:       m,
			Logger:        fbLog,
		})
	}

	analyzer, err := pipeline.New(pipeline.Options{
		Engine:   engine,
		Fallback: extractor,
		Thresholds: &pipeline.Thresholds{
			High: cfg.DeterministicThreshold,
			Low:  cfg.LLMTriggerThreshold,
		},
		Language: cfg.Language,
		Metrics:  m,
		Logger:   log,
	})
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return analyzer, cleanup, nil
}

// readInput returns the text of the named file, or stdin for "-" or no args.
// A single trailing newline is dropped.
func readInput(stdin io.Reader, args []string) (string, error) {
	var (
		data []byte
		err  error
	)
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(args[0]) // #nosec G304 -- path supplied by the operator
	}
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	text := strings.TrimSuffix(strings.TrimSuffix(string(data), "\n"), "\r")
	if text == "" {
		return "", errors.New("read input: no text")
	}
	return text, nil
}

func printBanner(w io.Writer, cfg *config.Config) {
	fallbackLine := fmt.Sprintf("%s (%s)", cfg.OllamaModel, cfg.OllamaBaseURL)
	if !cfg.UseFallback {
		fallbackLine = "(disabled)"
	}
	auth := "open"
	if cfg.ManagementToken != "" {
		auth = "bearer token"
	}

	fmt.Fprintf(w, `
╔══════════════════════════════════════════════════════╗
║          PII Scanner  (Go)                           ║
╚══════════════════════════════════════════════════════╝
  Listen          : %s:%d
  Language        : %s
  Thresholds      : accept >= %.2f, high %.2f
  Fallback model  : %s
  Fallback cache  : %s
  Status/metrics  : %s

  Try it:
    curl -s -XPOST http://%s:%d/analyze -d '{"text":"mail jane@example.com"}'
`, cfg.BindAddress, cfg.Port,
		cfg.Language,
		cfg.LLMTriggerThreshold, cfg.DeterministicThreshold,
		fallbackLine,
		cfg.FallbackCache,
		auth,
		cfg.BindAddress, cfg.Port)
}
