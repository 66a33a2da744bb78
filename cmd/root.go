package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/cwbudde/coadd/internal/coadd"
	"github.com/cwbudde/coadd/internal/config"
	"github.com/cwbudde/coadd/internal/store"
)

var (
	logLevel   string
	configPath string
	dataDir    string
	workers    int
	backend    string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "coadd",
	Short: "Weighted coaddition of masked images",
	Long: `coadd accumulates masked images (value, variance and mask planes) into a
persistent weighted coadd, either as a weighted mean or as a chi-squared
detection image, and serves sessions over HTTP.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var level slog.Level
		switch logLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		opts := &slog.HandlerOptions{Level: level}
		handler := slog.NewJSONHandler(os.Stderr, opts)
		logger = slog.New(handler)
		slog.SetDefault(logger)

		return loadConfig(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults are used when empty)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Session storage directory (overrides config)")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 0, "Worker goroutines per image (overrides config)")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "Kernel backend: auto, naive, unrolled4, unrolled8 (overrides config)")
}

// loadConfig reads the config file, applies flag overrides and selects the
// kernel backend.
func loadConfig(cmd *cobra.Command) error {
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}

	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if flags.Changed("workers") {
		cfg.Workers = workers
	}
	if flags.Changed("backend") {
		cfg.Backend = backend
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	b, err := coadd.ParseBackend(cfg.Backend)
	if err != nil {
		return err
	}
	coadd.SetBackend(b)

	slog.Debug("Configuration loaded", "config", configPath, "data_dir", cfg.DataDir,
		"workers", cfg.Workers, "backend", b.String())
	return nil
}

// openStore opens the session store under the configured data directory
func openStore() (*store.FSStore, error) {
	fs, err := store.NewFSStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return fs, nil
}

// coaddOptions returns kernel options for the given mode
func coaddOptions(mode coadd.Mode) coadd.Options {
	w := cfg.Workers
	if w == 0 {
		w = coadd.DefaultWorkers()
	}
	return coadd.Options{Mode: mode, Backend: coadd.ActiveBackend(), Workers: w}
}

// badPixelMask combines --bad-mask and --bad-planes, falling back to the
// configured planes when neither is given.
func badPixelMask(c *config.Config, raw uint16, rawSet bool, planes []string) (coadd.MaskPixel, error) {
	if !rawSet && len(planes) == 0 {
		return c.BadPixelMask(), nil
	}
	bad := coadd.MaskPixel(raw)
	if len(planes) > 0 {
		bits, err := c.MaskPlanes.BitMask(planes...)
		if err != nil {
			return 0, err
		}
		bad |= bits
	}
	return bad, nil
}
