// Package main implements the killfeed binary: it tails game-server logs,
// runs the economy and casino, and serves the status and command APIs.
//
// Usage:
//
//	killfeed [options]                  run the service
//	killfeed [options] replay <source>  re-parse a source's archived chunks
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/killfeed/killfeed/internal/app"
	"github.com/killfeed/killfeed/internal/config"
	"github.com/killfeed/killfeed/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

type flags struct {
	configFile string
	envFile    string
	dataDir    string
	mode       string
	logLevel   string
	httpAddr   string
	grpcAddr   string
}

func main() {
	var (
		f           flags
		showVersion bool
	)
	flag.StringVar(&f.configFile, "config", "", "Path to configuration file (YAML, JSON or TOML)")
	flag.StringVar(&f.envFile, "env-file", ".env", "Dotenv file loaded before reading the environment")
	flag.StringVar(&f.dataDir, "data-dir", "", "Base directory for the database, journal and archive")
	flag.StringVar(&f.mode, "mode", "", "Run mode: dev or prod")
	flag.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.StringVar(&f.httpAddr, "http-addr", "", "Status API address")
	flag.StringVar(&f.grpcAddr, "grpc-addr", "", "Command service address")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "killfeed - game-server kill feed, economy and casino\n\n")
		fmt.Fprintf(os.Stderr, "Usage: killfeed [options] [replay <source>]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  KILLFEED_MODE            Run mode (dev, prod)\n")
		fmt.Fprintf(os.Stderr, "  KILLFEED_DATA_DIR        Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  KILLFEED_SOURCE_*        A single source (ID, KIND, HOST, PORT, USERNAME, PASSWORD, PATH)\n")
		fmt.Fprintf(os.Stderr, "  KILLFEED_RENDER_WEBHOOK_URL  Webhook receiving rendered events\n")
		fmt.Fprintf(os.Stderr, "  KILLFEED_GRPC_JWT_SECRET     Enables bearer-token auth on the command service\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("killfeed version %s (commit: %s)\n", version, commit)
		return
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(string(cfg.Mode), cfg.LogLevel)
	slog.SetDefault(logger)

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create application", "error", err)
		os.Exit(1)
	}

	switch args := flag.Args(); {
	case len(args) == 0:
		printBanner(logger, cfg)
		if err := application.Run(context.Background()); err != nil {
			logger.Error("killfeed stopped with error", "error", err)
			os.Exit(1)
		}
	case args[0] == "replay" && len(args) == 2:
		n, err := application.Replay(context.Background(), args[1])
		if err != nil {
			logger.Error("replay failed", "source", args[1], "error", err)
			os.Exit(1)
		}
		logger.Info("replay complete", "source", args[1], "novel", n)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

// loadConfig layers defaults or the config file, then the environment
// (after the optional dotenv file), then flags.
func loadConfig(f flags) (*config.Config, error) {
	if f.envFile != "" {
		if err := godotenv.Load(f.envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg := config.DefaultConfig()
	if f.configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(f.configFile)
		if err != nil {
			return nil, err
		}
	}

	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.mode != "" {
		cfg.Mode = config.Mode(f.mode)
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.httpAddr != "" {
		cfg.HTTP.Addr = f.httpAddr
	}
	if f.grpcAddr != "" {
		cfg.GRPC.Addr = f.grpcAddr
	}
	return cfg, nil
}

func printBanner(logger *slog.Logger, cfg *config.Config) {
	logger.Info("killfeed starting",
		"version", version,
		"commit", commit,
		"mode", cfg.Mode,
		"data_dir", cfg.DataDir,
		"http", cfg.HTTP.Addr,
	)
	if cfg.GRPC.Enabled {
		logger.Info("command service", "addr", cfg.GRPC.Addr, "auth", cfg.GRPC.JWTSecret != "")
	}
	for _, s := range cfg.Sources {
		logger.Info("source configured", "id", s.ID, "kind", s.Kind, "host", s.Host, "path", s.Path)
	}
	if cfg.Archive.Enabled {
		logger.Info("archive", "type", cfg.Archive.Type)
	}
}
