// Command carebridge runs the real-time coordination server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"carebridge/internal/app"
	"carebridge/internal/config"
	"carebridge/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "carebridge: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	envFile    string
	check      bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("carebridge", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.configPath, "config", "c", os.Getenv("CAREBRIDGE_CONFIG_FILE"), "path to YAML config file")
	flagSet.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading CAREBRIDGE_* variables")
	flagSet.BoolVar(&opts.check, "check", false, "validate configuration and exit")
	if err := flagSet.Parse(args); err != nil {
		return opts, err
	}
	if flagSet.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", flagSet.Args())
	}
	return opts, nil
}

// loadEnvFile loads path into the environment without overriding variables
// already set. A missing default .env is not an error.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := loadEnvFile(opts.envFile, explicitFlag(args, "env-file")); err != nil {
		return err
	}

	cfg, err := config.LoadConfigWithPrecedence(opts.configPath)
	if err != nil {
		return err
	}
	logger := logging.NewWithWriter(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}, stderr)

	if opts.check {
		logger.Info().Str("addr", cfg.HTTP.Addr()).Msg("configuration is valid")
		return nil
	}

	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	return application.Run(ctx)
}

func explicitFlag(args []string, name string) bool {
	for _, arg := range args {
		if arg == "--"+name || len(arg) > len(name)+3 && arg[:len(name)+3] == "--"+name+"=" {
			return true
		}
	}
	return false
}
