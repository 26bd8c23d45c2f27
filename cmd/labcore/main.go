package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/KevinKickass/OpenLabCore/internal/auth"
	"github.com/KevinKickass/OpenLabCore/internal/config"
	"github.com/KevinKickass/OpenLabCore/internal/persist"
	"github.com/KevinKickass/OpenLabCore/internal/plugins"
	"github.com/KevinKickass/OpenLabCore/internal/plugins/builtin"
	"github.com/KevinKickass/OpenLabCore/internal/system"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/labcore.yaml"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case persist.ChildCommand:
			os.Exit(runWorker(os.Args[2:]))
		case "hash-password":
			os.Exit(hashPassword(os.Args[2:]))
		}
	}

	flags := pflag.NewFlagSet("labcore", pflag.ExitOnError)
	configPath := flags.String("config", defaultConfigPath, "path to the YAML configuration file")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Parse(os.Args[1:])

	path := *configPath
	if !flags.Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}

	cfg, err := config.Load(path, flags)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Config loaded successfully",
		zap.String("path", path),
		zap.String("data_dir", cfg.Data.Dir))

	table := plugins.NewTable()
	if err := builtin.Register(table); err != nil {
		logger.Fatal("Failed to register bundled plugins", zap.Error(err))
	}

	lifecycle, err := system.NewLifecycleManager(cfg, table, logger)
	if err != nil {
		logger.Fatal("Failed to create system", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := lifecycle.Start(ctx); err != nil {
		logger.Error("Failed to start system", zap.Error(err))
		lifecycle.Shutdown(context.Background())
		os.Exit(1)
	}

	logger.Info("OpenLabCore started successfully")

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case <-lifecycle.Done():
	}

	if err := lifecycle.Shutdown(context.Background()); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("OpenLabCore stopped successfully")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

// runWorker is the persistence child process. It logs JSON to stderr,
// which the parent forwards into its own log.
func runWorker(args []string) int {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 2
	}
	defer logger.Sync()

	if err := persist.ServeChild(args, persist.StdChildIO(), logger); err != nil {
		logger.Error("Persistence worker failed", zap.Error(err))
		return 1
	}
	return 0
}

// hashPassword prints an argon2id hash for auth.operator.password_hash.
// The password is read from the first argument or from stdin.
func hashPassword(args []string) int {
	var password string
	if len(args) > 0 {
		password = args[0]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintln(os.Stderr, "usage: labcore hash-password [password]")
			return 2
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		fmt.Fprintln(os.Stderr, "password must not be empty")
		return 2
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		return 1
	}
	fmt.Println(hash)
	return 0
}
