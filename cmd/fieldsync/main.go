package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/voltmep/fieldsync/internal/cli"
	"github.com/voltmep/fieldsync/internal/config"
	"github.com/voltmep/fieldsync/internal/engine"
	"github.com/voltmep/fieldsync/internal/remote/httpapi"
	"github.com/voltmep/fieldsync/internal/store"
	"github.com/voltmep/fieldsync/internal/store/boltdb"
	"github.com/voltmep/fieldsync/internal/store/sqlite"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Глобальные флаги
	showVersion := flag.Bool("version", false, "Show version information")
	configPath := flag.String("config", "fieldsync.yaml", "Path to config file")
	serverURL := flag.String("server", "", "Record store base URL (overrides config)")
	dbPath := flag.String("db", "", "Path to local database (overrides config)")

	flag.Parse()

	// Show version and exit if requested
	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	// Получаем команду
	args := flag.Args()
	if len(args) == 0 {
		cli.PrintUsage()
		os.Exit(1)
	}

	command := args[0]

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	// Создаем контекст
	ctx := context.Background()

	// Открываем локальное хранилище выбранного backend'а
	localStore, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open local store: %v\n", err)
		os.Exit(1)
	}

	// Токен поставляет внешний слой аутентификации; здесь берем его из окружения
	token := os.Getenv("FIELDSYNC_TOKEN")
	remoteStore := httpapi.NewClient(cfg.Server.URL, func(context.Context) (string, error) {
		return token, nil
	})

	eng, err := engine.New(ctx, localStore, remoteStore, cfg, logger)
	if err != nil {
		_ = localStore.Close()
		fmt.Fprintf(os.Stderr, "Failed to start engine: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close engine: %v\n", err)
		}
	}()

	cli.New(eng).Run(ctx, command, args[1:])
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return sqlite.New(ctx, cfg.Store.Path)
	default:
		return boltdb.New(ctx, cfg.Store.Path)
	}
}

func printVersion() {
	fmt.Printf("FieldSync\n")
	fmt.Printf("Version:    %s\n", Version)
	fmt.Printf("Build Date: %s\n", BuildDate)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}
