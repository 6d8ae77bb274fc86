package cli

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xaenox/sandbot/internal/storage"
	"github.com/xaenox/sandbot/internal/workspace"
	"github.com/xaenox/sandbot/pkg/config"
)

// app is the state shared by every command: configuration, the store and
// the directory layout.
type app struct {
	configPath string
	debug      bool

	cfg    *config.Config
	store  storage.Storage
	layout workspace.Layout
	logger *zap.Logger
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func (a *app) open() error {
	logger, err := newLogger(a.debug)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	a.logger = logger

	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", a.configPath, err)
	}
	a.cfg = cfg

	layout, err := workspace.NewLayout(cfg.Sandbox)
	if err != nil {
		return err
	}
	a.layout = layout

	store, err := openStore(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	return nil
}

func (a *app) close() error {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}

func openStore(cfg config.DatabaseConfig, logger *zap.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(), nil
	case "postgres":
		logger.Info("Using PostgreSQL storage", zap.String("host", cfg.Host), zap.String("dbname", cfg.DBName))
		return storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			DBName:   cfg.DBName,
			SSLMode:  cfg.SSLMode,
		}, logger)
	default:
		logger.Info("Using SQLite storage", zap.String("path", cfg.Path))
		return storage.NewSQLiteStorage(cfg.Path, logger)
	}
}
