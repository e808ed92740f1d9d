package recordsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/daybook/recordsync/pkg/hub"
	"github.com/daybook/recordsync/pkg/logger"
	"github.com/daybook/recordsync/pkg/store"
	"github.com/daybook/recordsync/pkg/store/memory"
	"github.com/daybook/recordsync/pkg/store/postgres"
	"github.com/daybook/recordsync/pkg/store/surrealdb"
)

const (
	StoreMemory    = "memory"
	StorePostgres  = "postgres"
	StoreSurrealDB = "surrealdb"
)

const (
	LogFormatJSON    = "json"
	LogFormatText    = "text"
	LogFormatZerolog = "zerolog"
)

// Config holds the application configuration.
type Config struct {
	Store string

	PostgresDSN   string
	SurrealDBURL  string
	SurrealDBNS   string
	SurrealDBDB   string
	SurrealDBUser string
	SurrealDBPass string

	// TokenSecret, when set, makes joins require an HS256 identity token.
	TokenSecret   string
	HistoryWindow uint64
	// Codec is the websocket subprotocol the hub prefers.
	Codec string

	LogFormat string
	LogFile   string

	ReadOnly bool // When true, all write operations are rejected

	ServerPort string
}

type App struct {
	store    *store.ReadOnlyStore
	hub      *hub.Hub
	config   *Config
	logger   logger.Logger
	logFile  io.Closer
	readOnly atomic.Bool
}

// New opens the configured store and builds the hub on top of it.
func New(config *Config) (*App, error) {
	log, logFile, err := newLogger(config)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}

	appStore, err := openStore(config, log)
	if err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, err
	}

	app := &App{
		config:  config,
		logger:  log,
		logFile: logFile,
	}
	app.readOnly.Store(config.ReadOnly)
	app.store = store.NewReadOnlyStore(appStore, app.IsReadOnly)

	var secret []byte
	if config.TokenSecret != "" {
		secret = []byte(config.TokenSecret)
	}
	app.hub = hub.New(app.store, hub.Options{
		HistoryWindow: config.HistoryWindow,
		TokenSecret:   secret,
		ReadOnly:      app.IsReadOnly,
		Protocol:      config.Codec,
		Logger:        log,
	})

	return app, nil
}

func openStore(config *Config, log logger.Logger) (store.Store, error) {
	switch config.Store {
	case StorePostgres:
		s, err := postgres.New(config.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		log.Info("connected to PostgreSQL")
		return s, nil
	case StoreSurrealDB:
		s, err := surrealdb.New(
			context.Background(),
			config.SurrealDBURL,
			config.SurrealDBNS,
			config.SurrealDBDB,
			config.SurrealDBUser,
			config.SurrealDBPass,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
		}
		log.Info("connected to SurrealDB", "url", config.SurrealDBURL)
		return s, nil
	case StoreMemory, "":
		log.Info("using in-memory store")
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown store: %s", config.Store)
}

func newLogger(config *Config) (logger.Logger, io.Closer, error) {
	if config.LogFormat == LogFormatZerolog {
		logData, err := logger.NewBuild().FromPath(config.LogFile).Make()
		if err != nil {
			return nil, nil, err
		}
		return logData, logData, nil
	}

	var (
		w    io.Writer = os.Stderr
		file *os.File
	)
	if config.LogFile != "" {
		var err error
		file, err = os.OpenFile(config.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
		if err != nil {
			return nil, nil, err
		}
		w = file
	}
	var h slog.Handler
	if config.LogFormat == LogFormatText {
		h = slog.NewTextHandler(w, nil)
	} else {
		h = slog.NewJSONHandler(w, nil)
	}
	if file == nil {
		return logger.New(h), nil, nil
	}
	return logger.New(h), file, nil
}

// Close releases the store and the log file.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.logFile != nil {
		if cerr := a.logFile.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (a *App) Store() store.Store {
	return a.store
}

func (a *App) Hub() *hub.Hub {
	return a.hub
}

// SetReadOnly toggles read-only mode at runtime. While it is on, store
// writes fail and the hub rejects patches.
func (a *App) SetReadOnly(readOnly bool) {
	a.readOnly.Store(readOnly)
	a.logger.Info("read-only mode changed", "read_only", readOnly)
}

func (a *App) IsReadOnly() bool {
	return a.readOnly.Load()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
