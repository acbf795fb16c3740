package core

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/vrsandeep/shipyard-go/internal/channel"
	"github.com/vrsandeep/shipyard-go/internal/config"
	"github.com/vrsandeep/shipyard-go/internal/db"
	"github.com/vrsandeep/shipyard-go/internal/models"
	"github.com/vrsandeep/shipyard-go/internal/persist"
	"github.com/vrsandeep/shipyard-go/internal/queue"
	"github.com/vrsandeep/shipyard-go/internal/transport"
	"github.com/vrsandeep/shipyard-go/internal/uploader"
	"github.com/vrsandeep/shipyard-go/migrations"
)

// App holds the core components of the application that are shared
// between the server and the CLI.
type App struct {
	config     *config.Config
	db         *sql.DB
	store      *queue.Store
	channels   *channel.Manager
	dispatcher *uploader.Dispatcher
	adapter    *persist.Adapter

	unsubscribe func()
}

// New sets up and returns a new App instance. It loads the configuration,
// initializes the database, restores the persisted queue (pruning stale
// entries) and wires the store, channel manager and dispatcher together.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig is New with a caller-supplied configuration. Tests use it
// to point the app at temporary resources.
func NewWithConfig(cfg *config.Config) (*App, error) {
	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := db.RunMigrations(database, migrations.FS); err != nil {
		// We can't proceed without a valid database schema.
		// Close the DB connection before failing.
		database.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	store := queue.NewStore()
	adapter := persist.NewAdapter(
		persist.NewSQLiteStore(database),
		time.Duration(cfg.Persist.FreshMinutes)*time.Minute,
		time.Duration(cfg.Persist.StaleMinutes)*time.Minute,
	)

	restored, err := adapter.Restore()
	if err != nil {
		log.Printf("Could not restore upload queue, starting empty: %v", err)
	} else {
		store.Load(restored)
	}

	channels := channel.NewManager(cfg.Ingest.WsURL, store, channel.Options{
		OpenTimeout:    time.Duration(cfg.Channel.OpenTimeoutSeconds) * time.Second,
		ReconnectDelay: time.Duration(cfg.Channel.ReconnectDelaySeconds) * time.Second,
		SweepInterval:  time.Duration(cfg.Channel.SweepIntervalSeconds) * time.Second,
	})
	channels.Start()

	submitter := transport.NewClient(cfg.Ingest.URL, time.Duration(cfg.Upload.RequestTimeoutSeconds)*time.Second)
	dispatcher := uploader.New(store, channels, submitter, cfg.Upload.GroupSize)

	// Every store change is snapshotted so a restart can resume in-flight
	// work.
	unsubscribe := store.Subscribe(func(state models.QueueState) {
		if err := adapter.Snapshot(state); err != nil {
			log.Printf("Failed to persist queue snapshot: %v", err)
		}
	})

	log.Println("Core application setup complete.")
	return &App{
		config:      cfg,
		db:          database,
		store:       store,
		channels:    channels,
		dispatcher:  dispatcher,
		adapter:     adapter,
		unsubscribe: unsubscribe,
	}, nil
}

// Close gracefully shuts down the channel manager, stops snapshotting and
// closes the database.
func (a *App) Close() {
	if a.channels != nil {
		a.channels.Shutdown()
	}
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) Config() *config.Config           { return a.config }
func (a *App) DB() *sql.DB                      { return a.db }
func (a *App) Store() *queue.Store              { return a.store }
func (a *App) Channels() *channel.Manager       { return a.channels }
func (a *App) Dispatcher() *uploader.Dispatcher { return a.dispatcher }
