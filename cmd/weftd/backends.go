package main

import (
	"context"
	"fmt"

	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"

	mongostore "github.com/weftlab/weft/features/eventstore/mongo"
	clientsmongo "github.com/weftlab/weft/features/eventstore/mongo/clients/mongo"
	sqlitestore "github.com/weftlab/weft/features/eventstore/sqlite"
	recsqlite "github.com/weftlab/weft/features/recorder/sqlite"
	"github.com/weftlab/weft/features/sqlitedb"
	"github.com/weftlab/weft/runtime/workflow/eventstore"
	eventsinmem "github.com/weftlab/weft/runtime/workflow/eventstore/inmem"
	"github.com/weftlab/weft/runtime/workflow/recorder"
	recsinmem "github.com/weftlab/weft/runtime/workflow/recorder/inmem"
	"github.com/weftlab/weft/runtime/workflow/snapshot"
	snapsinmem "github.com/weftlab/weft/runtime/workflow/snapshot/inmem"
)

// backends bundles the three scaffold stores with the release hook that
// returns their connections. Release runs after the scaffold has closed.
type backends struct {
	events     eventstore.Store
	snapshots  snapshot.Store
	recordings recorder.Store
	pingers    []health.Pinger
	release    func(context.Context) error
}

// pinger adapts a ping function to clue's health.Pinger.
type pinger struct {
	name string
	ping func(context.Context) error
}

func (p pinger) Name() string                   { return p.name }
func (p pinger) Ping(ctx context.Context) error { return p.ping(ctx) }

func openBackends(ctx context.Context, cfg *config) (*backends, error) {
	switch cfg.Store.Backend {
	case backendSQLite:
		return openSQLite(cfg.Store.SQLitePath)
	case backendMongo:
		return openMongo(ctx, cfg.Store)
	default:
		return &backends{
			events:     eventsinmem.New(),
			snapshots:  snapsinmem.New(),
			recordings: recsinmem.New(),
			release:    func(context.Context) error { return nil },
		}, nil
	}
}

// openSQLite puts the event log, snapshots and recordings in one database
// file behind a shared writer/reader pool.
func openSQLite(path string) (*backends, error) {
	pool, err := sqlitedb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	events, err := sqlitestore.New(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	snapshots, err := sqlitestore.NewSnapshots(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	recordings, err := recsqlite.New(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	ping := pinger{name: "eventstore-sqlite", ping: func(ctx context.Context) error {
		return pool.Reader().PingContext(ctx)
	}}
	return &backends{
		events:     events,
		snapshots:  snapshots,
		recordings: recordings,
		pingers:    []health.Pinger{ping},
		release:    func(context.Context) error { return pool.Close() },
	}, nil
}

// openMongo shares the event log through MongoDB. Snapshots are advisory and
// recordings are only read by this process, so both stay in memory.
func openMongo(ctx context.Context, cfg storeConfig) (*backends, error) {
	driver, err := mongodriver.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	client, err := clientsmongo.New(clientsmongo.Options{
		Client:   driver,
		Database: cfg.MongoDatabase,
	})
	if err != nil {
		_ = driver.Disconnect(ctx)
		return nil, err
	}
	if err := client.Ping(ctx); err != nil {
		_ = driver.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	events, err := mongostore.NewStore(client)
	if err != nil {
		_ = driver.Disconnect(ctx)
		return nil, err
	}
	return &backends{
		events:     events,
		snapshots:  snapsinmem.New(),
		recordings: recsinmem.New(),
		pingers:    []health.Pinger{client},
		release:    driver.Disconnect,
	}, nil
}
