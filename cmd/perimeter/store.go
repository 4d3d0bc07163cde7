package main

import (
	"context"
	"fmt"

	"github.com/1sec-project/perimeter/internal/core"
	"github.com/1sec-project/perimeter/internal/ingest"
	"github.com/1sec-project/perimeter/internal/store"
	"github.com/1sec-project/perimeter/internal/store/pgstore"
	"github.com/1sec-project/perimeter/internal/store/sqlstore"
)

// openStore opens the configured persistence driver. SQL drivers are
// migrated on open.
func openStore(cfg core.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		st, err := pgstore.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		return st, nil
	case "sqlite":
		st, err := sqlstore.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// eventSink routes fed events through the bus when it is up, so that the
// bus subscriber is the single writer, and straight to the store otherwise.
func eventSink(bus *core.EventBus, st store.Store) ingest.Sink {
	return func(ctx context.Context, ev *core.SecurityEvent) error {
		if bus != nil {
			if err := bus.PublishEvent(ev); err == nil {
				return nil
			}
		}
		return st.InsertEvent(ctx, ev)
	}
}
