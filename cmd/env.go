package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recon-engine/internal/catalog"
	"github.com/sells-group/recon-engine/internal/recon"
	"github.com/sells-group/recon-engine/internal/source"
	"github.com/sells-group/recon-engine/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "reconcile.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// env bundles the dependencies every command needs.
type env struct {
	Store    store.Store
	Source   source.Source
	Catalog  *catalog.Catalog
	Pipeline *recon.Pipeline
}

func (e *env) Close() {
	if e.Source != nil {
		_ = e.Source.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initEnv(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	src, err := source.New(cfg.Source, cat)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &env{
		Store:    st,
		Source:   src,
		Catalog:  cat,
		Pipeline: recon.New(cfg, st, src, cat),
	}, nil
}
