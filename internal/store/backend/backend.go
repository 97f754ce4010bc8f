package backend

import (
	"context"
	"fmt"

	"github.com/vrischmann/envconfig"

	"github.com/Sh00ty/patrol/internal/store"
	"github.com/Sh00ty/patrol/internal/store/badgerstore"
	"github.com/Sh00ty/patrol/internal/store/memory"
	"github.com/Sh00ty/patrol/internal/store/postgres"
)

const (
	Postgres = "postgres"
	Badger   = "badger"
	Memory   = "memory"
)

type Config struct {
	Backend  string `envconfig:"STORE_BACKEND,default=postgres"`
	SeedFile string `envconfig:"STORE_SEED_FILE,optional"`
}

type migrator interface {
	Migrate(ctx context.Context) error
}

// Open connects the configured backend, reading its own env config.
func Open(ctx context.Context, backend string) (store.Store, error) {
	switch backend {
	case Postgres:
		cfg := postgres.Config{}
		err := envconfig.Init(&cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to read database config: %w", err)
		}
		repo, err := postgres.NewRepo(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case Badger:
		cfg := badgerstore.Config{}
		err := envconfig.Init(&cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to read badger config: %w", err)
		}
		db, err := badgerstore.Open(cfg)
		if err != nil {
			return nil, err
		}
		return db, nil
	case Memory:
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", backend)
}

// Migrate prepares the backend schema. Only postgres has one.
func Migrate(ctx context.Context, st store.Store) error {
	m, ok := st.(migrator)
	if !ok {
		return nil
	}
	return m.Migrate(ctx)
}
