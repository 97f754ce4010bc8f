package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/Sh00ty/patrol/internal/models"
	"github.com/Sh00ty/patrol/internal/store"
	"github.com/Sh00ty/patrol/internal/store/backend"
)

type Config struct {
	SeedDemo  bool          `envconfig:"MIGRATION_SEED_DEMO,default=false"`
	DemoUser  int64         `envconfig:"MIGRATION_DEMO_USER,default=1"`
	DemoEmail string        `envconfig:"MIGRATION_DEMO_EMAIL,optional"`
	DemoHost  string        `envconfig:"MIGRATION_DEMO_HOST,default=example.com"`
	Interval  time.Duration `envconfig:"MIGRATION_DEMO_INTERVAL,default=1m"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg := Config{}
	storeCfg := backend.Config{}
	if err := envconfig.Init(&cfg); err != nil {
		log.Fatal().Err(err).Msg("failed to read migration config")
	}
	if err := envconfig.Init(&storeCfg); err != nil {
		log.Fatal().Err(err).Msg("failed to read store config")
	}
	if storeCfg.Backend == backend.Memory {
		log.Fatal().Msg("the memory store lives inside the orchestrator, seed it with STORE_SEED_FILE there")
	}

	repo, err := backend.Open(ctx, storeCfg.Backend)
	if err != nil {
		log.Fatal().Err(err).Msgf("failed to open %s store", storeCfg.Backend)
	}
	defer repo.Close()

	err = backend.Migrate(ctx, repo)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to migrate")
	}
	log.Info().Msgf("%s store is ready", storeCfg.Backend)

	if storeCfg.SeedFile != "" {
		seed, err := backend.ReadSeedFile(storeCfg.SeedFile)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load seed")
		}
		created, err := seed.Apply(ctx, repo)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to apply seed")
		}
		log.Info().Msgf("seeded %d checks from %s", created, storeCfg.SeedFile)
	}
	if !cfg.SeedDemo {
		return
	}
	user := models.UserID(cfg.DemoUser)
	demo := []models.CheckDefinition{
		{
			UserID:   user,
			Name:     "demo status",
			Type:     models.CheckTypeStatus,
			Interval: cfg.Interval,
		},
		{
			UserID: user,
			Name:   "demo homepage",
			Type:   models.CheckTypeHTTPResponse,
			Params: models.CheckParams{HTTP: &models.HTTPParams{
				Hostname: cfg.DemoHost,
			}},
			Interval: cfg.Interval,
		},
		{
			UserID: user,
			Name:   "demo certificate",
			Type:   models.CheckTypeCert,
			Params: models.CheckParams{Cert: &models.CertParams{
				Hostname: cfg.DemoHost,
				Buffer:   14,
			}},
			Interval: cfg.Interval,
		},
	}
	for _, check := range demo {
		id, err := repo.CreateCheck(ctx, check)
		if errors.Is(err, store.ErrDuplicateCheck) {
			log.Info().Msgf("check %q already seeded", check.Name)
			continue
		}
		if err != nil {
			log.Fatal().Err(err).Msgf("failed to seed check %q", check.Name)
		}
		log.Info().Msgf("seeded check %q with id %d", check.Name, id)
	}
	if cfg.DemoEmail != "" {
		err = repo.SetAlertContact(ctx, models.AlertContact{UserID: user, Email: cfg.DemoEmail})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to seed alert contact")
		}
	}
}
