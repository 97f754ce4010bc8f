package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/patrol/internal/models"
	"github.com/Sh00ty/patrol/internal/store"
)

// SeedCheck is the file form of a check definition.
type SeedCheck struct {
	UserID   int64              `json:"user_id"`
	Name     string             `json:"name"`
	Type     string             `json:"type"`
	Interval string             `json:"interval"`
	Params   models.CheckParams `json:"params"`
}

type SeedContact struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
}

// Seed is a set of checks and alert contacts loaded into a store, e.g.
//
//	{"checks": [{"user_id": 1, "name": "site", "type": "http_response",
//	  "interval": "1m", "params": {"http": {"hostname": "example.com"}}}],
//	 "contacts": [{"user_id": 1, "email": "ops@example.com"}]}
type Seed struct {
	Checks   []SeedCheck   `json:"checks"`
	Contacts []SeedContact `json:"contacts"`
}

func ReadSeedFile(path string) (Seed, error) {
	seed := Seed{}
	data, err := os.ReadFile(path)
	if err != nil {
		return seed, fmt.Errorf("failed to read seed file: %w", err)
	}
	err = json.Unmarshal(data, &seed)
	if err != nil {
		return seed, fmt.Errorf("failed to decode seed file %s: %w", path, err)
	}
	return seed, nil
}

func (c SeedCheck) definition() (models.CheckDefinition, error) {
	checkType, err := models.ParseCheckType(c.Type)
	if err != nil {
		return models.CheckDefinition{}, err
	}
	interval, err := time.ParseDuration(c.Interval)
	if err != nil {
		return models.CheckDefinition{}, fmt.Errorf("invalid interval of %q: %w", c.Name, err)
	}
	return models.CheckDefinition{
		UserID:   models.UserID(c.UserID),
		Name:     c.Name,
		Type:     checkType,
		Params:   c.Params,
		Interval: interval,
	}, nil
}

// Apply creates the seeded checks and contacts. Checks that already exist
// by user and name are left untouched, so a seed can be applied on every start.
func (s Seed) Apply(ctx context.Context, st store.Store) (int, error) {
	created := 0
	for _, c := range s.Checks {
		check, err := c.definition()
		if err != nil {
			return created, err
		}
		id, err := st.CreateCheck(ctx, check)
		if errors.Is(err, store.ErrDuplicateCheck) {
			log.Debug().Msgf("check %q of user %d already exists", c.Name, c.UserID)
			continue
		}
		if err != nil {
			return created, fmt.Errorf("failed to seed check %q: %w", c.Name, err)
		}
		log.Info().Msgf("seeded check %q with id %d", c.Name, id)
		created++
	}
	for _, c := range s.Contacts {
		err := st.SetAlertContact(ctx, models.AlertContact{UserID: models.UserID(c.UserID), Email: c.Email})
		if err != nil {
			return created, fmt.Errorf("failed to seed alert contact of user %d: %w", c.UserID, err)
		}
	}
	return created, nil
}
