// Package app loads deploy-time configuration and reconciles it with the
// database at startup.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"

	"github.com/readlevel/readlevel-backend/internal/pkg/logger"
	"github.com/readlevel/readlevel-backend/internal/repos"
	"github.com/readlevel/readlevel-backend/internal/types"
)

// ProfileConfig is one generation stream as declared in profiles.yaml.
type ProfileConfig struct {
	Name           string   `yaml:"name"`
	Feeds          []string `yaml:"feeds"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Active         *bool    `yaml:"active"`
}

type profilesFile struct {
	Profiles []ProfileConfig `yaml:"profiles"`
}

// LoadProfiles reads and validates the profile declarations.
func LoadProfiles(path string) ([]ProfileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("app: read profiles: %w", err)
	}
	return parseProfiles(raw)
}

func parseProfiles(raw []byte) ([]ProfileConfig, error) {
	var file profilesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("app: parse profiles: %w", err)
	}
	seen := map[string]bool{}
	for i, p := range file.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("app: profile %d has no name", i)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("app: duplicate profile %q", p.Name)
		}
		seen[p.Name] = true
	}
	return file.Profiles, nil
}

// SeedProfiles upserts every declared profile so the queue can enqueue one
// task per active profile without further configuration.
func SeedProfiles(ctx context.Context, log *logger.Logger, profileRepo repos.GenerationProfileRepo, configs []ProfileConfig) error {
	for _, cfg := range configs {
		feeds, err := json.Marshal(cfg.Feeds)
		if err != nil {
			return fmt.Errorf("app: encode feeds for %q: %w", cfg.Name, err)
		}
		timeout := cfg.TimeoutSeconds
		if timeout <= 0 {
			timeout = 900
		}
		active := true
		if cfg.Active != nil {
			active = *cfg.Active
		}
		_, err = profileRepo.UpsertByName(ctx, nil, &types.GenerationProfile{
			Name:           cfg.Name,
			TopicFeeds:     datatypes.JSON(feeds),
			TimeoutSeconds: timeout,
			Active:         active,
		})
		if err != nil {
			return fmt.Errorf("app: upsert profile %q: %w", cfg.Name, err)
		}
		log.Info("Seeded profile", "name", cfg.Name, "feeds", len(cfg.Feeds), "active", active)
	}
	return nil
}
