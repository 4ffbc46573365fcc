package app

import (
	"strings"
	"time"

	"tagsync/internal/config"
	"tagsync/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "memory"
	}
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path)}

	var err error
	if driver == "sqlite" || driver == "sqlite3" {
		if out.BusyTimeout, err = config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second); err != nil {
			return storage.Config{}, err
		}
	}
	if out.Retention, err = config.ParseDurationField("storage.retention", sc.Retention); err != nil {
		return storage.Config{}, err
	}
	return out, nil
}
