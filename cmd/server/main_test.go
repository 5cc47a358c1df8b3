package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/poimap/server/internal/config"
)

func testConfig(t *testing.T, ds config.DatasetConfig) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.Port = 0
	cfg.Data.Datasets["default"] = ds
	return cfg
}

func TestRun_ReturnsSetupErrors(t *testing.T) {
	cfg := testConfig(t, config.DatasetConfig{Driver: "oracle", DSN: "x"})

	err := run(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected an error for an unsupported driver")
	}
	if !strings.Contains(err.Error(), `dataset "default"`) {
		t.Errorf("expected error to name the dataset, got %v", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "pois.sqlite")
	cfg := testConfig(t, config.DatasetConfig{Driver: "sqlite", DSN: dsn, AutoMigrate: true, DefaultStatus: "approved"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := run(ctx, cfg); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if _, err := os.Stat(dsn); err != nil {
		t.Errorf("expected the dataset to be opened and migrated: %v", err)
	}
}
