package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"statusline/internal/config"
	"statusline/internal/db"
	"statusline/internal/engine"
	"statusline/internal/migrate"
	"statusline/internal/notify"
	"statusline/internal/repo"
	"statusline/internal/telemetry"
)

var ErrNoRoot = errors.New("not inside a kitty project (no .kittify or kitty-specs directory found)")

// FindRoot walks up from start to the first directory holding .kittify or
// kitty-specs.
func FindRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		for _, marker := range []string{config.Dir, config.SpecsDir} {
			if info, err := os.Stat(filepath.Join(dir, marker)); err == nil && info.IsDir() {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNoRoot
		}
		dir = parent
	}
}

// ResolveFeature picks the active feature. It prefers the override, then the
// only feature under kitty-specs.
func ResolveFeature(root, override string) (string, error) {
	if f := strings.TrimSpace(override); f != "" {
		return f, nil
	}
	features, err := engine.Engine{Root: root}.Features()
	if err != nil {
		return "", err
	}
	switch len(features) {
	case 0:
		return "", fmt.Errorf("no features under %s; use --feature", config.SpecsDir)
	case 1:
		return features[0], nil
	default:
		return "", fmt.Errorf("feature not specified and %d exist (%s); use --feature", len(features), strings.Join(features, ", "))
	}
}

// LoadConfig reads .kittify/config.yaml. A missing file yields an empty
// config so every setting falls through to its built-in default.
func LoadConfig(root string) (*config.Config, error) {
	cfg, err := config.LoadOptional(root)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return &config.Config{}, nil
	}
	return cfg, nil
}

// OpenIndex opens and migrates the SQLite query index of a repository.
func OpenIndex(ctx context.Context, root string) (*repo.Repo, func() error, error) {
	conn, err := db.Open(db.Config{Root: root})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate query index: %w", err)
	}
	return &repo.Repo{DB: conn}, conn.Close, nil
}

// NewEngine wires an engine with webhooks, metrics and the logger. A nil
// index leaves the query index disabled.
func NewEngine(root string, cfg *config.Config, idx *repo.Repo, log *slog.Logger) engine.Engine {
	eng := engine.New(root, cfg)
	if log != nil {
		eng.Logger = log
	}
	eng.Notifier = notify.NewWebhooks(eng.Config, eng.Logger)
	eng.Index = idx
	eng.Metrics = telemetry.NewInstruments(telemetry.Meter())
	return eng
}
