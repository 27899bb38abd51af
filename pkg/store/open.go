package store

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/mcphost/pkg/config"
	"github.com/Mindburn-Labs/mcphost/pkg/trust"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open selects and initialises the backend named by cfg.Store.Backend. The
// returned closer releases any connection the backend holds.
func Open(ctx context.Context, cfg *config.Config) (trust.Persistence, io.Closer, error) {
	switch cfg.Store.Backend {
	case config.BackendFile, "":
		fs, err := NewFileStore(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		log.Printf("[mcphost] store: using json files in %s", cfg.DataDir)
		return fs, nopCloser{}, nil

	case config.BackendSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
			return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		dbPath := filepath.Join(cfg.DataDir, "mcphost.db")
		log.Printf("[mcphost] store: using sqlite at %s", dbPath)
		db, err := sql.Open("sqlite", dbPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		s, err := NewSQLStore(ctx, db, DialectSQLite)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db, nil

	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to reach postgres: %w", err)
		}
		log.Printf("[mcphost] store: using postgres")
		s, err := NewSQLStore(ctx, db, DialectPostgres)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, db, nil

	case config.BackendRedis:
		s := NewRedisStore(cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB, cfg.Store.RedisPrefix)
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Store.RedisAddr, err)
		}
		log.Printf("[mcphost] store: using redis at %s", cfg.Store.RedisAddr)
		return s, s, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
