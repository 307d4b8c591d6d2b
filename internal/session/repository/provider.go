package repository

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/maice-ai/maice/internal/common/config"
	"github.com/maice-ai/maice/internal/common/logger"
	"github.com/maice-ai/maice/internal/db"
	"github.com/maice-ai/maice/internal/db/dialect"
)

// Provide builds the configured repository. SQLite gets a single-writer pool
// with a separate read-only pool; Postgres shares one pgx-backed pool for
// both sides.
func Provide(cfg *config.Config, log *logger.Logger) (Repository, func() error, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		writerConn, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		readerConn, err := db.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			_ = writerConn.Close()
			return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		pool := db.NewPool(
			sqlx.NewDb(writerConn, dialect.SQLite3),
			sqlx.NewDb(readerConn, dialect.SQLite3),
		)
		repo, err := NewSQLRepository(pool)
		if err != nil {
			_ = pool.Close()
			return nil, nil, fmt.Errorf("failed to initialize sqlite repository: %w", err)
		}
		log.Info("Database initialized",
			zap.String("db_driver", cfg.Database.Driver),
			zap.String("db_path", cfg.Database.Path))
		cleanup := func() error {
			// Update query planner statistics before closing; the
			// SQLite-recommended lightweight maintenance hook.
			_, _ = writerConn.Exec("PRAGMA optimize")
			return repo.Close()
		}
		return repo, cleanup, nil

	case "postgres":
		conn, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		sqlxDB := sqlx.NewDb(conn, dialect.PGX)
		pool := db.NewPool(sqlxDB, sqlxDB)
		repo, err := NewSQLRepository(pool)
		if err != nil {
			_ = pool.Close()
			return nil, nil, fmt.Errorf("failed to initialize postgres repository: %w", err)
		}
		log.Info("Database initialized",
			zap.String("db_driver", cfg.Database.Driver),
			zap.String("db_host", cfg.Database.Host))
		return repo, repo.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}
