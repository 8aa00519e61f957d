package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otohq/voiceapi/internal/store"
)

func openPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, *store.Store, error) {
	db, err := store.OpenPool(ctx, dsn, store.PoolConfig{
		MaxConns:    20,
		MinConns:    2,
		MaxConnLife: time.Hour,
		MaxConnIdle: 30 * time.Minute,
	})
	if err != nil {
		return nil, nil, err
	}
	s := store.New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, s, nil
}

func openSQLite(ctx context.Context, path string) (*store.SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is empty")
	}
	return store.OpenSQLite(ctx, path)
}
