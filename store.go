package parley

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ripkitten-co/parley/internal/codecs"
	"github.com/ripkitten-co/parley/internal/pg"
	"github.com/ripkitten-co/parley/schema"
)

// Store holds the PostgreSQL connection pool shared by the record store, the
// pg_notify broker and the ORM adapters.
type Store struct {
	pool *pg.Pool
	be   backend
}

// Open connects to PostgreSQL and returns a configured Store.
func Open(ctx context.Context, connString string, opts ...Option) (*Store, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}

	pool, err := pg.NewPool(ctx, connString, cfg.maxConns)
	if err != nil {
		return nil, fmt.Errorf("parley: %w", err)
	}

	s := &Store{
		pool: pool,
		be: backend{
			exec:   pool,
			codec:  cfg.codec,
			schema: schema.New(),
		},
	}
	return s, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) DBExecutor() pg.Executor            { return s.be.exec }
func (s *Store) JSONCodec() codecs.Codec            { return s.be.codec }
func (s *Store) SchemaBootstrap() *schema.Bootstrap { return s.be.schema }

// PgxPool returns the underlying pgxpool.Pool for stdlib adapters and
// dedicated LISTEN connections.
func (s *Store) PgxPool() *pgxpool.Pool { return s.pool.PgxPool() }
