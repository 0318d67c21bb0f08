package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"trendlens/internal/config"
	"trendlens/internal/core"
)

// PostgresDB implements the Database interface for PostgreSQL.
type PostgresDB struct {
	db      *sql.DB
	items   ItemRepository
	topics  TopicRepository
	trends  TrendRepository
	sources SourceRepository
	health  PluginHealthRepository
	runs    RunRepository
}

// NewPostgresDB creates a new PostgreSQL database connection.
func NewPostgresDB(cfg config.Database) (*PostgresDB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 5
	}
	lifetime := 30 * time.Minute
	if cfg.ConnMaxLifetime != "" {
		if d, err := time.ParseDuration(cfg.ConnMaxLifetime); err == nil {
			lifetime = d
		}
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, core.WrapError(core.KindUnavailable, "failed to ping database", err)
	}

	pg := &PostgresDB{db: db}
	pg.items = &postgresItemRepo{db: db}
	pg.topics = &postgresTopicRepo{db: db}
	pg.trends = &postgresTrendRepo{db: db}
	pg.sources = &postgresSourceRepo{db: db}
	pg.health = &postgresPluginHealthRepo{db: db}
	pg.runs = &postgresRunRepo{db: db}

	return pg, nil
}

// DB exposes the underlying connection for the pgvector adapter, which
// shares the same database.
func (p *PostgresDB) DB() *sql.DB { return p.db }

func (p *PostgresDB) Items() ItemRepository                 { return p.items }
func (p *PostgresDB) Topics() TopicRepository               { return p.topics }
func (p *PostgresDB) Trends() TrendRepository               { return p.trends }
func (p *PostgresDB) Sources() SourceRepository             { return p.sources }
func (p *PostgresDB) PluginHealth() PluginHealthRepository  { return p.health }
func (p *PostgresDB) Runs() RunRepository                   { return p.runs }

func (p *PostgresDB) Close() error {
	return p.db.Close()
}

func (p *PostgresDB) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresDB) BeginTx(ctx context.Context) (Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &postgresTx{
		tx:     tx,
		items:  &postgresItemRepo{db: p.db, tx: tx},
		topics: &postgresTopicRepo{db: p.db, tx: tx},
		trends: &postgresTrendRepo{db: p.db, tx: tx},
	}, nil
}

// postgresTx implements the Transaction interface.
type postgresTx struct {
	tx     *sql.Tx
	items  ItemRepository
	topics TopicRepository
	trends TrendRepository
}

func (t *postgresTx) Commit() error           { return t.tx.Commit() }
func (t *postgresTx) Rollback() error         { return t.tx.Rollback() }
func (t *postgresTx) Items() ItemRepository   { return t.items }
func (t *postgresTx) Topics() TopicRepository { return t.topics }
func (t *postgresTx) Trends() TrendRepository { return t.trends }

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}
