package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/config"
)

// Document statuses recorded by the indexing consumer.
const (
	StatusPending = "pending"
	StatusIndexed = "indexed"
	StatusFailed  = "failed"
)

type Client struct {
	DB  *sql.DB
	cfg config.PostgresConfig
}

func New(cfg config.PostgresConfig) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Client{DB: db, cfg: cfg}, nil
}

func (c *Client) Close() error {
	return c.DB.Close()
}

// DocumentTable is the configured source table name.
func (c *Client) DocumentTable() string {
	if c.cfg.DocumentTable == "" {
		return "documents"
	}
	return c.cfg.DocumentTable
}

// EnsureDocumentTable creates the document table the postgres row source
// scans, if it does not already exist.
func (c *Client) EnsureDocumentTable(ctx context.Context, table string) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id         BIGSERIAL PRIMARY KEY,
		title      TEXT,
		body       TEXT,
		status     TEXT NOT NULL DEFAULT '%s',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, pq.QuoteIdentifier(table), StatusPending)
	if _, err := c.DB.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("creating table %s: %w", table, err)
	}
	return nil
}

// Document is a row of the document table.
type Document struct {
	ID    int64
	Ctid  string
	Title string
	Body  string
}

// InsertDocuments stores docs in one transaction, filling in their ids and
// ctids.
func (c *Client) InsertDocuments(ctx context.Context, table string, docs []Document) error {
	return c.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, insertQuery(table))
		if err != nil {
			return fmt.Errorf("preparing insert: %w", err)
		}
		defer stmt.Close()
		for i := range docs {
			if err := stmt.QueryRowContext(ctx, docs[i].Title, docs[i].Body).Scan(&docs[i].ID, &docs[i].Ctid); err != nil {
				return fmt.Errorf("inserting document %d of %d: %w", i+1, len(docs), err)
			}
		}
		return nil
	})
}

func insertQuery(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (title, body) VALUES ($1, $2) RETURNING id, ctid::text`, pq.QuoteIdentifier(table))
}

// SetStatus updates the status of every document in ids in one statement.
func (c *Client) SetStatus(ctx context.Context, table string, ids []int64, status string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.DB.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET status = $1, updated_at = now() WHERE id = ANY($2)`, pq.QuoteIdentifier(table)),
		status, pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("setting status %s on %d documents: %w", status, len(ids), err)
	}
	return nil
}

func (c *Client) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back transaction after error %v: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}
