package records

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/HerbHall/herbarium/internal/event"
	"github.com/HerbHall/herbarium/pkg/models"
)

// Compile-time interface guard.
var _ Store = (*PostgresStore)(nil)

// postgresSchema is applied by Migrate. Titles and IDs are compared with the
// "C" collation in ORDER BY so the database orders exactly like
// models.Compare whatever the database default collation is.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS records (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	image_ref   TEXT NOT NULL DEFAULT 'empty',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS deleted_records (
	id         TEXT PRIMARY KEY,
	deleted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
DROP INDEX IF EXISTS idx_records_title;
CREATE INDEX IF NOT EXISTS idx_records_title_id ON records (title COLLATE "C", id COLLATE "C");
`

// PostgresStore implements Store on PostgreSQL via pgx.
type PostgresStore struct {
	pool   *pgxpool.Pool
	events event.Publisher
}

// NewPool creates a pgx connection pool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// NewPostgresStore returns a Store backed by pool. events may be nil.
func NewPostgresStore(pool *pgxpool.Pool, events event.Publisher) *PostgresStore {
	return &PostgresStore{pool: pool, events: events}
}

// Migrate creates the records table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("exec migration: %w", err)
	}
	return nil
}

func (s *PostgresStore) Search(ctx context.Context, text string, order models.SortOrder, limit, offset int) ([]models.Record, error) {
	q, err := postgresSearchQuery(order)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, q, likePattern(text), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	defer rows.Close()

	out := make([]models.Record, 0, min(limit, searchPrealloc))
	for rows.Next() {
		var r models.Record
		if err := rows.Scan(&r.ID, &r.Title, &r.Description, &r.ImageRef); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Record, error) {
	const q = `SELECT ` + recordColumns + ` FROM records WHERE id = $1`
	var r models.Record
	err := s.pool.QueryRow(ctx, q, id).Scan(&r.ID, &r.Title, &r.Description, &r.ImageRef)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record %q: %w", id, err)
	}
	return &r, nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec *models.Record) error {
	if err := prepare(rec, uuid.NewString); err != nil {
		return err
	}
	const q = `INSERT INTO records (id, title, description, image_ref)
SELECT $1, $2, $3, $4
WHERE NOT EXISTS (SELECT 1 FROM deleted_records WHERE id = $1)`
	tag, err := s.pool.Exec(ctx, q, rec.ID, rec.Title, rec.Description, rec.ImageRef)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	s.publish(ctx, event.TopicRecordCreated, *rec)
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, rec *models.Record) error {
	if strings.TrimSpace(rec.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidRecord)
	}
	if rec.ImageRef == "" {
		rec.ImageRef = models.NoImage
	}
	const q = `UPDATE records SET title=$1, description=$2, image_ref=$3, updated_at=now() WHERE id=$4`
	tag, err := s.pool.Exec(ctx, q, rec.Title, rec.Description, rec.ImageRef, rec.ID)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.publish(ctx, event.TopicRecordUpdated, *rec)
	return nil
}

// Delete removes the record and tombstones its ID.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM records WHERE id=$1`, id)
		if err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		_, err = tx.Exec(ctx, `INSERT INTO deleted_records (id) VALUES ($1) ON CONFLICT DO NOTHING`, id)
		if err != nil {
			return fmt.Errorf("record tombstone: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, event.TopicRecordDeleted, models.Record{ID: id})
	return nil
}

func (s *PostgresStore) publish(ctx context.Context, topic string, rec models.Record) {
	if s.events == nil {
		return
	}
	_ = s.events.Publish(ctx, event.Event{Topic: topic, Source: "records", Payload: rec})
}

// postgresSearchQuery builds the ILIKE search statement for order.
func postgresSearchQuery(order models.SortOrder) (string, error) {
	ob, err := orderBy(order, ` COLLATE "C"`)
	if err != nil {
		return "", err
	}
	return `SELECT ` + recordColumns + ` FROM records
WHERE title ILIKE $1 ESCAPE '\'
ORDER BY ` + ob + `
LIMIT $2 OFFSET $3`, nil
}
