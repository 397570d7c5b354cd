package records

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"

	"github.com/HerbHall/herbarium/internal/event"
	"github.com/HerbHall/herbarium/internal/store"
	"github.com/HerbHall/herbarium/pkg/models"
)

// Compile-time interface guard.
var _ Store = (*SQLiteStore)(nil)

// SQLite's LIKE only folds ASCII case. casefold lowers with Unicode rules
// so search matches like Postgres ILIKE under a UTF-8 database.
func init() {
	sqlite.MustRegisterDeterministicScalarFunction("casefold", 1, casefold)
}

func casefold(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	switch v := args[0].(type) {
	case string:
		return strings.ToLower(v), nil
	case []byte:
		return strings.ToLower(string(v)), nil
	default:
		return v, nil
	}
}

// SQLiteStore implements Store on the embedded SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	events event.Publisher
}

// NewSQLiteStore runs the records migrations and returns a Store. events
// may be nil; when set, every successful write is published on it.
func NewSQLiteStore(ctx context.Context, db *store.SQLiteStore, events event.Publisher) (*SQLiteStore, error) {
	if err := db.Migrate(ctx, "records", migrations); err != nil {
		return nil, fmt.Errorf("records migrations: %w", err)
	}
	return &SQLiteStore{db: db.DB(), events: events}, nil
}

const recordColumns = `id, title, description, image_ref`

func (s *SQLiteStore) Search(ctx context.Context, text string, order models.SortOrder, limit, offset int) ([]models.Record, error) {
	ob, err := orderBy(order, "")
	if err != nil {
		return nil, err
	}

	//nolint:gosec // ob comes from the closed orderBy switch
	query := fmt.Sprintf(
		`SELECT %s FROM records WHERE casefold(title) LIKE ? ESCAPE '\' ORDER BY %s LIMIT ? OFFSET ?`,
		recordColumns, ob,
	)
	rows, err := s.db.QueryContext(ctx, query, likePattern(strings.ToLower(text)), limit, offset)
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
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Record, error) {
	var r models.Record
	err := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = ?`, id,
	).Scan(&r.ID, &r.Title, &r.Description, &r.ImageRef)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record %q: %w", id, err)
	}
	return &r, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, rec *models.Record) error {
	if err := prepare(rec, uuid.NewString); err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, title, description, image_ref, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM deleted_records WHERE id = ?)`,
		rec.ID, rec.Title, rec.Description, rec.ImageRef, now, now, rec.ID,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// The ID belonged to a deleted record.
		return ErrAlreadyExists
	}
	s.publish(ctx, event.TopicRecordCreated, *rec)
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, rec *models.Record) error {
	if strings.TrimSpace(rec.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidRecord)
	}
	if rec.ImageRef == "" {
		rec.ImageRef = models.NoImage
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET title = ?, description = ?, image_ref = ?, updated_at = ?
		WHERE id = ?`,
		rec.Title, rec.Description, rec.ImageRef, time.Now().UTC(), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	s.publish(ctx, event.TopicRecordUpdated, *rec)
	return nil
}

// Delete removes the record and keeps its ID as a tombstone so Insert never
// hands it out again.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO deleted_records (id, deleted_at) VALUES (?, ?)`, id, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("record tombstone: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	s.publish(ctx, event.TopicRecordDeleted, models.Record{ID: id})
	return nil
}

func (s *SQLiteStore) publish(ctx context.Context, topic string, rec models.Record) {
	if s.events == nil {
		return
	}
	_ = s.events.Publish(ctx, event.Event{
		Topic:   topic,
		Source:  "records",
		Payload: rec,
	})
}

// migrations defines the records table schema.
var migrations = []store.Migration{
	{
		Version:     1,
		Description: "create records table",
		Up: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE records (
					id          TEXT PRIMARY KEY,
					title       TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					image_ref   TEXT NOT NULL DEFAULT 'empty',
					created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
					updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_records_title ON records(title, id)`,
			}
			for _, stmt := range stmts {
				if _, err := tx.Exec(stmt); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		Version:     2,
		Description: "create deleted_records tombstones",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE TABLE deleted_records (
				id         TEXT PRIMARY KEY,
				deleted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`)
			return err
		},
	},
}
