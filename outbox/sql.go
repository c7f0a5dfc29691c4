package outbox

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
)

// DefaultCursorsTable is the table name used when a schema adapter is not
// configured with its own.
const DefaultCursorsTable = "ordermill_publisher_cursors"

// CursorSchemaAdapter produces the SQL queries appropriately for a specific
// dialect and schema.
//
// All queries operate on a table with the columns
// (aggregate_id, last_published_sequence_number) keyed by aggregate_id.
// The upsert must be monotonic: a lower sequence number never overwrites
// a higher one.
type CursorSchemaAdapter interface {
	// SchemaInitializingQueries returns idempotent queries (CREATE TABLE IF
	// NOT EXISTS) creating the cursors table.
	SchemaInitializingQueries() []string

	// SelectCursorQuery returns the query selecting one aggregate's cursor.
	// Parameters: aggregate_id.
	SelectCursorQuery() string

	// UpsertCursorQuery returns the query inserting or advancing one
	// aggregate's cursor. Parameters: aggregate_id, sequence_number.
	UpsertCursorQuery() string
}

// SQLCursorStoreConfig holds the SQLCursorStore configuration.
type SQLCursorStoreConfig struct {
	SchemaAdapter CursorSchemaAdapter
}

func (c SQLCursorStoreConfig) Validate() error {
	if c.SchemaAdapter == nil {
		return errors.New("schema adapter is nil")
	}

	return nil
}

// SQLCursorStore is a CursorStore backed by database/sql. Cursors stored
// here survive restarts, bounding the duplicates republished after a crash
// to the events past the last confirmed publish.
type SQLCursorStore struct {
	db     *sql.DB
	config SQLCursorStoreConfig
}

func NewSQLCursorStore(db *sql.DB, config SQLCursorStoreConfig) (*SQLCursorStore, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	return &SQLCursorStore{
		db:     db,
		config: config,
	}, nil
}

// InitializeSchema creates the cursors table if it does not exist.
func (s *SQLCursorStore) InitializeSchema(ctx context.Context) error {
	for _, q := range s.config.SchemaAdapter.SchemaInitializingQueries() {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "cannot initialize schema")
		}
	}

	return nil
}

func (s *SQLCursorStore) Get(ctx context.Context, aggregateID string) (int64, error) {
	if aggregateID == "" {
		return 0, errors.New("empty aggregate id")
	}

	var cursor int64
	err := s.db.QueryRowContext(ctx, s.config.SchemaAdapter.SelectCursorQuery(), aggregateID).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "cannot query cursor")
	}

	return cursor, nil
}

func (s *SQLCursorStore) Advance(ctx context.Context, aggregateID string, sequenceNumber int64) error {
	if aggregateID == "" {
		return errors.New("empty aggregate id")
	}

	_, err := s.db.ExecContext(ctx, s.config.SchemaAdapter.UpsertCursorQuery(), aggregateID, sequenceNumber)
	if err != nil {
		return errors.Wrap(err, "cannot upsert cursor")
	}

	return nil
}

// MySQLCursorSchema is a CursorSchemaAdapter for MySQL and MariaDB.
type MySQLCursorSchema struct {
	// CursorsTable overrides the cursors table name. Defaults to DefaultCursorsTable.
	CursorsTable string
}

func (s MySQLCursorSchema) cursorsTable() string {
	if s.CursorsTable != "" {
		return s.CursorsTable
	}
	return DefaultCursorsTable
}

func (s MySQLCursorSchema) SchemaInitializingQueries() []string {
	return []string{strings.Join([]string{
		"CREATE TABLE IF NOT EXISTS `" + s.cursorsTable() + "` (",
		"`aggregate_id` VARCHAR(255) NOT NULL,",
		"`last_published_sequence_number` BIGINT NOT NULL,",
		"PRIMARY KEY (`aggregate_id`)",
		");",
	}, "\n")}
}

func (s MySQLCursorSchema) SelectCursorQuery() string {
	return "SELECT last_published_sequence_number FROM `" + s.cursorsTable() + "` WHERE aggregate_id = ?"
}

func (s MySQLCursorSchema) UpsertCursorQuery() string {
	return "INSERT INTO `" + s.cursorsTable() + "` (aggregate_id, last_published_sequence_number) VALUES (?, ?) " +
		"ON DUPLICATE KEY UPDATE last_published_sequence_number = GREATEST(last_published_sequence_number, VALUES(last_published_sequence_number))"
}

// PostgreSQLCursorSchema is a CursorSchemaAdapter for PostgreSQL.
type PostgreSQLCursorSchema struct {
	// CursorsTable overrides the cursors table name. Defaults to DefaultCursorsTable.
	CursorsTable string
}

func (s PostgreSQLCursorSchema) cursorsTable() string {
	if s.CursorsTable != "" {
		return s.CursorsTable
	}
	return DefaultCursorsTable
}

func (s PostgreSQLCursorSchema) SchemaInitializingQueries() []string {
	return []string{strings.Join([]string{
		`CREATE TABLE IF NOT EXISTS "` + s.cursorsTable() + `" (`,
		"aggregate_id VARCHAR(255) NOT NULL,",
		"last_published_sequence_number BIGINT NOT NULL,",
		"PRIMARY KEY (aggregate_id)",
		");",
	}, "\n")}
}

func (s PostgreSQLCursorSchema) SelectCursorQuery() string {
	return `SELECT last_published_sequence_number FROM "` + s.cursorsTable() + `" WHERE aggregate_id = $1`
}

func (s PostgreSQLCursorSchema) UpsertCursorQuery() string {
	return `INSERT INTO "` + s.cursorsTable() + `" (aggregate_id, last_published_sequence_number) VALUES ($1, $2) ` +
		`ON CONFLICT (aggregate_id) DO UPDATE SET last_published_sequence_number = ` +
		`GREATEST("` + s.cursorsTable() + `".last_published_sequence_number, EXCLUDED.last_published_sequence_number)`
}

// SQLiteCursorSchema is a CursorSchemaAdapter for SQLite.
type SQLiteCursorSchema struct {
	// CursorsTable overrides the cursors table name. Defaults to DefaultCursorsTable.
	CursorsTable string
}

func (s SQLiteCursorSchema) cursorsTable() string {
	if s.CursorsTable != "" {
		return s.CursorsTable
	}
	return DefaultCursorsTable
}

func (s SQLiteCursorSchema) SchemaInitializingQueries() []string {
	return []string{strings.Join([]string{
		`CREATE TABLE IF NOT EXISTS "` + s.cursorsTable() + `" (`,
		"aggregate_id TEXT NOT NULL,",
		"last_published_sequence_number INTEGER NOT NULL,",
		"PRIMARY KEY (aggregate_id)",
		");",
	}, "\n")}
}

func (s SQLiteCursorSchema) SelectCursorQuery() string {
	return `SELECT last_published_sequence_number FROM "` + s.cursorsTable() + `" WHERE aggregate_id = ?`
}

func (s SQLiteCursorSchema) UpsertCursorQuery() string {
	return `INSERT INTO "` + s.cursorsTable() + `" (aggregate_id, last_published_sequence_number) VALUES (?, ?) ` +
		`ON CONFLICT (aggregate_id) DO UPDATE SET last_published_sequence_number = ` +
		`MAX(last_published_sequence_number, excluded.last_published_sequence_number)`
}
