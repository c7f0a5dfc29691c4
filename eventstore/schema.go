package eventstore

import "strings"

// DefaultEventsTable is the table name used when a schema adapter is not
// configured with its own.
const DefaultEventsTable = "ordermill_events"

// MySQLSchema is a SchemaAdapter for MySQL and MariaDB.
type MySQLSchema struct {
	// EventsTable overrides the events table name. Defaults to DefaultEventsTable.
	EventsTable string
}

func (s MySQLSchema) eventsTable() string {
	if s.EventsTable != "" {
		return s.EventsTable
	}
	return DefaultEventsTable
}

func (s MySQLSchema) SchemaInitializingQueries() []string {
	return []string{strings.Join([]string{
		"CREATE TABLE IF NOT EXISTS `" + s.eventsTable() + "` (",
		"`aggregate_id` VARCHAR(255) NOT NULL,",
		"`sequence_number` BIGINT NOT NULL,",
		"`event_type` VARCHAR(255) NOT NULL,",
		"`payload` BLOB,",
		"`occurred_at` BIGINT NOT NULL,",
		"`correlation_id` VARCHAR(255) NOT NULL DEFAULT '',",
		"PRIMARY KEY (`aggregate_id`, `sequence_number`)",
		");",
	}, "\n")}
}

func (s MySQLSchema) SelectVersionQuery() string {
	return "SELECT sequence_number FROM `" + s.eventsTable() + "` WHERE aggregate_id = ? ORDER BY sequence_number DESC LIMIT 1 FOR UPDATE"
}

func (s MySQLSchema) InsertEventQuery() string {
	return "INSERT INTO `" + s.eventsTable() + "` (aggregate_id, sequence_number, event_type, payload, occurred_at, correlation_id) VALUES (?, ?, ?, ?, ?, ?)"
}

func (s MySQLSchema) SelectStreamFromQuery() string {
	return "SELECT sequence_number, event_type, payload, occurred_at, correlation_id FROM `" + s.eventsTable() + "` " +
		"WHERE aggregate_id = ? AND sequence_number > ? ORDER BY sequence_number ASC"
}

func (s MySQLSchema) SelectStreamsQuery() string {
	return "SELECT DISTINCT aggregate_id FROM `" + s.eventsTable() + "` ORDER BY aggregate_id"
}

// PostgreSQLSchema is a SchemaAdapter for PostgreSQL.
type PostgreSQLSchema struct {
	// EventsTable overrides the events table name. Defaults to DefaultEventsTable.
	EventsTable string
}

func (s PostgreSQLSchema) eventsTable() string {
	if s.EventsTable != "" {
		return s.EventsTable
	}
	return DefaultEventsTable
}

func (s PostgreSQLSchema) SchemaInitializingQueries() []string {
	return []string{strings.Join([]string{
		`CREATE TABLE IF NOT EXISTS "` + s.eventsTable() + `" (`,
		"aggregate_id VARCHAR(255) NOT NULL,",
		"sequence_number BIGINT NOT NULL,",
		"event_type VARCHAR(255) NOT NULL,",
		"payload BYTEA,",
		"occurred_at BIGINT NOT NULL,",
		"correlation_id VARCHAR(255) NOT NULL DEFAULT '',",
		"PRIMARY KEY (aggregate_id, sequence_number)",
		");",
	}, "\n")}
}

func (s PostgreSQLSchema) SelectVersionQuery() string {
	// FOR UPDATE locks the stream head row; the primary key covers the race
	// on an empty stream, where there is no row to lock.
	return `SELECT sequence_number FROM "` + s.eventsTable() + `" WHERE aggregate_id = $1 ORDER BY sequence_number DESC LIMIT 1 FOR UPDATE`
}

func (s PostgreSQLSchema) InsertEventQuery() string {
	return `INSERT INTO "` + s.eventsTable() + `" (aggregate_id, sequence_number, event_type, payload, occurred_at, correlation_id) VALUES ($1, $2, $3, $4, $5, $6)`
}

func (s PostgreSQLSchema) SelectStreamFromQuery() string {
	return `SELECT sequence_number, event_type, payload, occurred_at, correlation_id FROM "` + s.eventsTable() + `" ` +
		`WHERE aggregate_id = $1 AND sequence_number > $2 ORDER BY sequence_number ASC`
}

func (s PostgreSQLSchema) SelectStreamsQuery() string {
	return `SELECT DISTINCT aggregate_id FROM "` + s.eventsTable() + `" ORDER BY aggregate_id`
}

// SQLiteSchema is a SchemaAdapter for SQLite.
//
// SQLite has no row locks and no FOR UPDATE; its single-writer model already
// serializes appends, and the primary key rejects whichever transaction loses.
type SQLiteSchema struct {
	// EventsTable overrides the events table name. Defaults to DefaultEventsTable.
	EventsTable string
}

func (s SQLiteSchema) eventsTable() string {
	if s.EventsTable != "" {
		return s.EventsTable
	}
	return DefaultEventsTable
}

func (s SQLiteSchema) SchemaInitializingQueries() []string {
	return []string{strings.Join([]string{
		`CREATE TABLE IF NOT EXISTS "` + s.eventsTable() + `" (`,
		"aggregate_id TEXT NOT NULL,",
		"sequence_number INTEGER NOT NULL,",
		"event_type TEXT NOT NULL,",
		"payload BLOB,",
		"occurred_at INTEGER NOT NULL,",
		"correlation_id TEXT NOT NULL DEFAULT '',",
		"PRIMARY KEY (aggregate_id, sequence_number)",
		");",
	}, "\n")}
}

func (s SQLiteSchema) SelectVersionQuery() string {
	return `SELECT sequence_number FROM "` + s.eventsTable() + `" WHERE aggregate_id = ? ORDER BY sequence_number DESC LIMIT 1`
}

func (s SQLiteSchema) InsertEventQuery() string {
	return `INSERT INTO "` + s.eventsTable() + `" (aggregate_id, sequence_number, event_type, payload, occurred_at, correlation_id) VALUES (?, ?, ?, ?, ?, ?)`
}

func (s SQLiteSchema) SelectStreamFromQuery() string {
	return `SELECT sequence_number, event_type, payload, occurred_at, correlation_id FROM "` + s.eventsTable() + `" ` +
		`WHERE aggregate_id = ? AND sequence_number > ? ORDER BY sequence_number ASC`
}

func (s SQLiteSchema) SelectStreamsQuery() string {
	return `SELECT DISTINCT aggregate_id FROM "` + s.eventsTable() + `" ORDER BY aggregate_id`
}
