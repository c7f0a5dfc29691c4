package eventstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/ThreeDotsLabs/ordermill"
)

// SchemaAdapter produces the SQL queries appropriately for a specific dialect and schema.
//
// All queries operate on a table with the columns
// (aggregate_id, sequence_number, event_type, payload, occurred_at, correlation_id),
// with the primary key (aggregate_id, sequence_number). The primary key enforces
// the concurrency invariant even if the version check of two appends races.
type SchemaAdapter interface {
	// SchemaInitializingQueries returns idempotent queries (CREATE TABLE IF NOT EXISTS)
	// creating the events table.
	SchemaInitializingQueries() []string

	// SelectVersionQuery returns the query selecting the last sequence number of
	// one stream, locking the stream head in dialects that support row locks.
	// Parameters: aggregate_id.
	SelectVersionQuery() string

	// InsertEventQuery returns the query inserting a single event row.
	// Parameters: aggregate_id, sequence_number, event_type, payload,
	// occurred_at (unix milliseconds), correlation_id.
	InsertEventQuery() string

	// SelectStreamFromQuery returns the query selecting the event rows of one
	// stream after a given sequence number, in sequence order.
	// Parameters: aggregate_id, after_sequence.
	SelectStreamFromQuery() string

	// SelectStreamsQuery returns the query selecting all distinct aggregate IDs.
	SelectStreamsQuery() string
}

// SQLConfig holds the SQL event store configuration.
type SQLConfig struct {
	SchemaAdapter SchemaAdapter

	Logger ordermill.LoggerAdapter
}

func (c *SQLConfig) setDefaults() {
	if c.Logger == nil {
		c.Logger = ordermill.NopLogger{}
	}
}

func (c SQLConfig) Validate() error {
	if c.SchemaAdapter == nil {
		return errors.New("schema adapter is nil")
	}

	return nil
}

// SQL is an EventStore backed by database/sql.
//
// Appends run in a single transaction: the stream version is read first,
// then all event rows are inserted. A mismatched version rolls back with
// ConflictError and nothing is persisted.
type SQL struct {
	db     *sql.DB
	config SQLConfig
	logger ordermill.LoggerAdapter
}

// NewSQL creates a SQL event store on top of db.
func NewSQL(db *sql.DB, config SQLConfig) (*SQL, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}

	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	return &SQL{
		db:     db,
		config: config,
		logger: config.Logger,
	}, nil
}

// InitializeSchema creates the events table if it does not exist.
func (s *SQL) InitializeSchema(ctx context.Context) error {
	for _, q := range s.config.SchemaAdapter.SchemaInitializingQueries() {
		s.logger.Debug("Initializing schema", ordermill.LogFields{"query": q})
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "cannot initialize schema")
		}
	}

	return nil
}

func (s *SQL) Append(ctx context.Context, aggregateID string, expectedVersion int64, events []EventData) (err error) {
	if err := validateAppend(aggregateID, expectedVersion, events); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "cannot begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && rollbackErr != sql.ErrTxDone {
				s.logger.Error("Cannot rollback append transaction", rollbackErr, nil)
			}
		}
	}()

	currentVersion, err := streamVersion(ctx, tx, s.config.SchemaAdapter, aggregateID)
	if err != nil {
		return errors.Wrap(err, "cannot read stream version")
	}

	if currentVersion != expectedVersion {
		return ConflictError{
			AggregateID:     aggregateID,
			ExpectedVersion: expectedVersion,
			ActualVersion:   currentVersion,
		}
	}

	insertQuery := s.config.SchemaAdapter.InsertEventQuery()
	for i, event := range events {
		sequenceNumber := expectedVersion + int64(i) + 1
		occurredAt := normalizeOccurredAt(event.OccurredAt, time.Now)

		_, err = tx.ExecContext(
			ctx,
			insertQuery,
			aggregateID,
			sequenceNumber,
			event.EventType,
			event.Payload,
			occurredAt.UnixMilli(),
			event.CorrelationID,
		)
		if err != nil {
			// a racing append may have won between our version check and this
			// insert; the primary key turns that into an insert error.
			// Rollback first so the re-check below does not wait on the
			// connection this transaction holds.
			if rollbackErr := tx.Rollback(); rollbackErr != nil && rollbackErr != sql.ErrTxDone {
				s.logger.Error("Cannot rollback append transaction", rollbackErr, nil)
			}
			if conflictErr := s.conflictAfterInsertFailure(ctx, aggregateID, expectedVersion); conflictErr != nil {
				return conflictErr
			}
			return errors.Wrapf(err, "cannot insert event %d", sequenceNumber)
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "cannot commit append transaction")
	}

	return nil
}

// conflictAfterInsertFailure re-reads the stream version outside the failed
// transaction. A changed version means the insert lost a write race and the
// failure is a conflict, not a storage fault.
func (s *SQL) conflictAfterInsertFailure(ctx context.Context, aggregateID string, expectedVersion int64) error {
	actualVersion, err := streamVersion(ctx, s.db, s.config.SchemaAdapter, aggregateID)
	if err != nil {
		return nil
	}
	if actualVersion != expectedVersion {
		return ConflictError{
			AggregateID:     aggregateID,
			ExpectedVersion: expectedVersion,
			ActualVersion:   actualVersion,
		}
	}
	return nil
}

func (s *SQL) ReadStream(ctx context.Context, aggregateID string) ([]Event, error) {
	return s.ReadStreamFrom(ctx, aggregateID, 0)
}

func (s *SQL) ReadStreamFrom(ctx context.Context, aggregateID string, afterSequence int64) ([]Event, error) {
	if aggregateID == "" {
		return nil, errors.New("aggregate id is empty")
	}

	rows, err := s.db.QueryContext(ctx, s.config.SchemaAdapter.SelectStreamFromQuery(), aggregateID, afterSequence)
	if err != nil {
		return nil, errors.Wrap(err, "cannot query stream")
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			event        Event
			occurredAtMs int64
		)
		err := rows.Scan(&event.SequenceNumber, &event.EventType, &event.Payload, &occurredAtMs, &event.CorrelationID)
		if err != nil {
			return nil, errors.Wrap(err, "cannot scan event row")
		}

		event.AggregateID = aggregateID
		event.OccurredAt = time.UnixMilli(occurredAtMs).UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "cannot iterate event rows")
	}

	return events, nil
}

func (s *SQL) Streams(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.config.SchemaAdapter.SelectStreamsQuery())
	if err != nil {
		return nil, errors.Wrap(err, "cannot query streams")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "cannot scan aggregate id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "cannot iterate aggregate ids")
	}

	return ids, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func streamVersion(ctx context.Context, db queryRower, adapter SchemaAdapter, aggregateID string) (int64, error) {
	var version int64
	err := db.QueryRowContext(ctx, adapter.SelectVersionQuery(), aggregateID).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return version, nil
}
