// Package postgres samples queue tables in a Postgres schema. Any table in
// the configured schema carrying the configured sequence column is treated as
// a queue, and MAX(sequence) is its counter. Sequences only move forward, so
// the source is stable and only read at the window edges.
package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/loglineproject/logline/internal/common/database"
	"github.com/loglineproject/logline/internal/engine"
	"github.com/loglineproject/logline/internal/logline/configuration"
)

// SourceName identifies this source in logs, errors and reports.
const SourceName = "postgres"

// maxConcurrentTableQueries bounds the MAX(seq) fan-out so a schema with
// hundreds of queue tables does not monopolise the pool.
const maxConcurrentTableQueries = 8

var dialect = goqu.Dialect("postgres")

// Querier is the subset of pgxpool.Pool the source needs. Narrow so tests
// can substitute scripted rows.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type Source struct {
	db             Querier
	schema         string
	sequenceColumn string
}

// New connects a pool with the configured connection map and returns a
// source over it.
func New(config configuration.PostgresConfig) (*Source, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	pool, err := database.OpenPgxPool(config.Connection)
	if err != nil {
		return nil, errors.WithStack(&engine.ErrSourceUnavailable{
			Source:  SourceName,
			Message: "opening connection pool",
			Err:     err,
		})
	}
	return NewWithQuerier(pool, config), nil
}

// NewWithQuerier returns a source over an existing connection. The caller
// keeps ownership of the connection's lifecycle.
func NewWithQuerier(db Querier, config configuration.PostgresConfig) *Source {
	return &Source{
		db:             db,
		schema:         config.Schema,
		sequenceColumn: config.SequenceColumn,
	}
}

func (s *Source) Name() string { return SourceName }

// Volatile is false: sequences survive restarts, so reading the edges of the
// window suffices.
func (s *Source) Volatile() bool { return false }

// CheckEnvironment verifies at least one queue table exists.
func (s *Source) CheckEnvironment(ctx context.Context) error {
	tables, err := s.discoverTables(ctx)
	if err != nil {
		return err
	}
	if len(tables) == 0 {
		return errors.WithStack(&engine.ErrInvalidEnvironment{
			Source:  SourceName,
			Message: errors.Errorf("no tables in schema %q have a %q column", s.schema, s.sequenceColumn).Error(),
		})
	}
	return nil
}

// GetSnapshot reads MAX(sequence) of every queue table, a few tables at a
// time. A table that fails with a transient error gets a nil counter; the
// other tables still produce values for this pass.
func (s *Source) GetSnapshot(ctx context.Context) (*engine.Snapshot, error) {
	tables, err := s.discoverTables(ctx)
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return nil, errors.WithStack(&engine.ErrInvalidEnvironment{
			Source:  SourceName,
			Message: errors.Errorf("no tables in schema %q have a %q column", s.schema, s.sequenceColumn).Error(),
		})
	}

	var mu sync.Mutex
	answered := 0
	var lastErr error
	counters := make(map[string]*int64, len(tables))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentTableQueries)
	for _, table := range tables {
		table := table
		g.Go(func() error {
			value, err := s.tableCounter(gctx, table)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Structural problems fail the pass; a transient failure on
				// one table only costs that table's reading.
				if engine.IsInvalidEnvironment(err) || gctx.Err() != nil {
					return err
				}
				counters[table] = nil
				lastErr = err
				return nil
			}
			counters[table] = &value
			answered++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if answered == 0 {
		// Nothing answered, so a "successful" pass would only hide that the
		// database is unreachable; fail the pass and let the budget count it.
		return nil, errors.WithStack(&engine.ErrSourceUnavailable{
			Source:  SourceName,
			Message: errors.Errorf("all %d table counter queries failed", len(tables)).Error(),
			Err:     lastErr,
		})
	}
	return &engine.Snapshot{CapturedAt: time.Now(), Counters: counters}, nil
}

// discoverTables lists the tables of the schema that carry the sequence
// column, alphabetically.
func (s *Source) discoverTables(ctx context.Context) ([]string, error) {
	sql, args, err := discoverTablesSQL(s.schema, s.sequenceColumn)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var tables []string
	if err := s.db.QueryRow(ctx, sql, args...).Scan(&tables); err != nil {
		return nil, classify(err, "discovering queue tables")
	}
	return tables, nil
}

// tableCounter reads the table's current counter value. An empty table
// counts as zero.
func (s *Source) tableCounter(ctx context.Context, table string) (int64, error) {
	sql, err := tableCounterSQL(s.schema, table, s.sequenceColumn)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	var value int64
	if err := s.db.QueryRow(ctx, sql).Scan(&value); err != nil {
		return 0, classify(err, errors.Errorf("reading counter of table %s", table).Error())
	}
	return value, nil
}

func discoverTablesSQL(schema, sequenceColumn string) (string, []interface{}, error) {
	return dialect.
		From(goqu.T("columns").Schema("information_schema")).
		Select(goqu.L("COALESCE(array_agg(table_name ORDER BY table_name), '{}'::text[])")).
		Where(goqu.Ex{
			"table_schema": schema,
			"column_name":  sequenceColumn,
		}).
		Prepared(true).
		ToSQL()
}

func tableCounterSQL(schema, table, sequenceColumn string) (string, error) {
	sql, _, err := dialect.
		From(goqu.T(table).Schema(schema)).
		Select(goqu.COALESCE(goqu.MAX(goqu.C(sequenceColumn)), 0)).
		ToSQL()
	return sql, err
}

// classify maps database errors onto the engine's taxonomy. Missing schema
// objects mean the environment cannot be sampled at all; everything else,
// auth and network included, is worth retrying.
func classify(err error, message string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.WithStack(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UndefinedTable, pgerrcode.UndefinedColumn, pgerrcode.InvalidSchemaName:
			return errors.WithStack(&engine.ErrInvalidEnvironment{
				Source:  SourceName,
				Message: message + ": " + pgErr.Message,
			})
		}
	}
	return errors.WithStack(&engine.ErrSourceUnavailable{
		Source:  SourceName,
		Message: message,
		Err:     err,
	})
}

// Ensure pgxpool satisfies the interface the source is written against.
var _ Querier = (*pgxpool.Pool)(nil)
