// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package rqlite

import (
	"context"
	ssql "database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	otelPkg "github.com/pbinitiative/zenrepo/internal/otel"
	"github.com/pbinitiative/zenrepo/internal/profile"
	"github.com/pbinitiative/zenrepo/internal/sql"
	"github.com/pbinitiative/zenrepo/pkg/storage"
	"github.com/pbinitiative/zenrepo/pkg/zenflake"
	"github.com/rqlite/rqlite/v8/command/proto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DB implements storage.Storage on top of rqlite
type DB struct {
	store  Store
	logger hclog.Logger
	keys   *zenflake.Generator
	tracer trace.Tracer
}

var _ storage.Storage = &DB{}

func NewDB(ctx context.Context, store Store, nodeId int64, logger hclog.Logger) (*DB, error) {
	keys, err := zenflake.NewGenerator(nodeId)
	if err != nil {
		return nil, err
	}
	db := &DB{
		store:  store,
		logger: logger,
		keys:   keys,
		tracer: otel.GetTracerProvider().Tracer("rqlite-storage"),
	}
	if err := db.migrate(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

const createMigrationTable = `CREATE TABLE IF NOT EXISTS schema_migration (
    version INTEGER PRIMARY KEY NOT NULL,
    name TEXT NOT NULL,
    applied_at INTEGER NOT NULL
)`

// migrate applies the migrations not recorded in schema_migration, each together with its record
func (rq *DB) migrate(ctx context.Context) error {
	migrations, err := sql.GetMigrations()
	if err != nil {
		return err
	}
	if err := rq.executeChecked(ctx, []*proto.Statement{rq.generateStatement(createMigrationTable)}); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}
	applied, err := rq.appliedMigrations(ctx)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		statements := make([]*proto.Statement, 0, len(m.Statements)+1)
		for _, stmt := range m.Statements {
			statements = append(statements, rq.generateStatement(stmt))
		}
		statements = append(statements, rq.generateStatement(
			"INSERT INTO schema_migration (version, name, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Name, time.Now().UnixMilli(),
		))
		if err := rq.executeChecked(ctx, statements); err != nil {
			return fmt.Errorf("failed to run migration %d_%s: %w", m.Version, m.Name, err)
		}
		rq.logger.Info("applied migration", "version", m.Version, "name", m.Name)
	}
	return nil
}

func (rq *DB) appliedMigrations(ctx context.Context) (map[int]bool, error) {
	rows, err := rq.QueryContext(ctx, "SELECT version FROM schema_migration")
	if err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	defer rows.Close()
	applied := map[int]bool{}
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to read applied migrations: %w", err)
		}
		applied[int(version)] = true
	}
	return applied, nil
}

func (rq *DB) executeChecked(ctx context.Context, statements []*proto.Statement) error {
	results, err := rq.ExecuteStatements(ctx, statements)
	if err != nil {
		return err
	}
	return statementsError(results)
}

// GenerateId implements storage.Storage.
func (rq *DB) GenerateId() int64 {
	return rq.keys.Next()
}

func (rq *DB) ExecuteStatements(ctx context.Context, statements []*proto.Statement) ([]*proto.ExecuteQueryResponse, error) {
	if len(statements) == 0 {
		return []*proto.ExecuteQueryResponse{{
			Result: &proto.ExecuteQueryResponse_E{
				E: &proto.ExecuteResult{},
			},
		}}, nil
	}
	er := &proto.ExecuteRequest{
		Request: &proto.Request{
			Transaction: true,
			DbTimeout:   int64(0),
			Statements:  statements,
		},
		Timings: false,
	}

	results, resultsErr := rq.store.Execute(ctx, er)

	if resultsErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			rq.logger.Error("Context deadline exceeded for statement", "err", resultsErr)
		}
		rq.logger.Error("Error executing SQL statements", "err", resultsErr)
		return nil, resultsErr
	}
	return results, nil
}

// statementsError collects errors of the individual statements, unique constraint violations are reported as storage.ErrConflict
func statementsError(results []*proto.ExecuteQueryResponse) error {
	var stmtErr error
	for i, res := range results {
		msg := res.GetError()
		if msg == "" {
			continue
		}
		if strings.Contains(msg, "UNIQUE constraint failed") {
			stmtErr = errors.Join(stmtErr, fmt.Errorf("statement %d error: %s: %w", i, msg, storage.ErrConflict))
			continue
		}
		stmtErr = errors.Join(stmtErr, fmt.Errorf("statement %d error: %s", i, msg))
	}
	return stmtErr
}

func (rq *DB) generateStatement(sql string, parameters ...interface{}) *proto.Statement {
	resultParams := make([]*proto.Parameter, 0)

	for _, par := range parameters {
		switch par := par.(type) {
		case string:
			resultParams = append(resultParams, &proto.Parameter{
				Value: &proto.Parameter_S{
					S: par,
				},
			})
		case int64:
			resultParams = append(resultParams, &proto.Parameter{
				Value: &proto.Parameter_I{
					I: par,
				},
			})
		case int32:
			resultParams = append(resultParams, &proto.Parameter{
				Value: &proto.Parameter_I{
					I: int64(par),
				},
			})
		case int:
			resultParams = append(resultParams, &proto.Parameter{
				Value: &proto.Parameter_I{
					I: int64(par),
				},
			})
		case float64:
			resultParams = append(resultParams, &proto.Parameter{
				Value: &proto.Parameter_D{
					D: par,
				},
			})
		case bool:
			resultParams = append(resultParams, &proto.Parameter{
				Value: &proto.Parameter_B{
					B: par,
				},
			})
		case []byte:
			resultParams = append(resultParams, &proto.Parameter{
				Value: &proto.Parameter_Y{
					Y: par,
				},
			})
		case ssql.NullInt64:
			if par.Valid {
				resultParams = append(resultParams, &proto.Parameter{
					Value: &proto.Parameter_I{
						I: par.Int64,
					},
				})
			} else {
				resultParams = append(resultParams, &proto.Parameter{})
			}
		case ssql.NullString:
			if par.Valid {
				resultParams = append(resultParams, &proto.Parameter{
					Value: &proto.Parameter_S{
						S: par.String,
					},
				})
			} else {
				resultParams = append(resultParams, &proto.Parameter{})
			}
		default:
			rq.logger.Error(fmt.Sprintf("Unknown parameter type: %T", par))
			if profile.Current == profile.DEV || profile.Current == profile.TEST {
				panic(fmt.Sprintf("Unknown parameter type: %T", par))
			}
		}

	}
	return &proto.Statement{
		Sql:        sql,
		Parameters: resultParams,
	}
}

func (rq *DB) queryDatabase(ctx context.Context, query string, parameters ...interface{}) ([]*proto.QueryRows, error) {
	stmts := rq.generateStatement(query, parameters...)

	qr := &proto.QueryRequest{
		Request: &proto.Request{
			Transaction: false,
			DbTimeout:   (10 * time.Second).Nanoseconds(),
			Statements:  []*proto.Statement{stmts},
		},
		Timings: false,
		Level:   proto.QueryRequest_QUERY_REQUEST_LEVEL_NONE,
	}

	results, resultsErr := rq.store.Query(ctx, qr)
	if resultsErr != nil {
		rq.logger.Error("Error executing SQL statements", "err", resultsErr)
		return nil, resultsErr
	}
	if len(results) == 1 && results[0].Error != "" {
		err := fmt.Errorf("error executing SQL statement %s %+v: %s", query, parameters, results[0].Error)
		rq.logger.Error(err.Error())
		return nil, err
	}
	return results, nil
}

func (rq *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	ctx, querySpan := rq.tracer.Start(ctx, "rqlite-query", trace.WithAttributes(
		attribute.String(otelPkg.AttributeQuery, query),
		attribute.String(otelPkg.AttributeArgs, fmt.Sprintf("%v", args)),
	))
	defer func() {
		querySpan.End()
	}()
	results, err := rq.queryDatabase(ctx, query, args...)
	if err != nil {
		querySpan.RecordError(err)
		querySpan.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(results) > 1 {
		return nil, errors.New("Multiple results not supported")
	}
	for _, r := range results {
		return sql.NewRows(ctx, r.Columns, r.Values), nil
	}
	// empty results
	return sql.NewRows(ctx, nil, nil), nil
}

// QueryRowContext returns a row that scans into storage.ErrNotFound when the query has no result
func (rq *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	rows, err := rq.QueryContext(ctx, query, args...)
	if err != nil {
		return sql.ErrRow(ctx, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return sql.ErrRow(ctx, storage.ErrNotFound)
	}
	return rows.Row()
}

// exec runs a single write in its own batch
func (rq *DB) exec(ctx context.Context, write func(b *DBBatch) error) error {
	b := rq.newBatch()
	if err := write(b); err != nil {
		return err
	}
	return b.Flush(ctx)
}

func (rq *DB) NewBatch() storage.Batch {
	return rq.newBatch()
}

func (rq *DB) newBatch() *DBBatch {
	return &DBBatch{
		db:               rq,
		stmtToRun:        make([]*proto.Statement, 0, 10),
		postFlushActions: make([]func(), 0, 5),
		preFlushActions:  make([]func() error, 0, 5),
		logger:           rq.logger,
	}
}
