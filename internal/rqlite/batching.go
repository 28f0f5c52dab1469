package rqlite

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	otelPkg "github.com/pbinitiative/zenrepo/internal/otel"
	"github.com/pbinitiative/zenrepo/pkg/storage"
	"github.com/rqlite/rqlite/v8/command/proto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DBBatch collects statements and executes them as one rqlite transaction
type DBBatch struct {
	db               *DB
	stmtToRun        []*proto.Statement
	postFlushActions []func()
	preFlushActions  []func() error
	logger           hclog.Logger
}

var _ storage.Batch = &DBBatch{}

func (b *DBBatch) add(sql string, args ...interface{}) error {
	b.stmtToRun = append(b.stmtToRun, b.db.generateStatement(sql, args...))
	return nil
}

func (b *DBBatch) AddPostFlushAction(ctx context.Context, f func()) {
	b.postFlushActions = append(b.postFlushActions, f)
}

func (b *DBBatch) AddPreFlushAction(ctx context.Context, f func() error) {
	b.preFlushActions = append(b.preFlushActions, f)
}

func (b *DBBatch) Flush(ctx context.Context) error {
	defer b.reset()
	for _, action := range b.preFlushActions {
		err := action()
		if err != nil {
			return fmt.Errorf("failed pre-flush action: %w", err)
		}
	}
	ctx, execSpan := b.db.tracer.Start(ctx, "rqlite-batch", trace.WithAttributes(
		attribute.String(otelPkg.AttributeExec, fmt.Sprintf("%v", b.stmtToRun)),
	))
	defer func() {
		execSpan.End()
	}()
	resp, err := b.db.ExecuteStatements(ctx, b.stmtToRun)
	if err != nil {
		execSpan.RecordError(err)
		execSpan.SetStatus(codes.Error, err.Error())
		b.logger.Error(fmt.Sprintf("failed to flush statements: %s", err))
		return err
	}
	if stmtErr := statementsError(resp); stmtErr != nil {
		execSpan.RecordError(stmtErr)
		execSpan.SetStatus(codes.Error, stmtErr.Error())
		b.logger.Debug(fmt.Sprintf("failed to flush - statements error: %s", stmtErr))
		return stmtErr
	}
	for _, action := range b.postFlushActions {
		action()
	}
	return nil
}

func (b *DBBatch) reset() {
	b.stmtToRun = make([]*proto.Statement, 0, 10)
	b.preFlushActions = make([]func() error, 0, 5)
	b.postFlushActions = make([]func(), 0, 5)
}
