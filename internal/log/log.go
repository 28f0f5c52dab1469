package log

import (
	"context"
	"fmt"

	"github.com/pbinitiative/zenrepo/internal/appcontext"
	"github.com/pbinitiative/zenrepo/internal/profile"
	"go.uber.org/zap"
)

var logger = zap.NewNop().Sugar()

// Init builds the process wide logger for the current profile
func Init() {
	var l *zap.Logger
	var err error
	switch profile.Current {
	case profile.PROD:
		l, err = zap.NewProduction()
	default:
		l, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %s", err))
	}
	logger = l.Sugar()
}

func Sync() {
	_ = logger.Sync()
}

// Logger returns the underlying zap logger, used where a library expects one
func Logger() *zap.Logger {
	return logger.Desugar()
}

func Info(msg string, args ...any) {
	logger.Infof(msg, args...)
}

func Error(msg string, args ...any) {
	logger.Errorf(msg, args...)
}

func Debug(msg string, args ...any) {
	logger.Debugf(msg, args...)
}

func withContext(ctx context.Context) *zap.SugaredLogger {
	if op, ok := appcontext.OperationFromContext(ctx); ok {
		return logger.With("operation", op.Name, "operationKey", op.Key)
	}
	return logger
}

func Infof(ctx context.Context, msg string, args ...any) {
	withContext(ctx).Infof(msg, args...)
}

func Errorf(ctx context.Context, msg string, args ...any) {
	withContext(ctx).Errorf(msg, args...)
}

func Debugf(ctx context.Context, msg string, args ...any) {
	withContext(ctx).Debugf(msg, args...)
}
