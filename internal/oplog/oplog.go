package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const messageOperation = "credit operation"

// Logger renders ledger operations as structured zap entries.
type Logger struct {
	logger *zap.Logger
}

// New wraps logger. A nil logger discards everything.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("ledger")}
}

// LogOperation implements credits.OperationLogger.
func (operationLogger *Logger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("status", entry.Status),
		zap.Time("occurred_at", entry.OccurredAt),
	}
	if entry.Subject != "" {
		fields = append(fields, zap.String("subject", entry.Subject))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.Status == credits.StatusOK {
		fields = append(fields, zap.Int64("balance_after", entry.BalanceAfter.Int64()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	if checked := operationLogger.logger.Check(levelFor(entry.Status), messageOperation); checked != nil {
		checked.Write(fields...)
	}
}

func levelFor(status string) zapcore.Level {
	switch status {
	case credits.StatusOK:
		return zapcore.InfoLevel
	case credits.StatusRejected:
		return zapcore.WarnLevel
	case credits.StatusSkipped:
		return zapcore.DebugLevel
	default:
		return zapcore.ErrorLevel
	}
}
