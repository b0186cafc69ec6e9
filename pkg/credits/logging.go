package credits

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation    string
	UserID       UserID
	Subject      string
	Amount       Credits
	BalanceAfter Credits
	Context      ContextJSON
	Status       string
	Error        error
	OccurredAt   time.Time
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithRetryPolicy overrides the transient failure retry policy.
func WithRetryPolicy(policy RetryPolicy) ServiceOption {
	return func(service *Service) {
		service.retryPolicy = policy
	}
}

// MultiLogger fans one entry out to several loggers in order.
type MultiLogger []OperationLogger

// LogOperation forwards entry to every non-nil logger.
func (loggers MultiLogger) LogOperation(ctx context.Context, entry OperationLog) {
	for _, logger := range loggers {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}

// Status values carried by OperationLog.
const (
	StatusOK       = operationStatusOK
	StatusRejected = operationStatusRejected
	StatusSkipped  = operationStatusSkipped
	StatusError    = operationStatusError
)

// Operation names carried by OperationLog.
const (
	OperationOpen           = operationOpen
	OperationDeduct         = operationDeduct
	OperationGrant          = operationGrant
	OperationReset          = operationReset
	OperationConsumeCounter = operationConsumeCounter
)
