package credits

const (
	operationOpen           = "open"
	operationDeduct         = "deduct"
	operationGrant          = "grant"
	operationReset          = "reset"
	operationConsumeCounter = "consume_counter"

	operationStatusOK       = "ok"
	operationStatusRejected = "rejected"
	operationStatusSkipped  = "skipped"
	operationStatusError    = "error"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	emptyContextJSON = "{}"
)
