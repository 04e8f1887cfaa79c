package errors

import sterrors "errors"

var (
	ErrConfigRequired      = sterrors.New("sessionflow: configuration is required")
	ErrLoggerRequired      = sterrors.New("sessionflow: logger is required")
	ErrProducerRequired    = sterrors.New("sessionflow: producer is required")
	ErrConsumerRequired    = sterrors.New("sessionflow: consumer is required")
	ErrTopicRequired       = sterrors.New("sessionflow: topic is required")
	ErrTeamStoreRequired   = sterrors.New("sessionflow: team store is required")
	ErrSinkRequired        = sterrors.New("sessionflow: session sink is required")
	ErrStateStoreRequired  = sterrors.New("sessionflow: shared state store is required")
	ErrPartitionNotOwned   = sterrors.New("sessionflow: partition is not owned by this consumer")
	ErrNotFound            = sterrors.New("sessionflow: key not found")
	ErrSchedulerClosed     = sterrors.New("sessionflow: side effect scheduler is closed")
	ErrEmptySnapshotItems  = sterrors.New("sessionflow: message carries no snapshot items")
	ErrMissingSessionID    = sterrors.New("sessionflow: message carries no session id")
	ErrUnsupportedEvent    = sterrors.New("sessionflow: message is not a snapshot event")
	ErrInvalidBucketConfig = sterrors.New("sessionflow: overflow bucket capacity and rate must be positive")
	ErrInvalidOverflowTTL  = sterrors.New("sessionflow: overflow cooldown and bucket ttl must be positive")
)

// ConfigValidationError marks an error produced while validating Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "sessionflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil for a nil err.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
