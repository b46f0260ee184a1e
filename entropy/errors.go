package entropy

import "errors"

var (
	// ErrUnknownGroup indicates an insert referenced a replication group
	// with no tree.
	ErrUnknownGroup = errors.New("entropy: unknown replication group")

	// ErrNotResponsible indicates a query or update referenced a
	// replication group this partition holds no tree for.
	ErrNotResponsible = errors.New("entropy: not responsible for replication group")

	// ErrMaxConcurrency indicates an admission-control pool was exhausted.
	// Recoverable: callers retry, typically on the next tick.
	ErrMaxConcurrency = errors.New("entropy: max concurrency")

	// ErrAlreadyExchanging indicates another comparison session already
	// holds this partition.
	ErrAlreadyExchanging = errors.New("entropy: already exchanging")

	// ErrManagerStopped indicates the partition's manager has shut down.
	ErrManagerStopped = errors.New("entropy: manager stopped")
)
