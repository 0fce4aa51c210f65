package store

import (
	"errors"

	"github.com/lib/pq"

	"github.com/jjenkins/billsync/internal/retry"
)

// ErrTxBroken means the transaction can no longer be used and the batch must be abandoned.
var ErrTxBroken = errors.New("transaction is no longer usable")

// transientCodes are Postgres error codes worth retrying on a fresh attempt.
var transientCodes = map[pq.ErrorCode]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"53300": true, // too_many_connections
	"57P01": true, // admin_shutdown
}

// classify marks retryable database errors as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code.Class() == "08" || transientCodes[pqErr.Code] {
			return retry.Transient(err)
		}
	}
	return err
}
