package morm

import (
	"errors"
	"fmt"
)

// ErrIntegrity classifies uniqueness and other constraint violations raised
// by the backend. Match with errors.Is; the original driver error stays
// reachable through errors.As. Caught specifically inside the get-or-create
// retry path, propagated unchanged everywhere else.
var ErrIntegrity = errors.New("morm: integrity constraint violation")

// ErrConnectivity classifies pool-exhaustion and backend-unreachable
// failures. It always propagates; no operation retries on it.
var ErrConnectivity = errors.New("morm: backend unreachable")

// ErrNoTransactions is returned by [DB.Atomic] when the pool's connections
// do not implement [TxConn].
var ErrNoTransactions = errors.New("morm: pool connections do not support explicit transactions")

// NotFoundError is synthesized by Get when a query matches no rows. It
// carries the statement text and bound parameters for diagnosis.
type NotFoundError struct {
	SQL  string
	Args []any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("morm: no matching row\nSQL: %s\nARGS: %v", e.SQL, e.Args)
}

// IsNotFound reports whether err is (or wraps) a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// backendError pairs a backend-raised error with its classification so that
// errors.Is(err, ErrIntegrity) and errors.As(err, &driverErr) both work.
type backendError struct {
	kind error
	err  error
}

func (e *backendError) Error() string   { return e.err.Error() }
func (e *backendError) Unwrap() []error { return []error{e.kind, e.err} }

// classify wraps err with the dialect's classification, if it has one.
func classify(d Dialect, err error) error {
	if err == nil {
		return nil
	}
	if kind := d.Classify(err); kind != nil {
		return &backendError{kind: kind, err: err}
	}
	return err
}
