package processor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// HandlerError wraps a failure raised by an event handler during dispatch.
// The scheduler records it against the processor and does not advance
// progress.
type HandlerError struct {
	ProcessorID string
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s: %v", e.ProcessorID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// IsHandlerError checks if the error came from an event handler.
func IsHandlerError(err error) bool {
	var handlerErr *HandlerError
	return errors.As(err, &handlerErr)
}

// shutdownSQLStates are the codes PostgreSQL raises when a connection is torn
// down underneath an in-flight call.
var shutdownSQLStates = map[string]bool{
	"57P01": true, // admin_shutdown
	"08006": true, // connection_failure
}

var shutdownMessagePatterns = []string{
	"i/o error",
	"connection has been closed",
	"terminating connection",
	"connection reset",
	"closed pool",
}

// IsShutdownConnectionError classifies connection teardown during process
// shutdown. These are expected while tasks drain and are logged at debug,
// never escalated.
func IsShutdownConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && shutdownSQLStates[pgErr.Code] {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range shutdownMessagePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsSchemaNotReady reports whether the error indicates the progress or events
// tables have not been created yet. The scheduler treats this as "try again
// next tick".
func IsSchemaNotReady(err error) bool {
	var pgErr *pgconn.PgError
	// undefined_table
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
