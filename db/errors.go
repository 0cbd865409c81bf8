package db

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

// IsTransient reports whether a driver error is worth retrying. Only
// connection churn, timeouts, and transaction rollback classes qualify;
// auth failures, constraint violations, and everything query-shaped are
// permanent and must surface to the caller unchanged.
// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Context expiry is the caller's deadline, not a database fault.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		// Class 40: Transaction Rollback (deadlock, serialization failure)
		case "40001", "40P01":
			return true
		// Class 53: Insufficient Resources (too many connections)
		case "53300":
			return true
		// Class 08: Connection Exception
		case "08000", "08001", "08003", "08004", "08006", "08007", "08P01":
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
