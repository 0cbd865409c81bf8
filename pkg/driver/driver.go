// Package driver defines the boundary between the arbitration layer and
// the underlying SQL driver. The arbitration layer never talks to a
// database directly; it acquires and releases connections through these
// interfaces. The pgx-backed implementation lives in the db package, and
// tests substitute in-memory fakes.
package driver

import (
	"context"
	"time"
)

// PoolType identifies which bounded connection pool a request targets.
type PoolType int

const (
	PoolTypeMain PoolType = iota // primary, write traffic
	PoolTypeRead                 // read replicas, routed
	PoolTypeAdmin
)

func (p PoolType) String() string {
	switch p {
	case PoolTypeMain:
		return "main"
	case PoolTypeRead:
		return "read"
	case PoolTypeAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParsePoolType converts a string into a PoolType.
func ParsePoolType(s string) (PoolType, bool) {
	switch s {
	case "main", "write":
		return PoolTypeMain, true
	case "read":
		return PoolTypeRead, true
	case "admin":
		return PoolTypeAdmin, true
	default:
		return PoolTypeMain, false
	}
}

// Stat is a point-in-time view of a pool's physical connections.
type Stat struct {
	TotalConns int32
	IdleConns  int32
	InUseConns int32
	MaxConns   int32
}

// Conn is a single physical connection checked out of a Pool. It is
// held by exactly one logical task at a time and must be returned via
// Release exactly once.
type Conn interface {
	// Exec runs a statement and returns the driver error, if any.
	Exec(ctx context.Context, sql string, args ...any) error

	// Ping verifies the connection is still alive.
	Ping(ctx context.Context) error

	// Release returns the connection to its pool. Safe to call once;
	// the pool implementation may tolerate (and ignore) repeats.
	Release()
}

// Pool is a bounded set of physical connections to one database host.
type Pool interface {
	// Acquire checks out a connection, blocking up to the context deadline.
	Acquire(ctx context.Context) (Conn, error)

	// Ping runs a trivial connectivity probe against the host.
	Ping(ctx context.Context) error

	Stat() Stat
	Close()
}

// ProbeResult is the outcome of a single health probe against a replica.
type ProbeResult struct {
	Latency time.Duration
	Err     error
}
