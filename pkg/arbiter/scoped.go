package arbiter

import (
	"context"
	"sync"

	"github.com/stratosure/dbarbiter/pkg/driver"
)

// ScopedConn is a checked-out connection whose release is guaranteed to
// run at most once. Callers defer Release immediately after acquiring so
// the slot returns to the pool on every exit path, success or failure.
type ScopedConn struct {
	conn     driver.Conn
	poolType driver.PoolType
	replica  string // set when served by a read replica

	once    sync.Once
	release func()
}

// Conn exposes the underlying driver connection.
func (s *ScopedConn) Conn() driver.Conn {
	return s.conn
}

// PoolType reports which pool served this connection.
func (s *ScopedConn) PoolType() driver.PoolType {
	return s.poolType
}

// Replica returns the replica ID that served a READ acquisition, or ""
// when the primary served it (writes, admin, or replica fallback).
func (s *ScopedConn) Replica() string {
	return s.replica
}

// Release returns the connection and its admission slot. Extra calls
// are no-ops; the active-connection count can never go negative through
// this path.
func (s *ScopedConn) Release() {
	s.once.Do(s.release)
}

// Exec runs a statement on the scoped connection.
func (s *ScopedConn) Exec(ctx context.Context, sql string, args ...any) error {
	return s.conn.Exec(ctx, sql, args...)
}
