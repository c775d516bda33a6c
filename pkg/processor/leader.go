package processor

import (
	"context"
	"hash/fnv"
	"os"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.jetify.com/typeid"
)

// LeaderElector provides cluster-wide mutual exclusion through a session
// scoped advisory lock held on one dedicated pooled connection. The lock
// lives as long as the connection, so losing the connection loses leadership.
type LeaderElector struct {
	pool       *pgxpool.Pool
	lockName   string
	instanceID string

	mu     sync.Mutex
	conn   *pgxpool.Conn
	leader atomic.Bool
}

// NewLeaderElector creates an elector for the named lock.
func NewLeaderElector(pool *pgxpool.Pool, lockName, instanceID string) *LeaderElector {
	return &LeaderElector{
		pool:       pool,
		lockName:   lockName,
		instanceID: instanceID,
	}
}

// NewTopicPublisherElector creates a per-processor elector whose lock name is
// derived from the {topic, publisher} pair, so every process computes the
// same key.
func NewTopicPublisherElector(pool *pgxpool.Pool, topic, publisher, instanceID string) *LeaderElector {
	return NewLeaderElector(pool, topic+"/"+publisher, instanceID)
}

// LockKey derives the deterministic numeric advisory lock key from the lock
// name (FNV-64a).
func (e *LeaderElector) LockKey() int64 {
	h := fnv.New64a()
	h.Write([]byte(e.lockName))
	return int64(h.Sum64())
}

// TryAcquire makes a non-blocking attempt to take the lock. An elector that
// already holds it returns true immediately.
func (e *LeaderElector) TryAcquire(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.leader.Load() {
		return true, nil
	}

	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", e.LockKey()).Scan(&acquired); err != nil {
		conn.Release()
		return false, err
	}
	if !acquired {
		conn.Release()
		return false, nil
	}

	// Keep the connection: the advisory lock is session scoped
	e.conn = conn
	e.leader.Store(true)
	return true, nil
}

// IsLeader is a local flag read; no database round-trip.
func (e *LeaderElector) IsLeader() bool {
	return e.leader.Load()
}

// Verify pings the lock-holding session. A dead session has already lost the
// lock on the server, so a failed ping demotes: the local flag clears and the
// connection is returned. Returns whether this elector still leads.
func (e *LeaderElector) Verify(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.leader.Load() {
		return false
	}
	if e.conn == nil || e.conn.Ping(ctx) != nil {
		e.demoteLocked()
		return false
	}
	return true
}

// demoteLocked drops leadership without unlocking; the server side is gone.
// Caller holds e.mu.
func (e *LeaderElector) demoteLocked() {
	if e.conn != nil {
		e.conn.Release()
		e.conn = nil
	}
	e.leader.Store(false)
}

// Release unlocks and returns the dedicated connection. Safe to call when
// not leader.
func (e *LeaderElector) Release(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.leader.Load() {
		return nil
	}

	var err error
	if e.conn != nil {
		_, err = e.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", e.LockKey())
		e.conn.Release()
		e.conn = nil
	}
	e.leader.Store(false)
	return err
}

// InstanceID returns the stable identifier of this process.
func (e *LeaderElector) InstanceID() string {
	return e.instanceID
}

// ResolveInstanceID picks the process identity: HOSTNAME env var, then the
// configured id, then the OS hostname, then a generated TypeID.
func ResolveInstanceID(configured string) string {
	if host := os.Getenv("HOSTNAME"); host != "" {
		return host
	}
	if configured != "" {
		return configured
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	id, err := typeid.WithPrefix("inst")
	if err != nil {
		return "inst_unknown"
	}
	return id.String()
}
