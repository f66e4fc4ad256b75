// Package coordination defines the narrow interface this server consumes from
// a hierarchical, session-aware coordination store (etcd, or an in-memory
// store for tests).
//
// Nodes are addressed by slash-separated paths. Persistent nodes survive the
// session that created them; ephemeral nodes are removed by the store as soon
// as the owning session ends, which is what makes them usable as presence
// records. Elections guarantee at most one holder per mutex path across the
// whole cluster, with failover when the holder's session disappears.
package coordination

import (
	"context"
	"time"
)

// LeadershipFunc runs on a dedicated goroutine only while this connection
// holds leadership for a mutex path. The context is cancelled when the
// election is stopped, when leadership is lost, or when the connection
// closes; implementations should do their leader-only work and then block on
// ctx.Done().
type LeadershipFunc func(ctx context.Context, conn Conn)

// Conn is a single session-bound connection to a coordination store.
//
// A Conn is safe for concurrent use. All ephemeral nodes and elections
// created through a Conn are bound to its session and do not outlive it.
type Conn interface {
	// Exists reports whether a node is present at path.
	Exists(ctx context.Context, path string) (bool, error)

	// CreateNode creates a persistent node at path, optionally carrying data.
	// It fails with ErrNodeExists if a node is already present.
	CreateNode(ctx context.Context, path string, data []byte) error

	// DeleteNode removes the node at path. It fails with ErrNoNode if the
	// node is absent.
	DeleteNode(ctx context.Context, path string) error

	// CreateEphemeralNode creates a node bound to this connection's session.
	// It fails with ErrNodeExists if a node is already present.
	CreateEphemeralNode(ctx context.Context, path string, data []byte) (EphemeralNode, error)

	// StartElection registers this connection as a contender for the mutex
	// path. onElected is invoked, on its own goroutine, each time this
	// connection becomes the holder.
	StartElection(mutexPath string, onElected LeadershipFunc) (Election, error)

	// SetData writes data at path, creating the node if necessary.
	SetData(ctx context.Context, path string, data []byte) error

	// GetData reads the data at path. The boolean reports whether the node
	// exists; an absent node is not an error.
	GetData(ctx context.Context, path string) ([]byte, bool, error)

	// OnError registers a handler for asynchronous connection-level errors,
	// most notably session expiry. Handlers must not block.
	OnError(fn func(error))

	// SessionTimeout returns the store's configured grace period after a
	// disconnect before this session's ephemeral state is considered gone.
	SessionTimeout() time.Duration

	// Close terminates the session. Ephemeral nodes and elections owned by
	// this connection are released. Close is idempotent.
	Close() error
}

// EphemeralNode is a handle to a session-bound node.
type EphemeralNode interface {
	// Path returns the realized node path.
	Path() string

	// Delete removes the node ahead of session expiry. It fails with
	// ErrNoNode if the node is already gone.
	Delete(ctx context.Context) error
}

// Election is a handle to one contender's participation in a leader election.
type Election interface {
	// Stop withdraws this contender, releasing leadership if held and
	// unblocking the leadership callback. Stop is idempotent and returns
	// once the callback goroutine has terminated, or ctx is done.
	Stop(ctx context.Context) error
}

// Dialer opens a connection to a coordination store. addresses is a
// comma-separated host:port list.
type Dialer func(ctx context.Context, addresses string) (Conn, error)
