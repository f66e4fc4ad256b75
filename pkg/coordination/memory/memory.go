// Package memory provides an in-process coordination store. It exists for
// tests and single-node development, and mirrors the semantics of the etcd
// implementation: ephemeral nodes die with their connection, and elections
// hand leadership to the longest-waiting contender.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/slacker-rpc/slacker-go/pkg/coordination"
)

const DefaultSessionTimeout = 10 * time.Second

// Store is the shared state behind one or more connections. Connections from
// the same Store observe each other's nodes and compete in the same
// elections.
type Store struct {
	mu        sync.Mutex
	nodes     map[string]*node
	elections map[string]*mutexState
}

type node struct {
	data  []byte
	owner *Conn // nil for persistent nodes
}

type mutexState struct {
	// queue[0] is the current holder; the rest wait in arrival order.
	queue []*election
}

func NewStore() *Store {
	return &Store{
		nodes:     make(map[string]*node),
		elections: make(map[string]*mutexState),
	}
}

// Connect creates a new session against the store.
func (s *Store) Connect(sessionTimeout time.Duration) *Conn {
	if sessionTimeout <= 0 {
		sessionTimeout = DefaultSessionTimeout
	}

	return &Conn{
		store:   s,
		id:      uuid.New().String(),
		timeout: sessionTimeout,
	}
}

// Conn implements coordination.Conn against a Store.
type Conn struct {
	store   *Store
	id      string
	timeout time.Duration

	// guarded by store.mu
	closed        bool
	errorHandlers []func(error)
}

var _ coordination.Conn = (*Conn)(nil)

func (c *Conn) Exists(_ context.Context, path string) (bool, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if c.closed {
		return false, coordination.ErrClosed
	}

	_, ok := c.store.nodes[path]
	return ok, nil
}

func (c *Conn) CreateNode(_ context.Context, path string, data []byte) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if c.closed {
		return coordination.ErrClosed
	}
	if _, ok := c.store.nodes[path]; ok {
		return errors.Wrap(coordination.ErrNodeExists, path)
	}

	c.store.nodes[path] = &node{data: slices.Clone(data)}
	return nil
}

func (c *Conn) DeleteNode(_ context.Context, path string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if c.closed {
		return coordination.ErrClosed
	}
	if _, ok := c.store.nodes[path]; !ok {
		return errors.Wrap(coordination.ErrNoNode, path)
	}

	delete(c.store.nodes, path)
	return nil
}

func (c *Conn) CreateEphemeralNode(_ context.Context, path string, data []byte) (coordination.EphemeralNode, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if c.closed {
		return nil, coordination.ErrClosed
	}
	if _, ok := c.store.nodes[path]; ok {
		return nil, errors.Wrap(coordination.ErrNodeExists, path)
	}

	c.store.nodes[path] = &node{data: slices.Clone(data), owner: c}
	return &ephemeralNode{conn: c, path: path}, nil
}

func (c *Conn) SetData(_ context.Context, path string, data []byte) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if c.closed {
		return coordination.ErrClosed
	}

	if n, ok := c.store.nodes[path]; ok {
		n.data = slices.Clone(data)
	} else {
		c.store.nodes[path] = &node{data: slices.Clone(data)}
	}
	return nil
}

func (c *Conn) GetData(_ context.Context, path string) ([]byte, bool, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if c.closed {
		return nil, false, coordination.ErrClosed
	}

	n, ok := c.store.nodes[path]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(n.data), true, nil
}

func (c *Conn) StartElection(mutexPath string, onElected coordination.LeadershipFunc) (coordination.Election, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if c.closed {
		return nil, coordination.ErrClosed
	}

	el := &election{
		conn:   c,
		mutex:  mutexPath,
		fn:     onElected,
		doneCh: make(chan struct{}),
	}
	el.ctx, el.cancel = context.WithCancel(context.Background())

	ms := c.store.elections[mutexPath]
	if ms == nil {
		ms = &mutexState{}
		c.store.elections[mutexPath] = ms
	}

	ms.queue = append(ms.queue, el)
	if len(ms.queue) == 1 {
		c.store.lead(el)
	}

	return el, nil
}

func (c *Conn) OnError(fn func(error)) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	c.errorHandlers = append(c.errorHandlers, fn)
}

func (c *Conn) SessionTimeout() time.Duration {
	return c.timeout
}

func (c *Conn) Close() error {
	c.store.mu.Lock()
	if c.closed {
		c.store.mu.Unlock()
		return nil
	}
	c.closed = true
	c.store.releaseSessionLocked(c)
	c.store.mu.Unlock()

	return nil
}

// ExpireSession simulates the store expiring this connection's session:
// ephemeral nodes vanish, elections are released, and error handlers fire.
// The connection itself stays usable, matching a client that reconnects to a
// store that has already discarded its old session.
func (c *Conn) ExpireSession() {
	c.store.mu.Lock()
	c.store.releaseSessionLocked(c)
	handlers := slices.Clone(c.errorHandlers)
	c.store.mu.Unlock()

	for _, fn := range handlers {
		fn(coordination.ErrSessionExpired)
	}
}

// releaseSessionLocked drops all session-bound state for conn. Callers hold
// store.mu.
func (s *Store) releaseSessionLocked(conn *Conn) {
	for p, n := range s.nodes {
		if n.owner == conn {
			delete(s.nodes, p)
		}
	}

	for _, ms := range s.elections {
		// Cancel waiting contenders owned by conn. The holder (index 0) is
		// only cancelled; its callback goroutine resigns on return.
		kept := ms.queue[:0]
		for i, el := range ms.queue {
			if el.conn != conn {
				kept = append(kept, el)
				continue
			}

			el.cancel()
			if i != 0 {
				el.finish()
			} else {
				kept = append(kept, el)
			}
		}
		ms.queue = kept
	}
}

// lead promotes el to holder and runs its callback. Callers hold store.mu.
func (s *Store) lead(el *election) {
	go func() {
		el.fn(el.ctx, el.conn)
		s.resign(el)
		el.finish()
	}()
}

func (s *Store) resign(el *election) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := s.elections[el.mutex]
	if ms == nil {
		return
	}

	for i := range ms.queue {
		if ms.queue[i] != el {
			continue
		}

		ms.queue = slices.Delete(ms.queue, i, i+1)
		if i == 0 && len(ms.queue) > 0 {
			s.lead(ms.queue[0])
		}
		break
	}

	if len(ms.queue) == 0 {
		delete(s.elections, el.mutex)
	}
}

type ephemeralNode struct {
	conn *Conn
	path string
}

func (n *ephemeralNode) Path() string {
	return n.path
}

func (n *ephemeralNode) Delete(ctx context.Context) error {
	return n.conn.DeleteNode(ctx, n.path)
}

type election struct {
	conn  *Conn
	mutex string
	fn    coordination.LeadershipFunc

	ctx    context.Context
	cancel context.CancelFunc

	doneCh   chan struct{}
	doneOnce sync.Once

	stopFn sync.Once
}

// finish marks the bid as fully terminated. Safe to call from multiple paths
// (callback return, session expiry, stop of a waiting bid).
func (el *election) finish() {
	el.doneOnce.Do(func() { close(el.doneCh) })
}

func (el *election) Stop(ctx context.Context) error {
	el.stopFn.Do(func() {
		s := el.conn.store

		s.mu.Lock()
		el.cancel()

		ms := s.elections[el.mutex]
		holding := ms != nil && len(ms.queue) > 0 && ms.queue[0] == el
		if !holding {
			// Never held leadership; remove the bid directly since no
			// callback goroutine exists to resign for us.
			if ms != nil {
				for i := range ms.queue {
					if ms.queue[i] == el {
						ms.queue = slices.Delete(ms.queue, i, i+1)
						break
					}
				}
				if len(ms.queue) == 0 {
					delete(s.elections, el.mutex)
				}
			}
			el.finish()
		}
		s.mu.Unlock()
	})

	select {
	case <-el.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
