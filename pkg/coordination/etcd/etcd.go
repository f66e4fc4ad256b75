// Package etcd implements the coordination store on top of etcd.
//
// Node paths map directly to etcd keys. Ephemeral nodes are keys attached to
// the connection's session lease, so they disappear when the session expires
// or the connection closes. Elections use the etcd concurrency package, which
// guarantees at most one holder per mutex path.
package etcd

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	v3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/slacker-rpc/slacker-go/pkg/coordination"
)

const (
	DefaultSessionTimeout = 10 * time.Second
	DefaultDialTimeout    = 5 * time.Second
)

type Options struct {
	// SessionTimeout is the TTL of the session lease. Bounded to [1s, 60s]
	// by the etcd client library. Defaults to DefaultSessionTimeout.
	SessionTimeout time.Duration

	// DialTimeout bounds the initial connection attempt. Defaults to
	// DefaultDialTimeout.
	DialTimeout time.Duration
}

// Conn implements coordination.Conn against an etcd cluster.
type Conn struct {
	log     *logrus.Entry
	client  *v3.Client
	session *concurrency.Session
	id      string
	timeout time.Duration

	closeFn sync.Once
	closeCh chan struct{}

	mu            sync.Mutex
	closed        bool
	errorHandlers []func(error)
}

var _ coordination.Conn = (*Conn)(nil)

// Connect opens a client and a session against the etcd cluster at the
// comma-separated addresses. A failure to reach the cluster is fatal and
// surfaces as coordination.ErrConnectivity; callers do not retry.
func Connect(ctx context.Context, addresses string, opts Options) (*Conn, error) {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}

	ttlSeconds := int(opts.SessionTimeout.Round(time.Second).Seconds())
	if ttlSeconds < 1 || ttlSeconds > 60 {
		return nil, errors.Errorf("invalid session timeout %v: must be [1s, 60s]", opts.SessionTimeout)
	}

	var endpoints []string
	for _, a := range strings.Split(addresses, ",") {
		if a = strings.TrimSpace(a); a != "" {
			endpoints = append(endpoints, a)
		}
	}
	if len(endpoints) == 0 {
		return nil, errors.New("no coordination addresses provided")
	}

	client, err := v3.New(v3.Config{
		Endpoints:   endpoints,
		DialTimeout: opts.DialTimeout,
		Context:     ctx,
	})
	if err != nil {
		return nil, errors.Wrapf(coordination.ErrConnectivity, "failed to create client for %s: %v", addresses, err)
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(ttlSeconds))
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(coordination.ErrConnectivity, "failed to establish session with %s: %v", addresses, err)
	}

	c := &Conn{
		log: logrus.StandardLogger().WithFields(logrus.Fields{
			"type":      "coordination/etcd",
			"endpoints": addresses,
		}),
		client:  client,
		session: session,
		id:      uuid.New().String(),
		timeout: time.Duration(ttlSeconds) * time.Second,

		closeCh: make(chan struct{}),
	}

	go c.watchSession()

	return c, nil
}

// watchSession delivers session expiry to registered error handlers. There is
// deliberately no re-registration here: ephemeral state lost with the session
// stays lost until the caller republishes.
func (c *Conn) watchSession() {
	select {
	case <-c.closeCh:
		return
	case <-c.session.Done():
	}

	c.mu.Lock()
	handlers := slices.Clone(c.errorHandlers)
	c.mu.Unlock()

	c.log.Warn("Coordination session expired")
	for _, fn := range handlers {
		fn(coordination.ErrSessionExpired)
	}
}

func (c *Conn) Exists(ctx context.Context, path string) (bool, error) {
	get, err := c.client.Get(ctx, path, v3.WithCountOnly())
	if err != nil {
		return false, errors.Wrapf(err, "failed to check %s", path)
	}

	return get.Count > 0, nil
}

func (c *Conn) CreateNode(ctx context.Context, path string, data []byte) error {
	return c.create(ctx, path, v3.OpPut(path, string(data)))
}

func (c *Conn) DeleteNode(ctx context.Context, path string) error {
	del, err := c.client.Delete(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "failed to delete %s", path)
	}
	if del.Deleted == 0 {
		return errors.Wrap(coordination.ErrNoNode, path)
	}

	return nil
}

func (c *Conn) CreateEphemeralNode(ctx context.Context, path string, data []byte) (coordination.EphemeralNode, error) {
	op := v3.OpPut(path, string(data), v3.WithLease(c.session.Lease()))
	if err := c.create(ctx, path, op); err != nil {
		return nil, err
	}

	return &ephemeralNode{conn: c, path: path}, nil
}

// create performs a create-if-absent transaction so racing publishers get an
// exact ErrNodeExists rather than silently clobbering each other.
func (c *Conn) create(ctx context.Context, path string, put v3.Op) error {
	txn, err := c.client.Txn(ctx).
		If(v3.Compare(v3.CreateRevision(path), "=", 0)).
		Then(put).
		Commit()
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	if !txn.Succeeded {
		return errors.Wrap(coordination.ErrNodeExists, path)
	}

	return nil
}

func (c *Conn) SetData(ctx context.Context, path string, data []byte) error {
	_, err := c.client.Put(ctx, path, string(data))
	return errors.Wrapf(err, "failed to write %s", path)
}

func (c *Conn) GetData(ctx context.Context, path string) ([]byte, bool, error) {
	get, err := c.client.Get(ctx, path)
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to read %s", path)
	}
	if len(get.Kvs) == 0 {
		return nil, false, nil
	}

	return get.Kvs[0].Value, true, nil
}

func (c *Conn) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.errorHandlers = append(c.errorHandlers, fn)
}

func (c *Conn) SessionTimeout() time.Duration {
	return c.timeout
}

// Close revokes the session lease, which removes any remaining ephemeral
// nodes and releases any leadership still held, then closes the client.
func (c *Conn) Close() (err error) {
	c.closeFn.Do(func() {
		close(c.closeCh)

		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		if sErr := c.session.Close(); sErr != nil {
			c.log.WithError(sErr).Warn("Failed to close session")
		}
		err = c.client.Close()
	})

	return err
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
