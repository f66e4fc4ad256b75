package cluster

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/slacker-rpc/slacker-go/pkg/coordination"
	"github.com/slacker-rpc/slacker-go/pkg/rpc"
)

// Controller composes the request server, the coordination store, and the
// Publisher into start/stop/unpublish/publish operations with well-defined
// ordering guarantees.
type Controller struct {
	log       *logrus.Entry
	server    rpc.RequestServer
	dial      coordination.Dialer
	desc      *Descriptor
	publisher *Publisher

	waitFn func(time.Duration)
}

type Option func(*Controller)

// WithWaitFunc replaces the session-timeout wait performed during Stop.
// Intended for tests; production uses time.Sleep.
func WithWaitFunc(fn func(time.Duration)) Option {
	return func(c *Controller) {
		c.waitFn = fn
	}
}

// NewController creates a Controller. desc may be nil, in which case the
// request server runs without any cluster publication.
func NewController(server rpc.RequestServer, dial coordination.Dialer, desc *Descriptor, opts ...Option) *Controller {
	c := &Controller{
		log:       logrus.StandardLogger().WithField("type", "cluster/Controller"),
		server:    server,
		dial:      dial,
		desc:      desc,
		publisher: NewPublisher(),
		waitFn:    time.Sleep,
	}

	for _, o := range opts {
		o(c)
	}

	return c
}

// ClusterHandle owns everything Start created: the running request server,
// the coordination connection, and the publication record. It is destroyed
// by Stop and does not survive it.
type ClusterHandle struct {
	rpcHandle rpc.Handle
	conn      coordination.Conn
	desc      *Descriptor

	mu         sync.Mutex
	record     *PublicationRecord
	serverData interface{}
	stopped    bool
}

// Record returns the current publication record, or nil when no cluster is
// configured.
func (h *ClusterHandle) Record() *PublicationRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.record
}

type startOptions struct {
	serverData interface{}
}

type StartOption func(*startOptions)

// WithServerData attaches an opaque, JSON-serializable blob to the server's
// presence node.
func WithServerData(v interface{}) StartOption {
	return func(o *startOptions) {
		o.serverData = v
	}
}

// Start brings the instance up: the request server first, so it is answering
// before it is discoverable; then the coordination connection and the full
// publication. A connectivity failure is fatal and tears the request server
// back down.
func (c *Controller) Start(ctx context.Context, namespaces []string, port int, opts ...StartOption) (*ClusterHandle, error) {
	var options startOptions
	for _, o := range opts {
		o(&options)
	}

	rpcHandle, err := c.server.Start(ctx, namespaces, port)
	if err != nil {
		return nil, errors.Wrap(err, "failed to start request server")
	}

	handle := &ClusterHandle{rpcHandle: rpcHandle, desc: c.desc}
	if c.desc == nil {
		return handle, nil
	}

	functions := make(map[string]rpc.FunctionMetadata)
	for _, ns := range namespaces {
		maps.Copy(functions, c.server.Introspect(ns))
	}

	conn, err := c.dial(ctx, c.desc.CoordinationAddress)
	if err != nil {
		_ = c.server.Stop(rpcHandle)
		return nil, errors.Wrap(err, "failed to connect to coordination service")
	}

	// Session loss after startup is logged, not acted on: the instance
	// stays up but may be undiscoverable until it republishes.
	conn.OnError(func(err error) {
		c.log.WithError(err).Warn("Unhandled coordination error")
	})

	record, err := c.publisher.Publish(ctx, conn, c.desc, port, namespaces, functions, options.serverData)
	if err != nil {
		_ = conn.Close()
		_ = c.server.Stop(rpcHandle)
		return nil, errors.Wrap(err, "failed to publish cluster presence")
	}

	handle.conn = conn
	handle.record = record
	handle.serverData = options.serverData

	return handle, nil
}

// UnpublishNamespace withdraws one namespace's presence node and election.
// The server-level node and every other namespace are untouched; in-flight
// requests keep being served, only new client discovery is affected.
func (c *Controller) UnpublishNamespace(ctx context.Context, h *ClusterHandle, namespace string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.record == nil {
		return errors.New("no cluster publication")
	}

	return c.unpublishNamespaceLocked(ctx, h, namespace)
}

func (c *Controller) unpublishNamespaceLocked(ctx context.Context, h *ClusterHandle, namespace string) error {
	if !slices.Contains(h.record.Namespaces, namespace) {
		return errors.Errorf("namespace %q is not part of this publication", namespace)
	}

	root, name := h.desc.Root(), h.desc.Name
	for i := range h.record.Namespaces {
		node := h.record.EphemeralNodes[i]
		if node == nil {
			continue
		}
		// Match on the parsed namespace segment of the node's realized path.
		if NamespaceOf(root, name, node.Path()) != namespace {
			continue
		}

		if election := h.record.Elections[i]; election != nil {
			if err := election.Stop(ctx); err != nil {
				return errors.Wrapf(err, "failed to stop election for %s", namespace)
			}
			h.record.Elections[i] = nil
		}

		if err := node.Delete(ctx); err != nil && !errors.Is(err, coordination.ErrNoNode) {
			return errors.Wrapf(err, "failed to delete %s", node.Path())
		}
		h.record.EphemeralNodes[i] = nil
	}

	return nil
}

// PublishNamespace restores a previously unpublished namespace: a fresh
// ephemeral node at the same path and a re-armed election. Container and
// function nodes from the original publish are assumed present. Namespaces
// that are already published are left alone.
func (c *Controller) PublishNamespace(ctx context.Context, h *ClusterHandle, namespace string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.record == nil {
		return errors.New("no cluster publication")
	}

	return c.publishNamespaceLocked(ctx, h, namespace)
}

func (c *Controller) publishNamespaceLocked(ctx context.Context, h *ClusterHandle, namespace string) error {
	if !slices.Contains(h.record.Namespaces, namespace) {
		return errors.Errorf("namespace %q is not part of this publication", namespace)
	}

	for i, ns := range h.record.Namespaces {
		if ns != namespace || h.record.EphemeralNodes[i] != nil {
			continue
		}

		node, election, err := c.publisher.RepublishNamespace(ctx, h.conn, h.desc, namespace, h.record.ServerID)
		if err != nil {
			return err
		}

		h.record.EphemeralNodes[i] = node
		h.record.Elections[i] = election
	}

	return nil
}

// UnpublishAll withdraws every namespace and the server-level presence node.
func (c *Controller) UnpublishAll(ctx context.Context, h *ClusterHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.record == nil {
		return errors.New("no cluster publication")
	}

	return c.unpublishAllLocked(ctx, h)
}

// unpublishAllLocked keeps going past individual failures so a flaky store
// cannot leave half the presence nodes behind; the first error is reported.
func (c *Controller) unpublishAllLocked(ctx context.Context, h *ClusterHandle) error {
	var firstErr error

	for i, election := range h.record.Elections {
		if election == nil {
			continue
		}
		if err := election.Stop(ctx); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "failed to stop election")
		}
		h.record.Elections[i] = nil
	}

	for i, node := range h.record.EphemeralNodes {
		if node == nil {
			continue
		}
		if err := node.Delete(ctx); err != nil && !errors.Is(err, coordination.ErrNoNode) && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to delete %s", node.Path())
		}
		h.record.EphemeralNodes[i] = nil
	}

	return firstErr
}

// PublishAll restores every withdrawn namespace and the server-level node.
func (c *Controller) PublishAll(ctx context.Context, h *ClusterHandle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.record == nil {
		return errors.New("no cluster publication")
	}

	for _, ns := range h.record.Namespaces {
		if err := c.publishNamespaceLocked(ctx, h, ns); err != nil {
			return err
		}
	}

	if h.record.ServerNode() == nil {
		node, err := c.publisher.RepublishServerNode(ctx, h.conn, h.record.ServerPath, h.serverData)
		if err != nil {
			return err
		}
		h.record.EphemeralNodes[len(h.record.EphemeralNodes)-1] = node
	}

	return nil
}

// SetServerData replaces the opaque blob on the server's presence node.
func (c *Controller) SetServerData(ctx context.Context, h *ClusterHandle, v interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.record == nil {
		return errors.New("no cluster publication")
	}

	if err := SetServerData(ctx, h.conn, h.record.ServerPath, v); err != nil {
		return err
	}
	h.serverData = v

	return nil
}

// GetServerData reads the blob on the server's presence node into out,
// reporting whether the node exists.
func (c *Controller) GetServerData(ctx context.Context, h *ClusterHandle, out interface{}) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.record == nil {
		return false, errors.New("no cluster publication")
	}

	return GetServerData(ctx, h.conn, h.record.ServerPath, out)
}

// Stop tears the instance down. The order is the core correctness property
// and must not be changed or parallelized:
//
//  1. Unpublish everything, so clients watching our nodes see explicit
//     deletes.
//  2. Close the coordination connection; session expiry notifies any watcher
//     that missed the deletes.
//  3. Wait one full session timeout, guaranteeing every client has had time
//     to observe the removal.
//  4. Only then stop the request server.
//
// Stop is safe to call once per handle; repeat calls are no-ops.
func (c *Controller) Stop(ctx context.Context, h *ClusterHandle) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true

	if h.record != nil {
		if err := c.unpublishAllLocked(ctx, h); err != nil {
			c.log.WithError(err).Warn("Failed to fully unpublish during stop")
		}
	}
	h.mu.Unlock()

	if h.conn != nil {
		timeout := h.conn.SessionTimeout()
		if err := h.conn.Close(); err != nil {
			c.log.WithError(err).Warn("Failed to close coordination connection")
		}
		c.waitFn(timeout)
	}

	return c.server.Stop(h.rpcHandle)
}
