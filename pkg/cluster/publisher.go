package cluster

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/slacker-rpc/slacker-go/pkg/coordination"
	"github.com/slacker-rpc/slacker-go/pkg/netutil"
	"github.com/slacker-rpc/slacker-go/pkg/rpc"
)

// PublicationRecord is everything Publish registered for one server
// instance.
//
// EphemeralNodes and Elections are positionally aligned: index i in both
// corresponds to Namespaces[i]. EphemeralNodes has one extra trailing entry,
// the server-level presence node, which has no election. Slots become nil
// while a namespace is unpublished.
type PublicationRecord struct {
	ServerID   string
	ServerPath string

	Namespaces     []string
	EphemeralNodes []coordination.EphemeralNode
	Elections      []coordination.Election
}

// ServerNode returns the server-level presence node, or nil if it has been
// unpublished.
func (r *PublicationRecord) ServerNode() coordination.EphemeralNode {
	return r.EphemeralNodes[len(r.EphemeralNodes)-1]
}

// Publisher creates the coordination-store layout for a cluster and
// registers this instance's presence, function metadata, and elections.
type Publisher struct {
	log       *logrus.Entry
	elections *ElectionManager

	// resolveIP is swapped in tests; production uses the outbound-interface
	// probe against the coordination address.
	resolveIP func(coordinationAddress string) (string, error)
}

func NewPublisher() *Publisher {
	return &Publisher{
		log:       logrus.StandardLogger().WithField("type", "cluster/Publisher"),
		elections: NewElectionManager(),
		resolveIP: netutil.AdvertisedIP,
	}
}

// Publish registers this server instance in the coordination store:
//
//  1. Resolve the server identity (NodeOverride, or advertised IP + port).
//  2. Ensure the persistent container nodes exist: the servers scope, each
//     namespace, and each function. Function nodes are created only if
//     absent; existing metadata is never overwritten.
//  3. Recreate an ephemeral presence node per namespace, then one for the
//     server itself carrying the serialized serverData blob. Any stale node
//     left by a previous session with the same identity is cleared first.
//  4. Ensure each namespace's election nodes exist and start one leader
//     election per namespace.
//
// Creation races with concurrent publishers are tolerated, not prevented:
// duplicate creates and missing deletes are ignored wherever the operation
// is idempotent by design.
func (p *Publisher) Publish(
	ctx context.Context,
	conn coordination.Conn,
	desc *Descriptor,
	port int,
	namespaces []string,
	functions map[string]rpc.FunctionMetadata,
	serverData interface{},
) (*PublicationRecord, error) {
	serverID := desc.NodeOverride
	if serverID == "" {
		ip, err := p.resolveIP(desc.CoordinationAddress)
		if err != nil {
			return nil, errors.Wrap(err, "failed to resolve advertised address")
		}
		serverID = ServerID(ip, port)
	}

	root := desc.Root()
	log := p.log.WithFields(logrus.Fields{
		"cluster":   desc.Name,
		"server_id": serverID,
	})

	if err := p.ensureNode(ctx, conn, ServersPath(root, desc.Name)); err != nil {
		return nil, err
	}
	for _, ns := range namespaces {
		if err := p.ensureNode(ctx, conn, NamespacePath(root, desc.Name, ns)); err != nil {
			return nil, err
		}
	}

	functionNames := make([]string, 0, len(functions))
	for name := range functions {
		functionNames = append(functionNames, name)
	}
	slices.Sort(functionNames)
	for _, name := range functionNames {
		if err := p.ensureFunction(ctx, conn, FunctionPath(root, desc.Name, name), functions[name]); err != nil {
			return nil, err
		}
	}

	record := &PublicationRecord{
		ServerID:   serverID,
		ServerPath: ServerPath(root, desc.Name, serverID),
		Namespaces: slices.Clone(namespaces),
	}

	for _, ns := range namespaces {
		node, err := p.recreateEphemeral(ctx, conn, NamespaceMemberPath(root, desc.Name, ns, serverID), nil)
		if err != nil {
			return nil, err
		}
		record.EphemeralNodes = append(record.EphemeralNodes, node)
	}

	var blob []byte
	if serverData != nil {
		var err error
		if blob, err = json.Marshal(serverData); err != nil {
			return nil, errors.Wrap(err, "failed to marshal server data")
		}
	}
	serverNode, err := p.recreateEphemeral(ctx, conn, record.ServerPath, blob)
	if err != nil {
		return nil, err
	}
	record.EphemeralNodes = append(record.EphemeralNodes, serverNode)

	for _, ns := range namespaces {
		election, err := p.startElection(ctx, conn, desc, ns, serverID)
		if err != nil {
			return nil, err
		}
		record.Elections = append(record.Elections, election)
	}

	log.WithField("namespaces", namespaces).Info("Published cluster presence")

	return record, nil
}

// RepublishNamespace restores one namespace's presence node and election
// after an unpublish. Container and function nodes are assumed to still be
// present from the original Publish.
func (p *Publisher) RepublishNamespace(
	ctx context.Context,
	conn coordination.Conn,
	desc *Descriptor,
	namespace, serverID string,
) (coordination.EphemeralNode, coordination.Election, error) {
	root := desc.Root()

	node, err := p.recreateEphemeral(ctx, conn, NamespaceMemberPath(root, desc.Name, namespace, serverID), nil)
	if err != nil {
		return nil, nil, err
	}

	election, err := p.startElection(ctx, conn, desc, namespace, serverID)
	if err != nil {
		return nil, nil, err
	}

	return node, election, nil
}

// RepublishServerNode restores the server-level presence node.
func (p *Publisher) RepublishServerNode(
	ctx context.Context,
	conn coordination.Conn,
	serverPath string,
	serverData interface{},
) (coordination.EphemeralNode, error) {
	var blob []byte
	if serverData != nil {
		var err error
		if blob, err = json.Marshal(serverData); err != nil {
			return nil, errors.Wrap(err, "failed to marshal server data")
		}
	}

	return p.recreateEphemeral(ctx, conn, serverPath, blob)
}

// ensureNode is a check-then-create. The sequence is not atomic under
// concurrent publishers, so a lost race surfaces as ErrNodeExists and is
// ignored.
func (p *Publisher) ensureNode(ctx context.Context, conn coordination.Conn, path string) error {
	exists, err := conn.Exists(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "failed to check container %s", path)
	}
	if exists {
		return nil
	}

	if err := conn.CreateNode(ctx, path, nil); err != nil && !errors.Is(err, coordination.ErrNodeExists) {
		return errors.Wrapf(err, "failed to create container %s", path)
	}
	return nil
}

// ensureFunction publishes function metadata only if no node exists yet.
// First writer wins: a later publish with a changed signature does not
// overwrite.
func (p *Publisher) ensureFunction(ctx context.Context, conn coordination.Conn, path string, fn rpc.FunctionMetadata) error {
	exists, err := conn.Exists(ctx, path)
	if err != nil {
		return errors.Wrapf(err, "failed to check function %s", path)
	}
	if exists {
		return nil
	}

	b, err := json.Marshal(fn)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal metadata for %s", fn.Name)
	}

	if err := conn.CreateNode(ctx, path, b); err != nil && !errors.Is(err, coordination.ErrNodeExists) {
		return errors.Wrapf(err, "failed to create function %s", path)
	}
	return nil
}

// recreateEphemeral clears any stale node left by a previous, uncleanly
// terminated session reusing the same identity, then registers a fresh one
// bound to this session.
func (p *Publisher) recreateEphemeral(ctx context.Context, conn coordination.Conn, path string, data []byte) (coordination.EphemeralNode, error) {
	if err := conn.DeleteNode(ctx, path); err != nil && !errors.Is(err, coordination.ErrNoNode) {
		return nil, errors.Wrapf(err, "failed to clear stale node %s", path)
	}

	node, err := conn.CreateEphemeralNode(ctx, path, data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to register %s", path)
	}
	return node, nil
}

func (p *Publisher) startElection(ctx context.Context, conn coordination.Conn, desc *Descriptor, namespace, serverID string) (coordination.Election, error) {
	root := desc.Root()

	if err := p.ensureNode(ctx, conn, LeaderPath(root, desc.Name, namespace)); err != nil {
		return nil, err
	}
	mutexPath := LeaderMutexPath(root, desc.Name, namespace)
	if err := p.ensureNode(ctx, conn, mutexPath); err != nil {
		return nil, err
	}

	election, err := p.elections.Start(conn, namespace, mutexPath, LeaderPath(root, desc.Name, namespace), serverID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to start election for %s", namespace)
	}
	return election, nil
}
