package cluster

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/slacker-rpc/slacker-go/pkg/coordination"
	"github.com/slacker-rpc/slacker-go/pkg/coordination/memory"
	"github.com/slacker-rpc/slacker-go/pkg/rpc"
)

type fakeRequestServer struct {
	mu        sync.Mutex
	functions map[string]map[string]rpc.FunctionMetadata
	started   int
	stopped   int

	record func(string)
}

func (s *fakeRequestServer) Start(_ context.Context, _ []string, _ int) (rpc.Handle, error) {
	if s.record != nil {
		s.record("rpc-start")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	return s, nil
}

func (s *fakeRequestServer) Stop(rpc.Handle) error {
	if s.record != nil {
		s.record("rpc-stop")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
	return nil
}

func (s *fakeRequestServer) Introspect(namespace string) map[string]rpc.FunctionMetadata {
	return s.functions[namespace]
}

func (s *fakeRequestServer) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

// recordingConn wraps a coordination.Conn so tests can observe the order of
// teardown operations relative to Close.
type recordingConn struct {
	coordination.Conn
	log *eventLog
}

func (c *recordingConn) CreateEphemeralNode(ctx context.Context, path string, data []byte) (coordination.EphemeralNode, error) {
	node, err := c.Conn.CreateEphemeralNode(ctx, path, data)
	if err != nil {
		return nil, err
	}
	return &recordingNode{EphemeralNode: node, log: c.log}, nil
}

func (c *recordingConn) StartElection(mutexPath string, onElected coordination.LeadershipFunc) (coordination.Election, error) {
	election, err := c.Conn.StartElection(mutexPath, onElected)
	if err != nil {
		return nil, err
	}
	return &recordingElection{Election: election, log: c.log}, nil
}

func (c *recordingConn) Close() error {
	c.log.add("conn-close")
	return c.Conn.Close()
}

type recordingNode struct {
	coordination.EphemeralNode
	log *eventLog
}

func (n *recordingNode) Delete(ctx context.Context) error {
	n.log.add("node-delete")
	return n.EphemeralNode.Delete(ctx)
}

type recordingElection struct {
	coordination.Election
	log *eventLog
}

func (e *recordingElection) Stop(ctx context.Context) error {
	e.log.add("election-stop")
	return e.Election.Stop(ctx)
}

func memoryDialer(store *memory.Store) coordination.Dialer {
	return func(context.Context, string) (coordination.Conn, error) {
		return store.Connect(time.Second), nil
	}
}

// testDescriptorWithOverride avoids the network probe for the advertised IP.
func testDescriptorWithOverride() *Descriptor {
	desc := testDescriptor()
	desc.NodeOverride = "10.0.0.5:11000"
	return desc
}

// noWait keeps test teardown from sleeping a real session timeout.
var noWait = WithWaitFunc(func(time.Duration) {})

func TestControllerStartOrdering(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	log := &eventLog{}
	server := &fakeRequestServer{record: log.add}
	store := memory.NewStore()
	dial := func(ctx context.Context, addresses string) (coordination.Conn, error) {
		log.add("dial")
		return store.Connect(time.Second), nil
	}

	c := NewController(server, dial, testDescriptorWithOverride(), noWait)
	handle, err := c.Start(ctx, []string{"api"}, 11000)
	require.NoError(err)
	defer c.Stop(ctx, handle)

	// The request server must be answering before the instance becomes
	// discoverable.
	events := log.snapshot()
	require.Less(slices.Index(events, "rpc-start"), slices.Index(events, "dial"))
}

func TestControllerStartConnectFailure(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	server := &fakeRequestServer{}
	dial := func(context.Context, string) (coordination.Conn, error) {
		return nil, errors.Wrap(coordination.ErrConnectivity, "store down")
	}

	c := NewController(server, dial, testDescriptorWithOverride())
	_, err := c.Start(ctx, []string{"api"}, 11000)
	require.Error(err)
	require.ErrorIs(err, coordination.ErrConnectivity)

	// The request server does not keep running after a failed startup.
	require.Equal(1, server.stopCount())
}

func TestControllerStopOrdering(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	log := &eventLog{}
	server := &fakeRequestServer{record: log.add}
	store := memory.NewStore()
	dial := func(ctx context.Context, addresses string) (coordination.Conn, error) {
		return &recordingConn{Conn: store.Connect(time.Second), log: log}, nil
	}

	var waited time.Duration
	c := NewController(server, dial, testDescriptorWithOverride(), WithWaitFunc(func(d time.Duration) {
		log.add("wait")
		waited = d
	}))

	handle, err := c.Start(ctx, []string{"api", "jobs"}, 11000)
	require.NoError(err)
	require.NoError(c.Stop(ctx, handle))

	events := log.snapshot()
	require.Equal(2, countOf(events, "election-stop"))
	require.Equal(3, countOf(events, "node-delete"))

	// Every unpublish operation completes before the connection closes; the
	// session-timeout wait sits strictly between the close and the request
	// server stop, which is last.
	closeIdx := slices.Index(events, "conn-close")
	waitIdx := slices.Index(events, "wait")
	stopIdx := slices.Index(events, "rpc-stop")
	for i, e := range events {
		if e == "election-stop" || e == "node-delete" {
			require.Less(i, closeIdx)
		}
	}
	require.Less(closeIdx, waitIdx)
	require.Less(waitIdx, stopIdx)
	require.Equal(len(events)-1, stopIdx)
	require.Equal(time.Second, waited)

	// Repeat stops are no-ops.
	require.NoError(c.Stop(ctx, handle))
	require.Equal(1, server.stopCount())
}

func countOf(events []string, e string) (n int) {
	for _, have := range events {
		if have == e {
			n++
		}
	}
	return n
}

func TestControllerUnpublishRepublishNamespace(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	store := memory.NewStore()
	observer := store.Connect(time.Second)
	defer observer.Close()

	desc := testDescriptorWithOverride()
	c := NewController(&fakeRequestServer{}, memoryDialer(store), desc, noWait)

	handle, err := c.Start(ctx, []string{"api", "api2"}, 11000)
	require.NoError(err)
	defer c.Stop(ctx, handle)

	root := desc.Root()
	apiPath := NamespaceMemberPath(root, desc.Name, "api", desc.NodeOverride)
	api2Path := NamespaceMemberPath(root, desc.Name, "api2", desc.NodeOverride)
	serverPath := ServerPath(root, desc.Name, desc.NodeOverride)

	requireExists(ctx, t, observer, apiPath, true)
	requireExists(ctx, t, observer, api2Path, true)
	requireExists(ctx, t, observer, serverPath, true)

	require.NoError(c.UnpublishNamespace(ctx, handle, "api"))

	// Only "api" disappears. "api2" shares the prefix but is a different
	// segment and stays, as does the server-level node.
	requireExists(ctx, t, observer, apiPath, false)
	requireExists(ctx, t, observer, api2Path, true)
	requireExists(ctx, t, observer, serverPath, true)

	require.Error(c.UnpublishNamespace(ctx, handle, "unknown"))

	// Republishing restores the exact same path; already-published
	// namespaces are untouched.
	require.NoError(c.PublishNamespace(ctx, handle, "api"))
	requireExists(ctx, t, observer, apiPath, true)
	require.NoError(c.PublishNamespace(ctx, handle, "api"))

	leaderPath := LeaderPath(root, desc.Name, "api")
	require.Eventually(func() bool {
		b, ok, err := observer.GetData(ctx, leaderPath)
		return err == nil && ok && string(b) == desc.NodeOverride
	}, electionWait, 10*time.Millisecond)
}

func TestControllerUnpublishAllPublishAll(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	store := memory.NewStore()
	observer := store.Connect(time.Second)
	defer observer.Close()

	desc := testDescriptorWithOverride()
	c := NewController(&fakeRequestServer{}, memoryDialer(store), desc, noWait)

	handle, err := c.Start(ctx, []string{"api", "jobs"}, 11000, WithServerData(map[string]string{"zone": "a"}))
	require.NoError(err)
	defer c.Stop(ctx, handle)

	root := desc.Root()
	presence := []string{
		NamespaceMemberPath(root, desc.Name, "api", desc.NodeOverride),
		NamespaceMemberPath(root, desc.Name, "jobs", desc.NodeOverride),
		ServerPath(root, desc.Name, desc.NodeOverride),
	}

	require.NoError(c.UnpublishAll(ctx, handle))
	for _, path := range presence {
		requireExists(ctx, t, observer, path, false)
	}

	// Containers are persistent and survive a full unpublish.
	requireExists(ctx, t, observer, NamespacePath(root, desc.Name, "api"), true)
	requireExists(ctx, t, observer, ServersPath(root, desc.Name), true)

	require.NoError(c.PublishAll(ctx, handle))
	for _, path := range presence {
		requireExists(ctx, t, observer, path, true)
	}

	// The server data blob came back with the server node.
	b, ok, err := observer.GetData(ctx, ServerPath(root, desc.Name, desc.NodeOverride))
	require.NoError(err)
	require.True(ok)
	var blob map[string]string
	require.NoError(json.Unmarshal(b, &blob))
	require.Equal("a", blob["zone"])
}

func TestControllerServerData(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	store := memory.NewStore()
	observer := store.Connect(time.Second)
	defer observer.Close()

	desc := testDescriptorWithOverride()
	c := NewController(&fakeRequestServer{}, memoryDialer(store), desc, noWait)

	handle, err := c.Start(ctx, []string{"api"}, 11000, WithServerData(map[string]string{"weight": "1"}))
	require.NoError(err)
	defer c.Stop(ctx, handle)

	var got map[string]string
	ok, err := c.GetServerData(ctx, handle, &got)
	require.NoError(err)
	require.True(ok)
	require.Equal("1", got["weight"])

	require.NoError(c.SetServerData(ctx, handle, map[string]string{"weight": "5"}))

	b, ok, err := observer.GetData(ctx, ServerPath(desc.Root(), desc.Name, desc.NodeOverride))
	require.NoError(err)
	require.True(ok)
	var blob map[string]string
	require.NoError(json.Unmarshal(b, &blob))
	require.Equal("5", blob["weight"])
}

func TestControllerWithoutCluster(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	server := &fakeRequestServer{}
	waitCalled := false
	c := NewController(server, nil, nil, WithWaitFunc(func(time.Duration) {
		waitCalled = true
	}))

	handle, err := c.Start(ctx, []string{"api"}, 11000)
	require.NoError(err)
	require.Nil(handle.Record())

	require.Error(c.UnpublishNamespace(ctx, handle, "api"))

	require.NoError(c.Stop(ctx, handle))
	require.Equal(1, server.stopCount())
	require.False(waitCalled)
}

func requireExists(ctx context.Context, t *testing.T, conn coordination.Conn, path string, want bool) {
	t.Helper()

	exists, err := conn.Exists(ctx, path)
	require.NoError(t, err)
	require.Equal(t, want, exists, "unexpected existence of %s", path)
}
