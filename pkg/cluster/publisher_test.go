package cluster

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/slacker-rpc/slacker-go/pkg/coordination/memory"
	"github.com/slacker-rpc/slacker-go/pkg/rpc"
)

const electionWait = 10 * time.Second

func testPublisher() *Publisher {
	p := NewPublisher()
	p.resolveIP = func(string) (string, error) {
		return "10.0.0.5", nil
	}
	return p
}

func testDescriptor() *Descriptor {
	return &Descriptor{
		Name:                "example-cluster",
		CoordinationAddress: "etcd:2379",
	}
}

func TestPublishLayout(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	store := memory.NewStore()
	conn := store.Connect(time.Second)
	defer conn.Close()

	desc := testDescriptor()
	functions := map[string]rpc.FunctionMetadata{
		"echo":    {Name: "echo", Doc: "echoes its argument", ParamLists: [][]string{{"v"}}},
		"reverse": {Name: "reverse", ParamLists: [][]string{{"s"}}},
	}

	record, err := testPublisher().Publish(ctx, conn, desc, 11000, []string{"api", "jobs"}, functions, map[string]string{"zone": "a"})
	require.NoError(err)

	require.Equal("10.0.0.5:11000", record.ServerID)
	require.Equal([]string{"api", "jobs"}, record.Namespaces)

	// One ephemeral node per namespace plus the trailing server node, one
	// election per namespace.
	require.Len(record.EphemeralNodes, 3)
	require.Len(record.Elections, 2)

	root := desc.Root()
	require.Equal(NamespaceMemberPath(root, desc.Name, "api", record.ServerID), record.EphemeralNodes[0].Path())
	require.Equal(NamespaceMemberPath(root, desc.Name, "jobs", record.ServerID), record.EphemeralNodes[1].Path())
	require.Equal(ServerPath(root, desc.Name, record.ServerID), record.ServerNode().Path())
	require.Equal(record.ServerPath, record.ServerNode().Path())

	for _, path := range []string{
		ServersPath(root, desc.Name),
		NamespacePath(root, desc.Name, "api"),
		NamespacePath(root, desc.Name, "jobs"),
		FunctionPath(root, desc.Name, "echo"),
		FunctionPath(root, desc.Name, "reverse"),
		LeaderPath(root, desc.Name, "api"),
		LeaderMutexPath(root, desc.Name, "api"),
	} {
		exists, err := conn.Exists(ctx, path)
		require.NoError(err)
		require.True(exists, "expected node at %s", path)
	}

	b, ok, err := conn.GetData(ctx, record.ServerPath)
	require.NoError(err)
	require.True(ok)
	var blob map[string]string
	require.NoError(json.Unmarshal(b, &blob))
	require.Equal("a", blob["zone"])

	b, ok, err = conn.GetData(ctx, FunctionPath(root, desc.Name, "echo"))
	require.NoError(err)
	require.True(ok)
	var meta rpc.FunctionMetadata
	require.NoError(json.Unmarshal(b, &meta))
	require.Equal(functions["echo"], meta)
}

func TestPublishNodeOverride(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	store := memory.NewStore()
	conn := store.Connect(time.Second)
	defer conn.Close()

	p := NewPublisher()
	p.resolveIP = func(string) (string, error) {
		return "", errors.New("must not resolve when overridden")
	}

	desc := testDescriptor()
	desc.NodeOverride = "server-7.internal:11000"

	record, err := p.Publish(ctx, conn, desc, 11000, []string{"api"}, nil, nil)
	require.NoError(err)
	require.Equal("server-7.internal:11000", record.ServerID)
	require.Equal(ServerPath(desc.Root(), desc.Name, "server-7.internal:11000"), record.ServerPath)
}

func TestPublishFunctionFirstWriterWins(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	store := memory.NewStore()
	first := store.Connect(time.Second)
	defer first.Close()

	desc := testDescriptor()
	original := rpc.FunctionMetadata{Name: "echo", Doc: "original", ParamLists: [][]string{{"v"}}}
	b, err := json.Marshal(original)
	require.NoError(err)
	require.NoError(first.CreateNode(ctx, FunctionPath(desc.Root(), desc.Name, "echo"), b))

	conn := store.Connect(time.Second)
	defer conn.Close()

	changed := map[string]rpc.FunctionMetadata{
		"echo": {Name: "echo", Doc: "changed signature", ParamLists: [][]string{{"v", "extra"}}},
	}
	_, err = testPublisher().Publish(ctx, conn, desc, 11000, []string{"api"}, changed, nil)
	require.NoError(err)

	b, ok, err := conn.GetData(ctx, FunctionPath(desc.Root(), desc.Name, "echo"))
	require.NoError(err)
	require.True(ok)
	var meta rpc.FunctionMetadata
	require.NoError(json.Unmarshal(b, &meta))
	require.Equal(original, meta)
}

func TestPublishClearsStaleNodes(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	store := memory.NewStore()

	// A previous run with the same identity left persistent garbage at the
	// presence paths.
	desc := testDescriptor()
	serverID := "10.0.0.5:11000"
	other := store.Connect(time.Second)
	defer other.Close()
	require.NoError(other.CreateNode(ctx, ServerPath(desc.Root(), desc.Name, serverID), []byte("stale")))
	require.NoError(other.CreateNode(ctx, NamespaceMemberPath(desc.Root(), desc.Name, "api", serverID), nil))

	conn := store.Connect(time.Second)
	record, err := testPublisher().Publish(ctx, conn, desc, 11000, []string{"api"}, nil, nil)
	require.NoError(err)
	require.Equal(serverID, record.ServerID)

	// The fresh nodes are session-bound: closing the connection removes them,
	// which the stale persistent nodes never would have been.
	require.NoError(conn.Close())
	for _, path := range []string{record.ServerPath, record.EphemeralNodes[0].Path()} {
		exists, err := other.Exists(ctx, path)
		require.NoError(err)
		require.False(exists, "expected %s to die with the session", path)
	}
}

func TestPublishAnnouncesLeadership(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	store := memory.NewStore()
	conn := store.Connect(time.Second)
	defer conn.Close()

	desc := testDescriptor()
	record, err := testPublisher().Publish(ctx, conn, desc, 11000, []string{"api"}, nil, nil)
	require.NoError(err)

	leaderPath := LeaderPath(desc.Root(), desc.Name, "api")
	require.Eventually(func() bool {
		b, ok, err := conn.GetData(ctx, leaderPath)
		return err == nil && ok && string(b) == record.ServerID
	}, electionWait, 10*time.Millisecond)
}
