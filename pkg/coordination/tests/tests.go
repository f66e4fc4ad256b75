// Package tests contains a black-box conformance suite run against every
// coordination store implementation.
package tests

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/slacker-rpc/slacker-go/pkg/coordination"
)

const electionWait = 10 * time.Second

// RunStoreTests runs the suite. connect must return a fresh connection to the
// same underlying store on every call.
func RunStoreTests(t *testing.T, connect func() (coordination.Conn, error)) {
	for _, tc := range []struct {
		name string
		tf   func(*testing.T, func() (coordination.Conn, error))
	}{
		{name: "NodeLifecycle", tf: testNodeLifecycle},
		{name: "NodeConflicts", tf: testNodeConflicts},
		{name: "EphemeralNodes", tf: testEphemeralNodes},
		{name: "Data", tf: testData},
		{name: "ElectionExclusivity", tf: testElectionExclusivity},
		{name: "ElectionHandoff", tf: testElectionHandoff},
		{name: "CloseReleasesEverything", tf: testCloseReleasesEverything},
	} {
		t.Run(tc.name, func(t *testing.T) { tc.tf(t, connect) })
	}
}

func testRoot() string {
	return fmt.Sprintf("/conformance-%s", uuid.New().String())
}

func testNodeLifecycle(t *testing.T, connect func() (coordination.Conn, error)) {
	ctx := context.Background()
	require := require.New(t)

	conn, err := connect()
	require.NoError(err)
	defer conn.Close()

	root := testRoot()

	exists, err := conn.Exists(ctx, root+"/a")
	require.NoError(err)
	require.False(exists)

	require.NoError(conn.CreateNode(ctx, root+"/a", nil))

	exists, err = conn.Exists(ctx, root+"/a")
	require.NoError(err)
	require.True(exists)

	// Persistent nodes survive the creating session.
	require.NoError(conn.Close())

	other, err := connect()
	require.NoError(err)
	defer other.Close()

	exists, err = other.Exists(ctx, root+"/a")
	require.NoError(err)
	require.True(exists)

	require.NoError(other.DeleteNode(ctx, root+"/a"))

	exists, err = other.Exists(ctx, root+"/a")
	require.NoError(err)
	require.False(exists)
}

func testNodeConflicts(t *testing.T, connect func() (coordination.Conn, error)) {
	ctx := context.Background()
	require := require.New(t)

	conn, err := connect()
	require.NoError(err)
	defer conn.Close()

	root := testRoot()

	require.NoError(conn.CreateNode(ctx, root+"/a", []byte("first")))
	err = conn.CreateNode(ctx, root+"/a", []byte("second"))
	require.ErrorIs(err, coordination.ErrNodeExists)

	// The original data wins.
	data, ok, err := conn.GetData(ctx, root+"/a")
	require.NoError(err)
	require.True(ok)
	require.Equal([]byte("first"), data)

	err = conn.DeleteNode(ctx, root+"/missing")
	require.ErrorIs(err, coordination.ErrNoNode)
}

func testEphemeralNodes(t *testing.T, connect func() (coordination.Conn, error)) {
	ctx := context.Background()
	require := require.New(t)

	owner, err := connect()
	require.NoError(err)
	defer owner.Close()

	observer, err := connect()
	require.NoError(err)
	defer observer.Close()

	root := testRoot()

	node, err := owner.CreateEphemeralNode(ctx, root+"/presence", []byte("here"))
	require.NoError(err)
	require.Equal(root+"/presence", node.Path())

	_, err = owner.CreateEphemeralNode(ctx, root+"/presence", nil)
	require.ErrorIs(err, coordination.ErrNodeExists)

	exists, err := observer.Exists(ctx, root+"/presence")
	require.NoError(err)
	require.True(exists)

	// Explicit delete ahead of session end.
	require.NoError(node.Delete(ctx))
	require.ErrorIs(node.Delete(ctx), coordination.ErrNoNode)

	exists, err = observer.Exists(ctx, root+"/presence")
	require.NoError(err)
	require.False(exists)

	// A node still present at close disappears with the session.
	_, err = owner.CreateEphemeralNode(ctx, root+"/presence", nil)
	require.NoError(err)
	require.NoError(owner.Close())

	require.Eventually(func() bool {
		exists, err := observer.Exists(ctx, root+"/presence")
		return err == nil && !exists
	}, electionWait, 50*time.Millisecond)
}

func testData(t *testing.T, connect func() (coordination.Conn, error)) {
	ctx := context.Background()
	require := require.New(t)

	conn, err := connect()
	require.NoError(err)
	defer conn.Close()

	root := testRoot()

	_, ok, err := conn.GetData(ctx, root+"/blob")
	require.NoError(err)
	require.False(ok)

	require.NoError(conn.SetData(ctx, root+"/blob", []byte("v1")))
	data, ok, err := conn.GetData(ctx, root+"/blob")
	require.NoError(err)
	require.True(ok)
	require.Equal([]byte("v1"), data)

	require.NoError(conn.SetData(ctx, root+"/blob", []byte("v2")))
	data, ok, err = conn.GetData(ctx, root+"/blob")
	require.NoError(err)
	require.True(ok)
	require.Equal([]byte("v2"), data)
}

func leadershipFn(id string, electedCh chan<- string) coordination.LeadershipFunc {
	return func(ctx context.Context, _ coordination.Conn) {
		electedCh <- id
		<-ctx.Done()
	}
}

func awaitElected(t *testing.T, electedCh <-chan string, want string) {
	t.Helper()

	select {
	case got := <-electedCh:
		require.Equal(t, want, got)
	case <-time.After(electionWait):
		t.Fatalf("timed out waiting for %q to win election", want)
	}
}

func testElectionExclusivity(t *testing.T, connect func() (coordination.Conn, error)) {
	ctx := context.Background()
	require := require.New(t)

	a, err := connect()
	require.NoError(err)
	defer a.Close()

	b, err := connect()
	require.NoError(err)
	defer b.Close()

	mutex := testRoot() + "/mutex"
	electedCh := make(chan string, 2)

	elA, err := a.StartElection(mutex, leadershipFn("a", electedCh))
	require.NoError(err)
	awaitElected(t, electedCh, "a")

	elB, err := b.StartElection(mutex, leadershipFn("b", electedCh))
	require.NoError(err)

	// b must wait while a holds the mutex.
	select {
	case id := <-electedCh:
		t.Fatalf("unexpected second leader %q", id)
	case <-time.After(500 * time.Millisecond):
	}

	require.NoError(elA.Stop(ctx))
	awaitElected(t, electedCh, "b")
	require.NoError(elB.Stop(ctx))

	// Stop is idempotent.
	require.NoError(elB.Stop(ctx))
}

func testElectionHandoff(t *testing.T, connect func() (coordination.Conn, error)) {
	ctx := context.Background()
	require := require.New(t)

	conns := make([]coordination.Conn, 3)
	elections := make([]coordination.Election, 3)
	electedCh := make(chan string, 3)

	mutex := testRoot() + "/mutex"

	var err error
	for i := range conns {
		conns[i], err = connect()
		require.NoError(err)
		defer conns[i].Close()

		elections[i], err = conns[i].StartElection(mutex, leadershipFn(fmt.Sprintf("%d", i), electedCh))
		require.NoError(err)

		if i == 0 {
			// Pin the arrival order by waiting for the first winner.
			awaitElected(t, electedCh, "0")
		}
	}

	require.NoError(elections[0].Stop(ctx))
	awaitElected(t, electedCh, "1")

	require.NoError(elections[1].Stop(ctx))
	awaitElected(t, electedCh, "2")

	require.NoError(elections[2].Stop(ctx))
}

func testCloseReleasesEverything(t *testing.T, connect func() (coordination.Conn, error)) {
	ctx := context.Background()
	require := require.New(t)

	holder, err := connect()
	require.NoError(err)

	waiter, err := connect()
	require.NoError(err)
	defer waiter.Close()

	root := testRoot()
	electedCh := make(chan string, 2)

	_, err = holder.CreateEphemeralNode(ctx, root+"/presence", nil)
	require.NoError(err)

	_, err = holder.StartElection(root+"/mutex", leadershipFn("holder", electedCh))
	require.NoError(err)
	awaitElected(t, electedCh, "holder")

	elW, err := waiter.StartElection(root+"/mutex", leadershipFn("waiter", electedCh))
	require.NoError(err)

	// Closing the holder's connection releases both its presence node and
	// its leadership.
	require.NoError(holder.Close())

	awaitElected(t, electedCh, "waiter")
	require.Eventually(func() bool {
		exists, err := waiter.Exists(ctx, root+"/presence")
		return err == nil && !exists
	}, electionWait, 50*time.Millisecond)

	require.NoError(elW.Stop(ctx))
}
