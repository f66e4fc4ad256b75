package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/slacker-rpc/slacker-go/pkg/coordination"
	"github.com/slacker-rpc/slacker-go/pkg/coordination/tests"
)

func TestMemory(t *testing.T) {
	store := NewStore()
	tests.RunStoreTests(t, func() (coordination.Conn, error) {
		return store.Connect(DefaultSessionTimeout), nil
	})
}

func TestClosedConn(t *testing.T) {
	ctx := context.Background()
	require := require.New(t)

	store := NewStore()
	conn := store.Connect(time.Second)
	require.NoError(conn.Close())
	require.NoError(conn.Close()) // idempotent

	_, err := conn.Exists(ctx, "/a")
	require.ErrorIs(err, coordination.ErrClosed)
	require.ErrorIs(conn.CreateNode(ctx, "/a", nil), coordination.ErrClosed)
	_, err = conn.CreateEphemeralNode(ctx, "/a", nil)
	require.ErrorIs(err, coordination.ErrClosed)
	_, err = conn.StartElection("/mutex", func(ctx context.Context, _ coordination.Conn) {})
	require.ErrorIs(err, coordination.ErrClosed)
}

func TestExpireSession(t *testing.T) {
	ctx := context.Background()
	require := require.New(t)

	store := NewStore()
	conn := store.Connect(time.Second)
	observer := store.Connect(time.Second)

	errCh := make(chan error, 1)
	conn.OnError(func(err error) { errCh <- err })

	_, err := conn.CreateEphemeralNode(ctx, "/presence", nil)
	require.NoError(err)
	require.NoError(conn.CreateNode(ctx, "/container", nil))

	conn.ExpireSession()

	select {
	case err := <-errCh:
		require.ErrorIs(err, coordination.ErrSessionExpired)
	case <-time.After(time.Second):
		t.Fatal("error handler not invoked")
	}

	// Ephemeral state is gone, persistent state survives, and the conn
	// remains usable.
	exists, err := observer.Exists(ctx, "/presence")
	require.NoError(err)
	require.False(exists)

	exists, err = observer.Exists(ctx, "/container")
	require.NoError(err)
	require.True(exists)

	exists, err = conn.Exists(ctx, "/container")
	require.NoError(err)
	require.True(exists)
}
