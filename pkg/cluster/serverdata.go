package cluster

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/slacker-rpc/slacker-go/pkg/coordination"
)

// SetServerData serializes v and writes it at the server's presence-node
// path. Watchers on that path observe the change through the coordination
// service.
func SetServerData(ctx context.Context, conn coordination.Conn, serverPath string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to marshal server data")
	}

	return conn.SetData(ctx, serverPath, b)
}

// GetServerData reads the current server data blob into out. It returns
// false if the node is absent.
func GetServerData(ctx context.Context, conn coordination.Conn, serverPath string, out interface{}) (bool, error) {
	b, ok, err := conn.GetData(ctx, serverPath)
	if err != nil || !ok {
		return false, err
	}
	if len(b) == 0 {
		return true, nil
	}

	if err := json.Unmarshal(b, out); err != nil {
		return true, errors.Wrap(err, "failed to unmarshal server data")
	}
	return true, nil
}
