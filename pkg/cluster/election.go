package cluster

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/slacker-rpc/slacker-go/pkg/coordination"
)

// ElectionManager arms and releases one leader election per exposed
// namespace.
type ElectionManager struct {
	log *logrus.Entry
}

func NewElectionManager() *ElectionManager {
	return &ElectionManager{
		log: logrus.StandardLogger().WithField("type", "cluster/ElectionManager"),
	}
}

// Start registers interest in leadership for a namespace. While this instance
// holds leadership, the callback writes serverID into the namespace's leader
// node and then parks until the leadership context is cancelled; it never
// returns on its own.
func (m *ElectionManager) Start(conn coordination.Conn, namespace, mutexPath, leaderDataPath, serverID string) (coordination.Election, error) {
	log := m.log.WithFields(logrus.Fields{
		"namespace": namespace,
		"server_id": serverID,
	})

	return conn.StartElection(mutexPath, func(ctx context.Context, conn coordination.Conn) {
		if err := conn.SetData(ctx, leaderDataPath, []byte(serverID)); err != nil {
			log.WithError(err).Warn("Failed to announce leadership")
		} else {
			log.Info("Acquired namespace leadership")
		}

		<-ctx.Done()
		log.Info("Released namespace leadership")
	})
}

// Stop releases an election started by Start, unblocking its leadership
// callback. Safe to call more than once.
func (m *ElectionManager) Stop(ctx context.Context, el coordination.Election) error {
	return el.Stop(ctx)
}
