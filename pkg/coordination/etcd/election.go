package etcd

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/etcd/api/v3/mvccpb"
	v3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/slacker-rpc/slacker-go/pkg/coordination"
)

const resignTimeout = 5 * time.Second

func (c *Conn) StartElection(mutexPath string, onElected coordination.LeadershipFunc) (coordination.Election, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, coordination.ErrClosed
	}

	el := &election{
		log: c.log.WithFields(logrus.Fields{
			"type":  "coordination/etcd/election",
			"mutex": mutexPath,
		}),
		conn:   c,
		doneCh: make(chan struct{}),
	}
	el.ctx, el.cancel = context.WithCancel(context.Background())

	go el.run(mutexPath, onElected)

	return el, nil
}

type election struct {
	log  *logrus.Entry
	conn *Conn

	ctx    context.Context
	cancel context.CancelFunc

	doneCh chan struct{}
	stopFn sync.Once
}

// run campaigns for the mutex, and on winning hands the leadership context to
// the callback. The context is cancelled by Stop, by loss of our proclamation
// key, or by session expiry; the callback returning is what triggers the
// resignation.
func (el *election) run(mutexPath string, onElected coordination.LeadershipFunc) {
	defer close(el.doneCh)
	defer el.cancel()

	// Campaign under a sub-prefix of the mutex path. Campaigning on the
	// mutex path itself would make the persistent mutex marker node a
	// permanent prefix match, and Campaign would wait forever for it to be
	// deleted.
	e := concurrency.NewElection(el.conn.session, mutexPath+"/election")

	if err := e.Campaign(el.ctx, el.conn.id); err != nil {
		if el.ctx.Err() == nil {
			el.log.WithError(err).Warn("Campaign failed")
		}

		// A cancelled campaign may still have enqueued a proposal key.
		el.resign(e)
		return
	}

	leaderCtx, cancelLeader := context.WithCancel(el.ctx)
	go el.watchLeadership(leaderCtx, cancelLeader, e)

	onElected(leaderCtx, el.conn)
	cancelLeader()

	el.resign(e)
}

// watchLeadership cancels the leadership context if our proclamation key is
// removed or replaced, or if the session ends. Pattern borrowed from watching
// a held distributed lock.
func (el *election) watchLeadership(ctx context.Context, cancel context.CancelFunc, e *concurrency.Election) {
	defer cancel()

	watchCh := el.conn.client.Watch(
		v3.WithRequireLeader(ctx),
		e.Key(),
		v3.WithRev(e.Rev()),
	)

	for {
		select {
		case <-ctx.Done():
			return

		case <-el.conn.session.Done():
			el.log.Warn("Session ended, releasing leadership")
			return

		case w, ok := <-watchCh:
			if !ok {
				return
			}
			if err := w.Err(); err != nil {
				el.log.WithError(err).Warn("Failure watching leadership key")
				return
			}

			for _, event := range w.Events {
				switch event.Type {
				case mvccpb.PUT:
					if event.Kv.CreateRevision != e.Rev() {
						el.log.Warn("Leadership key replaced, releasing leadership")
						return
					}
				case mvccpb.DELETE:
					el.log.Warn("Leadership key removed, releasing leadership")
					return
				}
			}
		}
	}
}

func (el *election) resign(e *concurrency.Election) {
	ctx, cancel := context.WithTimeout(context.Background(), resignTimeout)
	defer cancel()

	if err := e.Resign(ctx); err != nil {
		el.log.WithError(err).Warn("Failed to resign election")
	}
}

func (el *election) Stop(ctx context.Context) error {
	el.stopFn.Do(el.cancel)

	select {
	case <-el.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
