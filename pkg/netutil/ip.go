// Package netutil provides small networking helpers for server identity.
package netutil

import (
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const probeDialTimeout = 5 * time.Second

// AdvertisedIP determines the address this server should advertise to the
// rest of the cluster by opening a transient TCP connection to the
// coordination service and reading the local address the OS picked for it.
// No data is exchanged beyond the handshake.
//
// coordinationAddress may be a comma-separated failover list; only the first
// host:port is probed. An unreachable address is a fatal startup error, not
// something to retry.
func AdvertisedIP(coordinationAddress string) (string, error) {
	address := coordinationAddress
	if i := strings.IndexByte(address, ','); i >= 0 {
		address = address[:i]
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return "", errors.New("no coordination address provided")
	}

	conn, err := net.DialTimeout("tcp", address, probeDialTimeout)
	if err != nil {
		return "", errors.Wrapf(err, "failed to probe coordination service at %s", address)
	}
	defer conn.Close()

	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return "", errors.Wrap(err, "failed to parse local address")
	}

	return host, nil
}

// AvailablePort returns an open port on the specified address. Useful for
// tests that need a real listener.
func AvailablePort(address string) (int, error) {
	lis, err := net.Listen("tcp", net.JoinHostPort(address, "0"))
	if err != nil {
		return 0, err
	}
	defer lis.Close()

	return lis.Addr().(*net.TCPAddr).Port, nil
}
