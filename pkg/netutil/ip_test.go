package netutil

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdvertisedIP(t *testing.T) {
	require := require.New(t)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer lis.Close()

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	ip, err := AdvertisedIP(lis.Addr().String())
	require.NoError(err)
	require.Equal("127.0.0.1", ip)

	// Only the first address of a failover list is probed.
	ip, err = AdvertisedIP(fmt.Sprintf("%s, 10.255.255.1:2181", lis.Addr().String()))
	require.NoError(err)
	require.Equal("127.0.0.1", ip)
}

func TestAdvertisedIPUnreachable(t *testing.T) {
	require := require.New(t)

	// Grab a free port and release it so nothing is listening there.
	port, err := AvailablePort("127.0.0.1")
	require.NoError(err)

	_, err = AdvertisedIP(fmt.Sprintf("127.0.0.1:%d", port))
	require.Error(err)

	_, err = AdvertisedIP("")
	require.Error(err)
}

func TestAvailablePort(t *testing.T) {
	require := require.New(t)

	port, err := AvailablePort("127.0.0.1")
	require.NoError(err)
	require.Greater(port, 0)

	lis, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(err)
	lis.Close()
}
