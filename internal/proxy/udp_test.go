package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/packetpipe/internal/pipe"
	"github.com/malbeclabs/packetpipe/internal/sched"
)

// startEcho runs a UDP echo server on an ephemeral localhost port.
func startEcho(t *testing.T) *net.UDPAddr {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, maxDatagram)
		for {
			n, addr, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			_, _ = conn.WriteToUDPAddrPort(buf[:n], addr)
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr)
}

func startProxy(t *testing.T, params pipe.Params) (*Server, *sched.Loop, *pipe.PipePair) {
	t.Helper()

	loop, err := sched.NewLoop(nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(ctx) }()

	pipes, err := pipe.NewPipePair(&pipe.PipePairConfig{Scheduler: loop, Params: params, Seed: 1})
	require.NoError(t, err)

	serverAddr := startEcho(t)
	proxy, err := NewServer(&Config{
		Loop:       loop,
		Pipes:      pipes,
		ServerPort: serverAddr.Port,
	})
	require.NoError(t, err)

	proxyDone := make(chan error, 1)
	go func() { proxyDone <- proxy.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-proxyDone:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("proxy did not stop")
		}
		select {
		case <-loopDone:
		case <-time.After(5 * time.Second):
			t.Fatal("loop did not stop")
		}
	})
	return proxy, loop, pipes
}

func TestProxy_RelaysBothDirections(t *testing.T) {
	t.Parallel()

	proxy, loop, pipes := startProxy(t, pipe.DefaultParams())

	client, err := net.DialUDP("udp", nil, proxy.Addr())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, maxDatagram)
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))

	// Both directions were metered, payload plus datagram overhead.
	var up, down pipe.Meters
	require.NoError(t, loop.Call(context.Background(), func() {
		up = pipes.Up.Meters()
		down = pipes.Down.Meters()
	}))
	require.Equal(t, int64(4+Overhead), up.BytesAttempted)
	require.Equal(t, int64(4+Overhead), up.BytesDelivered)
	require.Equal(t, int64(4+Overhead), down.BytesAttempted)
	require.Equal(t, int64(4+Overhead), down.BytesDelivered)
}

func TestProxy_TotalLossDiscardsSilently(t *testing.T) {
	t.Parallel()

	proxy, loop, pipes := startProxy(t, pipe.Params{Bandwidth: -1, Buffer: -1, Loss: 1.0})

	client, err := net.DialUDP("udp", nil, proxy.Addr())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(500*time.Millisecond)))
	buf := make([]byte, maxDatagram)
	_, err = client.Read(buf)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		var up pipe.Meters
		if err := loop.Call(context.Background(), func() { up = pipes.Up.Meters() }); err != nil {
			return false
		}
		return up.BytesAttempted == int64(4+Overhead) && up.BytesDelivered == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestProxy_ReusesClientSocketPerAddress(t *testing.T) {
	t.Parallel()

	proxy, _, _ := startProxy(t, pipe.DefaultParams())

	client, err := net.DialUDP("udp", nil, proxy.Addr())
	require.NoError(t, err)
	defer client.Close()

	for i := 0; i < 3; i++ {
		_, err = client.Write([]byte("ping"))
		require.NoError(t, err)

		require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
		buf := make([]byte, maxDatagram)
		n, err := client.Read(buf)
		require.NoError(t, err)
		require.Equal(t, "ping", string(buf[:n]))
	}

	proxy.mu.Lock()
	clients := len(proxy.clients)
	proxy.mu.Unlock()
	require.Equal(t, 1, clients)
}
