package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func TestDiscoveryResponder(t *testing.T) {
	logger, _ := test.NewNullLogger()
	port := freeUDPPort(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	dr := NewDiscoveryResponder("127.0.0.1", port, 8080, logger)
	go func() { done <- dr.Run(ctx) }()

	// Replies come from another port, so the socket stays unconnected.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	target := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}

	buf := make([]byte, 256)
	var reply string
	// The responder may not be bound yet, so retry.
	for range 20 {
		_, err := conn.WriteToUDP([]byte("indigodiscovery1"), target)
		require.NoError(t, err)

		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buf)
		if err == nil {
			reply = string(buf[:n])
			break
		}
	}
	assert.JSONEq(t, `{"ControlPort": 8080}`, reply)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("responder did not stop")
	}
}
