package coord

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListen(t *testing.T) {
	ln, err := Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	accepted := make(chan struct{})
	go func() {
		defer close(accepted)
		conn, err := ln.Accept()
		if err == nil {
			_ = conn.Close()
		}
	}()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_ = conn.Close()
	<-accepted

	// The port can be bound again right after close.
	require.NoError(t, ln.Close())
	ln2, err := Listen(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, addr, ln2.Addr().String())
	require.NoError(t, ln2.Close())
}

func TestListen_InvalidAddress(t *testing.T) {
	_, err := Listen(context.Background(), "not-an-address")
	assert.Error(t, err)
}
