package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTCPGroup connects size ranks over loopback. Index 0 is the root.
func startTCPGroup(t *testing.T, size int) []*TCP {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, err := ListenTCP(TCPConfig{Rank: 0, Size: size, Root: 0, Addr: "127.0.0.1:0"})
	require.NoError(t, err)

	eps := make([]*TCP, size)
	errs := make(chan error, size-1)
	for r := 1; r < size; r++ {
		go func() {
			ep, err := DialTCP(ctx, TCPConfig{Rank: r, Size: size, Root: 0, Addr: ln.Addr()})
			eps[r] = ep
			errs <- err
		}()
	}

	root, err := ln.Accept(ctx)
	require.NoError(t, err)
	eps[0] = root
	for r := 1; r < size; r++ {
		require.NoError(t, <-errs)
	}

	t.Cleanup(func() {
		for _, ep := range eps {
			ep.Close()
		}
	})
	return eps
}

func TestTCPBroadcastGather(t *testing.T) {
	eps := startTCPGroup(t, 4)
	ctx := context.Background()

	var gathered [][]byte
	got := make([]string, 4)
	errs := runCollective(eps, func(ep *TCP) error {
		for i := range 3 {
			data, err := ep.Broadcast(ctx, 0, []byte(fmt.Sprintf("cmd-%d", i)))
			if err != nil {
				return err
			}
			got[ep.Rank()] = string(data)

			out, err := ep.Gather(ctx, 0, []byte(fmt.Sprintf("r%d-%d", ep.Rank(), i)))
			if err != nil {
				return err
			}
			if ep.Rank() == 0 {
				gathered = out
			}
		}
		return nil
	})

	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
		assert.Equal(t, "cmd-2", got[r])
	}
	require.Len(t, gathered, 4)
	for r := 1; r < 4; r++ {
		assert.Equal(t, fmt.Sprintf("r%d-2", r), string(gathered[r]))
	}
}

func TestTCPPeerLost(t *testing.T) {
	eps := startTCPGroup(t, 2)

	require.NoError(t, eps[0].Close())

	_, err := eps[1].Broadcast(context.Background(), 0, nil)
	assert.ErrorIs(t, err, ErrPeerLost)
}

func TestTCPDeadline(t *testing.T) {
	eps := startTCPGroup(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Rank 1 never replies.
	_, err := eps[0].Gather(ctx, 0, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTCPRejectsForeignRoot(t *testing.T) {
	eps := startTCPGroup(t, 2)

	_, err := eps[1].Broadcast(context.Background(), 1, []byte("x"))
	assert.ErrorIs(t, err, ErrUnsupportedRoot)
}

func TestTCPClosed(t *testing.T) {
	eps := startTCPGroup(t, 2)
	require.NoError(t, eps[1].Close())

	_, err := eps[1].Broadcast(context.Background(), 0, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDialTCPGivesUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := DialTCP(ctx, TCPConfig{Rank: 1, Size: 2, Root: 0, Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	assert.Error(t, err)
}

func TestTCPRejectsWrongWireVersion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, err := ListenTCP(TCPConfig{Rank: 0, Size: 2, Root: 0, Addr: "127.0.0.1:0"})
	require.NoError(t, err)

	stale, err := net.Dial("tcp", ln.Addr())
	require.NoError(t, err)
	defer stale.Close()
	data, err := json.Marshal(hello{Rank: 1, Size: 2, Version: "0"})
	require.NoError(t, err)
	require.NoError(t, newPeerConn(0, stale).writeFrame(ctx, data))

	accepted := make(chan *TCP, 1)
	go func() {
		root, err := ln.Accept(ctx)
		assert.NoError(t, err)
		accepted <- root
	}()

	// The stale peer is dropped, so rank 1 is still free for a current one.
	_, err = stale.Read(make([]byte, 1))
	require.Error(t, err)

	worker, err := DialTCP(ctx, TCPConfig{Rank: 1, Size: 2, Root: 0, Addr: ln.Addr()})
	require.NoError(t, err)
	defer worker.Close()

	root := <-accepted
	require.NotNil(t, root)
	defer root.Close()
	assert.Len(t, root.peers, 1)
}
