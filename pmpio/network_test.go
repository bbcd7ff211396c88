package pmpio

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	mpi "github.com/LLNL/MACSio-sub000"
)

func tcpWorld(t *testing.T, size int) []*mpi.Network {
	t.Helper()
	addrs := make([]string, size)
	for i := range addrs {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addrs[i] = l.Addr().String()
		require.NoError(t, l.Close())
	}
	nets := make([]*mpi.Network, size)
	var g errgroup.Group
	for i := range nets {
		nets[i] = &mpi.Network{
			NetProto: "tcp",
			Addr:     addrs[i],
			Addrs:    addrs,
			Timeout:  10 * time.Second,
			Log:      quietLog(),
		}
		g.Go(nets[i].Init)
	}
	require.NoError(t, g.Wait())
	t.Cleanup(func() {
		for _, n := range nets {
			n.Finalize()
		}
	})
	return nets
}

func TestErrorForwardedOverNetwork(t *testing.T) {
	const size = 4
	nets := tcpWorld(t, size)
	tr := newTracer(size, 1)
	out := make([]outcome, size)

	var g errgroup.Group
	for _, n := range nets {
		n := n
		g.Go(func() error {
			b, err := Init(Config{
				Groups:      1,
				Direction:   Write,
				Tag:         testTag,
				Comm:        n,
				Callbacks:   tr.callbacks(),
				UserContext: n.Rank(),
				Log:         quietLog(),
			})
			if err != nil {
				return err
			}
			defer b.Finish()

			rank := n.Rank()
			h, err := b.Acquire("group000", fmt.Sprintf("domain_%03d", rank))
			out[rank].acquireErr = err
			if err == nil && rank == 1 {
				b.MarkFailed()
			}
			out[rank].releaseErr = b.Release(h)
			out[rank].state = b.State()
			out[rank].status = b.Status()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.NoError(t, out[0].acquireErr)
	assert.Equal(t, OK, out[0].status)
	assert.NoError(t, out[1].acquireErr)
	assert.Equal(t, Error, out[1].status)
	for r := 2; r < size; r++ {
		assert.ErrorIs(t, out[r].acquireErr, ErrUpstreamFailed, "rank %d", r)
		assert.Equal(t, Error, out[r].status, "rank %d", r)
		assert.Empty(t, tr.kinds(r), "rank %d", r)
	}
	for r := range out {
		assert.NoError(t, out[r].releaseErr, "rank %d", r)
		assert.Equal(t, Released, out[r].state, "rank %d", r)
	}
	assert.Equal(t, []int{0, 1}, tr.acquirers(0))
	assert.Equal(t, []string{"create", "close"}, tr.kinds(0))
	assert.Equal(t, []string{"open", "close"}, tr.kinds(1))
	assert.Empty(t, tr.violations)
}
