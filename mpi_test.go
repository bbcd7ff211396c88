package mpi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestLocalSendReceive(t *testing.T) {
	w := NewLocalWorld(2)
	a, b := w.Comm(0), w.Comm(1)

	require.NoError(t, a.Send([]int{1, 2, 3}, 1, 5))
	var got []int
	require.NoError(t, b.Receive(&got, 0, 5))
	require.NoError(t, a.Wait(1, 5))
	assert.Equal(t, []int{1, 2, 3}, got)

	// the pair is free again after Wait
	require.NoError(t, a.Send("again", 1, 5))
	var s string
	require.NoError(t, b.Receive(&s, 0, 5))
	require.NoError(t, a.Wait(1, 5))
	assert.Equal(t, "again", s)
}

func TestLocalTagExists(t *testing.T) {
	w := NewLocalWorld(2)
	a := w.Comm(0)
	require.NoError(t, a.Send(1, 1, 9))
	err := a.Send(2, 1, 9)
	var te TagExists
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 9, te.Tag)
	assert.Equal(t, 1, te.Peer)

	// a different tag or peer is independent
	require.NoError(t, a.Send(3, 1, 10))
	require.NoError(t, a.Send(4, 0, 9))
}

func TestLocalSelfSend(t *testing.T) {
	w := NewLocalWorld(1)
	c := w.Comm(0)
	require.NoError(t, c.Send(42, 0, 1))
	var v int
	require.NoError(t, c.Receive(&v, 0, 1))
	require.NoError(t, c.Wait(0, 1))
	assert.Equal(t, 42, v)
}

func TestLocalBadRank(t *testing.T) {
	w := NewLocalWorld(2)
	var re RankError
	assert.ErrorAs(t, w.Comm(0).Send(1, 2, 0), &re)
	assert.ErrorAs(t, w.Comm(0).Receive(new(int), -1, 0), &re)
	assert.Panics(t, func() { w.Comm(3) })
}

func TestSsendWaitsForReceiver(t *testing.T) {
	w := NewLocalWorld(2)
	done := make(chan error, 1)
	go func() { done <- Ssend(w.Comm(0), "x", 1, 0) }()

	select {
	case <-done:
		t.Fatal("Ssend returned before the message was received")
	case <-time.After(50 * time.Millisecond):
	}

	var s string
	require.NoError(t, w.Comm(1).Receive(&s, 0, 0))
	require.NoError(t, <-done)
}

func TestAbortReleasesBlockedCalls(t *testing.T) {
	w := NewLocalWorld(2)
	errc := make(chan error, 1)
	go func() {
		var v int
		errc <- w.Comm(1).Receive(&v, 0, 0)
	}()
	time.Sleep(10 * time.Millisecond)
	w.Abort()
	assert.ErrorIs(t, <-errc, ErrAborted)
}

func TestFinalizeIsPerRank(t *testing.T) {
	w := NewLocalWorld(2)
	a, b := w.Comm(0), w.Comm(1)
	require.NoError(t, a.Init())
	a.Finalize()
	assert.ErrorIs(t, a.Send(1, 1, 0), ErrFinalized)
	require.NoError(t, b.Send(1, 0, 0))
}

func TestRunAbortsOnError(t *testing.T) {
	w := NewLocalWorld(3)
	err := w.Run(context.Background(), func(ctx context.Context, c *Local) error {
		if c.Rank() == 0 {
			return errors.New("boom")
		}
		var v int
		return c.Receive(&v, 0, 0)
	})
	assert.ErrorContains(t, err, "boom")
}

func TestCollectives(t *testing.T) {
	const size = 5
	w := NewLocalWorld(size)
	var mu sync.Mutex
	ids := make(map[string]int)
	var gathered []int

	err := w.Run(context.Background(), func(ctx context.Context, c *Local) error {
		if err := Barrier(c, 1); err != nil {
			return err
		}
		id := ""
		if c.Rank() == Root {
			id = "run-1"
		}
		if err := Bcast(c, &id, Root, 2); err != nil {
			return err
		}
		mu.Lock()
		ids[id]++
		mu.Unlock()

		all, err := Gather(c, c.Rank()*10, Root, 3)
		if err != nil {
			return err
		}
		if c.Rank() == Root {
			gathered = all
		} else if all != nil {
			return fmt.Errorf("rank %d got gather result", c.Rank())
		}
		return Barrier(c, 1)
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"run-1": size}, ids)
	assert.Equal(t, []int{0, 10, 20, 30, 40}, gathered)
}

func freeAddrs(t *testing.T, n int) []string {
	t.Helper()
	addrs := make([]string, n)
	for i := range addrs {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addrs[i] = l.Addr().String()
		require.NoError(t, l.Close())
	}
	return addrs
}

func TestNetworkRing(t *testing.T) {
	const size = 3
	addrs := freeAddrs(t, size)
	nets := make([]*Network, size)
	for i := range nets {
		nets[i] = &Network{
			NetProto: "tcp",
			Addr:     addrs[i],
			Addrs:    addrs,
			Timeout:  10 * time.Second,
			Password: "secret",
		}
	}

	var g errgroup.Group
	for _, n := range nets {
		g.Go(n.Init)
	}
	require.NoError(t, g.Wait())
	defer func() {
		for _, n := range nets {
			n.Finalize()
		}
	}()

	ranks := make(map[int]bool)
	for _, n := range nets {
		assert.Equal(t, size, n.Size())
		ranks[n.Rank()] = true
	}
	assert.Len(t, ranks, size)

	// pass a counter around the ring twice, reusing the same tag
	got := make([]int, size)
	var ring errgroup.Group
	for _, n := range nets {
		n := n
		ring.Go(func() error {
			r := n.Rank()
			next, prev := (r+1)%size, (r+size-1)%size
			v := 0
			for round := 0; round < 2; round++ {
				if r != 0 || round > 0 {
					if err := n.Receive(&v, prev, 4); err != nil {
						return err
					}
				}
				if err := Ssend(n, v+1, next, 4); err != nil {
					return err
				}
			}
			if r == 0 {
				if err := n.Receive(&v, prev, 4); err != nil {
					return err
				}
			}
			got[r] = v
			return nil
		})
	}
	require.NoError(t, ring.Wait())
	assert.Equal(t, []int{6, 4, 5}, got)

	// self-send goes through the local link
	require.NoError(t, nets[0].Send("me", nets[0].Rank(), 6))
	var s string
	require.NoError(t, nets[0].Receive(&s, nets[0].Rank(), 6))
	require.NoError(t, nets[0].Wait(nets[0].Rank(), 6))
	assert.Equal(t, "me", s)
}

func TestNetworkRejectsUnknownAddr(t *testing.T) {
	n := &Network{Addr: "127.0.0.1:1", Addrs: []string{"127.0.0.1:2"}}
	assert.Error(t, n.Init())
	n = &Network{Addr: "127.0.0.1:1", Addrs: []string{"127.0.0.1:1", "127.0.0.1:1"}}
	assert.Error(t, n.Init())
}
