package mpi

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// LocalWorld is an in-process set of ranks that communicate over channels.
// Messages are still gob encoded so receivers never share memory with
// senders, matching the semantics of Network.
type LocalWorld struct {
	size  int
	links [][]*link // links[src][dst]
	done  chan struct{}
	abort sync.Once
}

// NewLocalWorld creates a world of size ranks. size must be positive.
func NewLocalWorld(size int) *LocalWorld {
	if size < 1 {
		panic("mpi: local world size must be positive")
	}
	w := &LocalWorld{
		size:  size,
		links: make([][]*link, size),
		done:  make(chan struct{}),
	}
	for src := range w.links {
		w.links[src] = make([]*link, size)
		for dst := range w.links[src] {
			w.links[src][dst] = newLink(src, dst)
		}
	}
	return w
}

// Size returns the number of ranks in the world.
func (w *LocalWorld) Size() int {
	return w.size
}

// Comm returns the communicator of the given rank.
func (w *LocalWorld) Comm(rank int) *Local {
	if err := checkRank(rank, w.size); err != nil {
		panic(err)
	}
	return &Local{world: w, rank: rank}
}

// Abort fails every blocked and future call in the world with ErrAborted.
func (w *LocalWorld) Abort() {
	w.abort.Do(func() { close(w.done) })
}

// Run executes fn once per rank, each on its own goroutine, and waits for all
// of them. The first error cancels ctx and aborts the world, so ranks blocked
// on a peer that gave up are released instead of hanging. The world is aborted when Run
// returns and cannot be reused.
func (w *LocalWorld) Run(ctx context.Context, fn func(ctx context.Context, c *Local) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < w.size; rank++ {
		c := w.Comm(rank)
		g.Go(func() error {
			if err := fn(ctx, c); err != nil {
				return fmt.Errorf("rank %d: %w", c.rank, err)
			}
			return nil
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			w.Abort()
		case <-w.done:
		}
	}()
	return g.Wait()
}

// Local is the Mpi implementation of one rank of a LocalWorld.
type Local struct {
	world     *LocalWorld
	rank      int
	finalized atomic.Bool
}

// Init implements Mpi. A Local is ready as soon as it is created.
func (l *Local) Init() error {
	return nil
}

// Finalize implements Mpi. Only this rank is affected; peers keep running.
func (l *Local) Finalize() {
	l.finalized.Store(true)
}

func (l *Local) Rank() int {
	return l.rank
}

func (l *Local) Size() int {
	return l.world.size
}

func (l *Local) check(peer int) error {
	if l.finalized.Load() {
		return ErrFinalized
	}
	return checkRank(peer, l.world.size)
}

// Send implements Mpi.
func (l *Local) Send(data interface{}, destination, tag int) error {
	if err := l.check(destination); err != nil {
		return err
	}
	b, err := encode(data)
	if err != nil {
		return err
	}
	return l.world.links[l.rank][destination].send(b, tag, l.world.done)
}

// Wait implements Mpi.
func (l *Local) Wait(destination, tag int) error {
	if err := l.check(destination); err != nil {
		return err
	}
	return l.world.links[l.rank][destination].wait(tag, l.world.done)
}

// Receive implements Mpi.
func (l *Local) Receive(data interface{}, source, tag int) error {
	if err := l.check(source); err != nil {
		return err
	}
	b, err := l.world.links[source][l.rank].receive(tag, l.world.done)
	if err != nil {
		return err
	}
	return decode(b, data)
}
