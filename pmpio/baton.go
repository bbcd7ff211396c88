// Package pmpio implements poor man's parallel I/O: N processes split into G
// groups write (or read) G physical files through a serial file library. In
// each group exactly one process holds the file at a time; the right to open
// it is handed from rank to rank, in order, as a baton message. Groups run
// fully concurrently.
//
// A typical write looks like
//
//	b, err := pmpio.Init(pmpio.Config{Groups: g, Direction: pmpio.Write, Tag: tag, Comm: comm, Callbacks: lib})
//	...
//	h, err := b.Acquire(filename, namespace)
//	if err == nil {
//		err = write(h)
//	}
//	if err != nil {
//		b.MarkFailed()
//	}
//	err = b.Release(h)
//	b.Finish()
//
// A rank that never calls Release blocks the rest of its group forever;
// there is no timeout.
package pmpio

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	mpi "github.com/LLNL/MACSio-sub000"
)

var (
	// ErrMissingCallback is returned by Init when a callback is unset.
	ErrMissingCallback = errors.New("pmpio: create, open and close callbacks are all required")
	// ErrGroupCount is returned by Init when the group count is not in [1, size].
	ErrGroupCount = errors.New("pmpio: group count out of range")
	// ErrUpstreamFailed is returned by Acquire when an earlier rank in the
	// group failed or the baton could not be received.
	ErrUpstreamFailed = errors.New("pmpio: upstream rank in group failed")
)

// Status is the value carried by the baton.
type Status int

const (
	OK Status = iota
	Error
)

func (s Status) String() string {
	if s == OK {
		return "ok"
	}
	return "error"
}

// State is the position of a Baton in its protocol.
type State int

const (
	Created State = iota
	WaitingForToken
	Holding
	Failed
	Released
	Finished
)

var stateNames = [...]string{"created", "waiting", "holding", "failed", "released", "finished"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config holds the parameters of one session.
type Config struct {
	Groups    int
	Direction Direction
	// Tag must differ from the tag of every other session live on the same
	// Comm at the same time.
	Tag         int
	Comm        mpi.Comm
	Callbacks   Callbacks
	UserContext any
	Log         *logrus.Entry
}

// Baton coordinates one rank's access to its group's file for one session.
// Each process owns its own Baton; all of them describe the same session
// because they derive the same Partition.
type Baton struct {
	dir      Direction
	tag      int
	comm     mpi.Comm
	cb       Callbacks
	userCtx  any
	part     Partition
	place    Placement
	status   Status
	state    State
	acquired bool
	log      *logrus.Entry
}

// Init computes this rank's place in the partition. It does not communicate.
func Init(cfg Config) (*Baton, error) {
	if !complete(cfg.Callbacks) {
		return nil, ErrMissingCallback
	}
	if cfg.Comm == nil {
		return nil, errors.New("pmpio: nil communicator")
	}
	if cfg.Direction != Write && cfg.Direction != Read {
		return nil, fmt.Errorf("pmpio: invalid direction %v", cfg.Direction)
	}
	size := cfg.Comm.Size()
	if cfg.Groups < 1 || cfg.Groups > size {
		return nil, fmt.Errorf("%w: %d groups for %d ranks", ErrGroupCount, cfg.Groups, size)
	}

	part := NewPartition(size, cfg.Groups)
	place := part.Locate(cfg.Comm.Rank())
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Baton{
		dir:     cfg.Direction,
		tag:     cfg.Tag,
		comm:    cfg.Comm,
		cb:      cfg.Callbacks,
		userCtx: cfg.UserContext,
		part:    part,
		place:   place,
		status:  OK,
		state:   Created,
		log: log.WithFields(logrus.Fields{
			"rank":  place.Rank,
			"group": place.Group,
			"pos":   place.Position,
			"tag":   cfg.Tag,
		}),
	}, nil
}

// Direction returns whether the session writes or reads.
func (b *Baton) Direction() Direction { return b.dir }

// Tag returns the message tag of the session.
func (b *Baton) Tag() int { return b.tag }

// Partition returns the grouping shared by every rank of the session.
func (b *Baton) Partition() Partition { return b.part }

// Placement returns this rank's group, position and neighbours.
func (b *Baton) Placement() Placement { return b.place }

// Status returns the value Release will forward.
func (b *Baton) Status() Status { return b.status }

// State returns where the session is in its lifecycle.
func (b *Baton) State() State { return b.state }

// MarkFailed makes the status Error. It is how a rank whose own callback or
// I/O failed tells the rest of its group not to trust the file.
func (b *Baton) MarkFailed() {
	b.status = Error
}

// Acquire waits for the baton from the predecessor, if any, and then creates
// or opens the file. It returns ErrUpstreamFailed without touching the file
// when the baton carries Error or cannot be received; the caller should skip
// its I/O and still call Release so the rest of the group is released.
//
// A callback error is returned as is and does not change the status; see
// MarkFailed.
//
// Acquire may be called once per session. Calling it again is a programming
// error and panics.
func (b *Baton) Acquire(filename, namespace string) (Handle, error) {
	if b.state != Created {
		panic(fmt.Sprintf("pmpio: Acquire called in state %v", b.state))
	}

	if !b.place.Head() {
		b.state = WaitingForToken
		b.log.WithField("from", b.place.Prev).Debug("waiting for baton")
		var token Status
		err := b.comm.Receive(&token, b.place.Prev, b.tag)
		if err != nil || token != OK {
			b.status = Error
			b.state = Failed
			if err != nil {
				b.log.WithError(err).Warn("baton receive failed")
				return nil, fmt.Errorf("%w: %w", ErrUpstreamFailed, err)
			}
			b.log.Debug("received error baton")
			return nil, ErrUpstreamFailed
		}
	}

	b.state = Holding
	b.acquired = true
	if b.place.Head() && b.dir == Write {
		b.log.WithField("file", filename).Debug("create")
		return b.cb.Create(filename, namespace, b.userCtx)
	}
	b.log.WithField("file", filename).Debug("open")
	return b.cb.Open(filename, namespace, b.dir, b.userCtx)
}

// Release closes h and then hands the baton to the successor, if any, with a
// synchronous send so it returns only once the successor has it. A nil h
// (Acquire failed) is not closed. A failing Close makes the status Error
// before it is forwarded.
//
// Release must follow exactly one Acquire; anything else panics.
func (b *Baton) Release(h Handle) error {
	if b.state != Holding && b.state != Failed {
		panic(fmt.Sprintf("pmpio: Release called in state %v", b.state))
	}

	var closeErr error
	if b.acquired && h != nil {
		if closeErr = b.cb.Close(h, b.userCtx); closeErr != nil {
			b.status = Error
			closeErr = fmt.Errorf("pmpio: close: %w", closeErr)
		}
	}
	b.state = Released

	if b.place.Tail() {
		b.log.WithField("status", b.status).Debug("group complete")
		return closeErr
	}
	b.log.WithFields(logrus.Fields{"to": b.place.Next, "status": b.status}).Debug("passing baton")
	if err := mpi.Ssend(b.comm, b.status, b.place.Next, b.tag); err != nil {
		return errors.Join(closeErr, fmt.Errorf("pmpio: passing baton to %d: %w", b.place.Next, err))
	}
	return closeErr
}

// Finish ends the session. It does not communicate. The Baton must not be
// used afterwards.
func (b *Baton) Finish() {
	b.state = Finished
	b.comm = nil
	b.cb = nil
	b.userCtx = nil
}
