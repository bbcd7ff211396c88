// Package dump drives MACSio dumps: every rank produces synthetic data and
// writes it through pmpio into one file per group, optionally reads it back
// and checks it, and rank 0 collects the timings.
package dump

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	mpi "github.com/LLNL/MACSio-sub000"
	"github.com/LLNL/MACSio-sub000/config"
	"github.com/LLNL/MACSio-sub000/pmpio"
	"github.com/LLNL/MACSio-sub000/yamlio"
)

// tags used by each dump, above the run's first tag
const (
	tagWrite = iota
	tagBarrier
	tagRead
	tagGather
	tagsPerDump
)

// ErrVerify is returned when data read back differs from what was written.
var ErrVerify = errors.New("dump: read back data differs")

// DumpReport is rank 0's view of one dump.
type DumpReport struct {
	Dump      int   `yaml:"dump"`
	Files     int   `yaml:"files"`
	WriteWait Stats `yaml:"write_wait"`
	WriteHold Stats `yaml:"write_hold"`
	ReadWait  Stats `yaml:"read_wait"`
	ReadHold  Stats `yaml:"read_hold"`
	Failed    []int `yaml:"failed,omitempty"`
}

// Report is the outcome of a run. Dumps is only filled on rank 0.
type Report struct {
	RunID string       `yaml:"run_id"`
	Dumps []DumpReport `yaml:"dumps"`
}

type runner struct {
	cfg    config.Config
	comm   mpi.Comm
	dir    pmpio.Direction
	groups int
	lib    *yamlio.Lib
	runID  string
	log    *logrus.Entry
}

// Run performs cfg.Dumps dumps on every rank of comm. Every rank must call it
// with the same cfg. A rank's own failures are returned after all dumps
// finish, so the other ranks are never left waiting on it.
func Run(ctx context.Context, cfg config.Config, comm mpi.Comm, log *logrus.Entry) (*Report, error) {
	if err := cfg.Validate(comm.Size()); err != nil {
		return nil, err
	}
	dir, _ := pmpio.ParseDirection(cfg.Direction)
	r := &runner{
		cfg:    cfg,
		comm:   comm,
		dir:    dir,
		groups: cfg.GroupCount(comm.Size()),
		lib:    &yamlio.Lib{Dir: cfg.Dir},
	}

	if comm.Rank() == mpi.Root {
		r.runID = uuid.NewString()
	}
	if err := mpi.Bcast(comm, &r.runID, mpi.Root, cfg.Tag); err != nil {
		return nil, fmt.Errorf("broadcasting run id: %w", err)
	}
	r.log = log.WithField("run", r.runID)

	report := &Report{RunID: r.runID}
	var errs []error
	for d := 0; d < cfg.Dumps; d++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		dr, err := r.dump(d)
		if err != nil {
			if !isProtocol(err) {
				return report, err
			}
			errs = append(errs, fmt.Errorf("dump %d: %w", d, err))
		}
		if dr != nil {
			report.Dumps = append(report.Dumps, *dr)
		}
	}
	// nobody leaves while a peer may still need them
	if err := mpi.Barrier(comm, r.tag(cfg.Dumps, 0)); err != nil {
		return report, err
	}
	return report, errors.Join(errs...)
}

// Fatal reports whether err stopped Run early, as opposed to failures that
// were forwarded along the baton while the rank kept participating.
func Fatal(err error) bool {
	return err != nil && !isProtocol(err)
}

// protocolError is a failure that was folded into the baton and did not stop
// the rank from taking part in the rest of the run.
type protocolError struct{ err error }

func (e protocolError) Error() string { return e.err.Error() }
func (e protocolError) Unwrap() error { return e.err }

func isProtocol(err error) bool {
	var pe protocolError
	return errors.As(err, &pe)
}

func (r *runner) tag(dump, offset int) int {
	return r.cfg.Tag + 1 + dump*tagsPerDump + offset
}

func (r *runner) dump(d int) (*DumpReport, error) {
	rank := r.comm.Rank()
	file := FileName(r.cfg.Base, pmpio.GroupRank(r.comm.Size(), r.groups, rank), d)
	ns := Namespace(rank)
	parts := Parts(r.cfg, rank, d)
	timing := Timing{Rank: rank}
	var errs []error

	if r.dir == pmpio.Write {
		wait, hold, err := r.session(pmpio.Write, r.tag(d, tagWrite), file, ns, func(f *yamlio.File) error {
			return f.Write(yamlio.Section{Rank: rank, Dump: d, RunID: r.runID, Parts: parts})
		})
		timing.WriteWait, timing.WriteHold = wait.Seconds(), hold.Seconds()
		errs = append(errs, err)

		if rank == mpi.Root {
			idx := BuildIndex(r.cfg.Base, r.runID, r.comm.Size(), r.groups, d)
			errs = append(errs, WriteIndex(r.cfg.Dir, r.cfg.Base, idx))
		}
	}

	if r.dir == pmpio.Read || r.cfg.ReadBack {
		// a group's file is complete only once its tail has released it
		if err := mpi.Barrier(r.comm, r.tag(d, tagBarrier)); err != nil {
			return nil, err
		}
		wait, hold, err := r.session(pmpio.Read, r.tag(d, tagRead), file, ns, func(f *yamlio.File) error {
			return verify(f, d, parts)
		})
		timing.ReadWait, timing.ReadHold = wait.Seconds(), hold.Seconds()
		errs = append(errs, err)
	}

	local := errors.Join(errs...)
	timing.Failed = local != nil
	all, err := mpi.Gather(r.comm, timing, mpi.Root, r.tag(d, tagGather))
	if err != nil {
		return nil, err
	}

	var dr *DumpReport
	if rank == mpi.Root {
		dr = &DumpReport{
			Dump:      d,
			Files:     r.groups,
			WriteWait: summarize(column(all, func(t Timing) float64 { return t.WriteWait })),
			WriteHold: summarize(column(all, func(t Timing) float64 { return t.WriteHold })),
			ReadWait:  summarize(column(all, func(t Timing) float64 { return t.ReadWait })),
			ReadHold:  summarize(column(all, func(t Timing) float64 { return t.ReadHold })),
		}
		for _, t := range all {
			if t.Failed {
				dr.Failed = append(dr.Failed, t.Rank)
			}
		}
		r.log.WithFields(logrus.Fields{
			"dump":       d,
			"files":      dr.Files,
			"write_wait": dr.WriteWait.Mean,
			"write_hold": dr.WriteHold.Mean,
			"read_hold":  dr.ReadHold.Mean,
			"failed":     len(dr.Failed),
		}).Info("dump complete")
	}
	if local != nil {
		return dr, protocolError{local}
	}
	return dr, nil
}

// session runs one baton hand-off and times it.
func (r *runner) session(dir pmpio.Direction, tag int, file, ns string, body func(*yamlio.File) error) (wait, hold time.Duration, err error) {
	b, err := pmpio.Init(pmpio.Config{
		Groups:    r.groups,
		Direction: dir,
		Tag:       tag,
		Comm:      r.comm,
		Callbacks: r.lib,
		Log:       r.log,
	})
	if err != nil {
		return 0, 0, err
	}
	defer b.Finish()

	start := time.Now()
	h, err := b.Acquire(file, ns)
	acquired := time.Now()
	if err == nil {
		err = body(h.(*yamlio.File))
	}
	if err != nil {
		b.MarkFailed()
		r.log.WithError(err).WithField("dir", dir).Warn("skipping I/O")
	}
	err = errors.Join(err, b.Release(h))
	return acquired.Sub(start), time.Since(acquired), err
}

// Parts generates the synthetic data of one rank for one dump. The same
// arguments always give the same data, which is how a reader checks it.
func Parts(cfg config.Config, rank, dump int) []yamlio.Part {
	parts := make([]yamlio.Part, cfg.Parts)
	for i := range parts {
		rng := rand.New(rand.NewSource(cfg.Seed + int64(rank)*1_000_003 + int64(dump)*10_007 + int64(i)))
		vals := make([]float64, cfg.PartSize)
		for j := range vals {
			vals[j] = rng.Float64()
		}
		parts[i] = yamlio.Part{ID: rank*cfg.Parts + i, Values: vals}
	}
	return parts
}

func verify(f *yamlio.File, dump int, want []yamlio.Part) error {
	var found []yamlio.Section
	for _, s := range f.Sections() {
		if s.Dump == dump {
			found = append(found, s)
		}
	}
	if len(found) != 1 {
		return fmt.Errorf("%w: %s holds %d sections for dump %d in %s", ErrVerify, f.Path(), len(found), dump, f.Namespace())
	}
	got := found[0].Parts
	if len(got) != len(want) {
		return fmt.Errorf("%w: %d parts, want %d", ErrVerify, len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID || !floats.Equal(got[i].Values, want[i].Values) {
			return fmt.Errorf("%w: part %d of %s", ErrVerify, want[i].ID, f.Namespace())
		}
	}
	return nil
}
