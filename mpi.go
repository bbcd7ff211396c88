// Package mpi implements an mpi-like point-to-point messaging layer for the
// MACSio poor-man's parallel I/O driver. It does not follow the MPI standard
// exactly. In cases where package documentation disagrees with the MPI
// standard, the package documentation should be considered correct.
//
// A program runs as size cooperating processes. Each process has a unique
// integer identifier, "rank", with 0 <= rank < size, agreed upon by all
// processes. Processes exchange gob-encoded values with Send, Wait and
// Receive, addressed by peer rank and an integer tag.
//
// Two implementations are provided:
//
//	Network: an all-to-all TCP mesh among separate OS processes
//	Local:   an in-process world where every rank is a goroutine
//
// By default the package level functions use Network. Programs may call
// Register during initialization to use another implementation.
//
// A program must begin with a call to Init() and should end with a call
// to Finalize().
//
// Package mpi also provides several flags (see RegisterFlags).
//
//	-mpi-addr : address of the local running process
//	-mpi-alladdr: comma separated list of the addresses of all processes
//	-mpi-inittimeout: time.Duration for how long init can take before timing out
//	-mpi-protocol: network protocol to use
//	-mpi-password: password to use at initialization
package mpi

import "fmt"

var mpier Mpi = &Network{}

// Register sets an Mpi implementation to be used in calls to MPI. Register
// should normally be called during program initialization and not again.
func Register(mpi Mpi) {
	mpier = mpi
}

// World returns the registered implementation as a Comm.
func World() Comm {
	return mpier
}

// Init initializes the communication network. Init must be called before any
// other functions are called, and should only be called once during program
// execution
func Init() error {
	return mpier.Init()
}

// Finalize cleans up the communication network. After a call to Finalize no
// more calls may be made.
func Finalize() {
	mpier.Finalize()
}

// Rank returns the rank of the local process. 0 <= Rank() < Size(). If the
// network is not initialized Rank returns -1.
func Rank() int {
	return mpier.Rank()
}

// Size returns the total number of processes. Size returns 0 if the network
// is not initialized.
func Size() int {
	return mpier.Size()
}

// Send transmits the data to the destination with the given tag. Send may
// be called concurrently between any number of goroutines, but {destination, tag}
// pairs must be unique among concurrent calls to send.
// Send blocks until the data has been handed to the transport, but does not
// wait for confirmation of receipt. Wait may be used to do this. Once a call
// to Wait has completed, a {destination, tag} pair may be reused.
func Send(data interface{}, destination, tag int) error {
	return mpier.Send(data, destination, tag)
}

// Wait blocks until confirmation from destination that the data sent with the
// given tag has been received. Wait also frees the {destination, tag} pair for
// re-use.
func Wait(destination, tag int) error {
	return mpier.Wait(destination, tag)
}

// Receive blocks until a message with the given tag arrives from source and
// deserializes it into data, which must be a pointer to the type that was
// sent.
func Receive(data interface{}, source, tag int) error {
	return mpier.Receive(data, source, tag)
}

// Comm is the point-to-point subset of Mpi. It is what coordination code
// depends on, so it can run over any implementation.
type Comm interface {
	Rank() int
	Size() int
	Send(data interface{}, destination, tag int) error
	Wait(destination, tag int) error
	Receive(data interface{}, source, tag int) error
}

// Mpi is a set of routines for performing parallel computation. See the
// function descriptions for documentation.
type Mpi interface {
	Comm
	Init() error
	Finalize()
}

// Ssend is a synchronous send: it returns only once destination has received
// the message, after which the {destination, tag} pair is free again.
func Ssend(c Comm, data interface{}, destination, tag int) error {
	if err := c.Send(data, destination, tag); err != nil {
		return err
	}
	return c.Wait(destination, tag)
}

// TagExists is an error type indicating the tag already has a concurrent request
// between the destination and source node
type TagExists struct {
	Tag  int
	Peer int
}

func (t TagExists) Error() string {
	return fmt.Sprintf("tag %v already in use with peer %v", t.Tag, t.Peer)
}

// RankError reports a peer rank outside [0, size).
type RankError struct {
	Rank int
	Size int
}

func (r RankError) Error() string {
	return fmt.Sprintf("rank %v out of range for size %v", r.Rank, r.Size)
}

func checkRank(rank, size int) error {
	if rank < 0 || rank >= size {
		return RankError{Rank: rank, Size: size}
	}
	return nil
}
