package mpi

import (
	"encoding/gob"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Network implements Mpi over an all-to-all mesh of connections among the
// provided addresses, using encoding/gob for (de)serialization. Every pair of
// processes holds two connections: one dialed by each side. Payloads travel on
// the sender's dialed connection and receipt confirmations travel back on the
// same connection, so Wait observes the receiver actually taking the message.
//
// The network is not built with security in mind; the password only guards
// against connecting two unrelated jobs to each other.
//
// Network takes the values provided by the flags for any field left at its
// zero value.
type Network struct {
	NetProto string        // Which network protocol to use (see net package for options)
	Addr     string        // Address of the local process
	Addrs    []string      // List of the addresses of all nodes. Addr must be among them
	Timeout  time.Duration // If set, Init fails if the connections are not made within the duration
	Password string
	Log      *logrus.Entry

	myrank int // rank of this process
	nNodes int // total number of processes

	connections []*pairwiseConnection // connections to all of the other nodes
	self        *link
	done        chan struct{}
	closing     sync.Once
}

func (n *Network) Rank() int {
	if n.nNodes == 0 {
		return -1
	}
	return n.myrank
}

func (n *Network) Size() int {
	return n.nNodes
}

type pairwiseConnection struct {
	dial   net.Conn // payloads out, confirmations in
	listen net.Conn // payloads in, confirmations out

	dialEnc   *gob.Encoder
	dialDec   *gob.Decoder
	listenEnc *gob.Encoder
	listenDec *gob.Decoder
	dialMu    sync.Mutex
	listenMu  sync.Mutex

	receivetags *tagManager
	sendtags    *tagManager

	dead chan struct{}
	err  error
	once sync.Once
}

func (c *pairwiseConnection) fail(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.dead)
	})
}

func (c *pairwiseConnection) failure() error {
	return fmt.Errorf("%w: %v", ErrAborted, c.err)
}

// take prefers a message that is already queued over a connection failure,
// since a peer may deliver its last message and disconnect right after.
func take(ch chan []byte, dead <-chan struct{}) ([]byte, bool) {
	select {
	case b := <-ch:
		return b, true
	case <-dead:
		select {
		case b := <-ch:
			return b, true
		default:
			return nil, false
		}
	}
}

// Init implements the Mpi init function
func (n *Network) Init() error {
	n.applyFlags()
	if n.Log == nil {
		n.Log = logrus.NewEntry(logrus.StandardLogger())
	}

	// Sort all of the addresses to ensure that all processes agree
	addrs := append([]string(nil), n.Addrs...)
	sort.Strings(addrs)
	n.Addrs = addrs

	for i := 0; i < len(n.Addrs)-1; i++ {
		if n.Addrs[i] == n.Addrs[i+1] {
			return errors.New("mpi init: addresses not unique")
		}
	}

	// Rank is the order in the list
	n.myrank = sort.SearchStrings(n.Addrs, n.Addr)
	if !(n.myrank < len(n.Addrs) && n.Addrs[n.myrank] == n.Addr) {
		return errors.New("mpi init: local address not in global list")
	}
	n.nNodes = len(n.Addrs)
	n.Log = n.Log.WithField("rank", n.myrank)
	n.done = make(chan struct{})
	n.self = newLink(n.myrank, n.myrank)

	if err := n.startConnections(); err != nil {
		return err
	}
	for i, c := range n.connections {
		if i == n.myrank {
			continue
		}
		go n.readPayloads(i, c)
		go n.readConfirmations(i, c)
	}
	n.Log.WithField("size", n.nNodes).Debug("network initialized")
	return nil
}

func (n *Network) startConnections() error {
	n.connections = make([]*pairwiseConnection, n.nNodes)
	for i := range n.connections {
		n.connections[i] = &pairwiseConnection{
			receivetags: newTagManager(i),
			sendtags:    newTagManager(i),
			dead:        make(chan struct{}),
		}
	}

	var g errgroup.Group
	g.Go(n.establishListenConnections)
	g.Go(n.establishDialConnections)
	return g.Wait()
}

type initialMessage struct {
	Password string
	Id       int
}

type listConn struct {
	conn net.Conn
	err  error
}

// establishListenConnections accepts one connection from every other node.
func (n *Network) establishListenConnections() error {
	listener, err := net.Listen(n.NetProto, n.Addr)
	if err != nil {
		return fmt.Errorf("error listening: %w", err)
	}
	defer listener.Close()

	var g errgroup.Group
	for i := 0; i < n.nNodes-1; i++ {
		// The listener is accepted on its own goroutine so the wait can be
		// bounded by Timeout.
		acceptChan := make(chan listConn, 1)
		go func() {
			conn, err := listener.Accept()
			acceptChan <- listConn{conn, err}
		}()

		var list listConn
		if n.Timeout > 0 {
			timer := time.NewTimer(n.Timeout)
			select {
			case list = <-acceptChan:
				timer.Stop()
			case <-timer.C:
				list = listConn{err: errors.New("listener timed out")}
			}
		} else {
			list = <-acceptChan
		}
		if list.err != nil {
			// All-to-all needs to happen, so stop accepting on the first error
			g.Wait()
			return fmt.Errorf("error accepting: %w", list.err)
		}

		conn := list.conn
		g.Go(func() error {
			dec := gob.NewDecoder(conn)
			var message initialMessage
			if err := dec.Decode(&message); err != nil {
				conn.Close()
				return err
			}
			id, err := n.passwordAndId(message)
			if err != nil {
				conn.Close()
				return err
			}
			enc := gob.NewEncoder(conn)
			if err := enc.Encode(initialMessage{Password: n.Password, Id: n.myrank}); err != nil {
				conn.Close()
				return err
			}
			c := n.connections[id]
			c.listen, c.listenEnc, c.listenDec = conn, enc, dec
			return nil
		})
	}
	return g.Wait()
}

// establishDialConnections dials every other node, retrying until it answers
// or Timeout expires.
func (n *Network) establishDialConnections() error {
	var g errgroup.Group
	for i := 0; i < n.nNodes; i++ {
		i := i
		if i == n.myrank {
			continue
		}
		g.Go(func() error {
			var conn net.Conn
			var err error
			start := time.Now()
			ticker := time.NewTicker(300 * time.Millisecond)
			defer ticker.Stop()
			for {
				conn, err = net.DialTimeout(n.NetProto, n.Addrs[i], n.Timeout)
				if err == nil || (n.Timeout > 0 && time.Since(start) > n.Timeout) {
					break
				}
				<-ticker.C
			}
			if err != nil {
				return fmt.Errorf("dialing %v: %w", n.Addrs[i], err)
			}

			enc := gob.NewEncoder(conn)
			if err := enc.Encode(initialMessage{Password: n.Password, Id: n.myrank}); err != nil {
				conn.Close()
				return err
			}
			dec := gob.NewDecoder(conn)
			var message initialMessage
			if err := dec.Decode(&message); err != nil {
				conn.Close()
				return err
			}
			id, err := n.passwordAndId(message)
			if err != nil {
				conn.Close()
				return err
			}
			if id != i {
				conn.Close()
				return fmt.Errorf("dialed %v but node %v answered", i, id)
			}
			c := n.connections[id]
			c.dial, c.dialEnc, c.dialDec = conn, enc, dec
			return nil
		})
	}
	return g.Wait()
}

// Checks that the password matches what the network expects and that the
// id is valid
func (n *Network) passwordAndId(message initialMessage) (int, error) {
	if message.Password != n.Password {
		return -1, errors.New("bad password")
	}
	if message.Id >= n.nNodes || message.Id < 0 || message.Id == n.myrank {
		return -1, fmt.Errorf("bad id: %v", message.Id)
	}
	return message.Id, nil
}

// Finalize implements the Mpi finalize function. Blocked and later calls
// return an error.
func (n *Network) Finalize() {
	n.closing.Do(func() {
		if n.done != nil {
			close(n.done)
		}
		for _, c := range n.connections {
			if c.dial != nil {
				c.dial.Close()
			}
			if c.listen != nil {
				c.listen.Close()
			}
			c.fail(ErrFinalized)
		}
	})
}

func (n *Network) finalized() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

// message to send over the wire. A confirmation carries no bytes.
type message struct {
	Tag   int
	Bytes []byte
}

// readPayloads delivers messages arriving from source to the receive channel
// of their tag.
func (n *Network) readPayloads(source int, c *pairwiseConnection) {
	for {
		var m message
		if err := c.listenDec.Decode(&m); err != nil {
			n.lost(source, c, err)
			return
		}
		select {
		case c.receivetags.Channel(m.Tag) <- m.Bytes:
		case <-c.dead:
			return
		}
	}
}

// readConfirmations delivers receipt confirmations from destination to the
// wait channel of their tag.
func (n *Network) readConfirmations(destination int, c *pairwiseConnection) {
	for {
		var m message
		if err := c.dialDec.Decode(&m); err != nil {
			n.lost(destination, c, err)
			return
		}
		select {
		case c.sendtags.Channel(m.Tag) <- nil:
		case <-c.dead:
			return
		}
	}
}

func (n *Network) lost(peer int, c *pairwiseConnection, err error) {
	if !n.finalized() {
		n.Log.WithError(err).WithField("peer", peer).Debug("connection lost")
	}
	c.fail(err)
}

func (n *Network) check(peer int) error {
	if n.nNodes == 0 {
		return errors.New("mpi: network not initialized")
	}
	if n.finalized() {
		return ErrFinalized
	}
	return checkRank(peer, n.nNodes)
}

// Send implements the Mpi function
func (n *Network) Send(data interface{}, destination, tag int) error {
	if err := n.check(destination); err != nil {
		return err
	}
	b, err := encode(data)
	if err != nil {
		return err
	}
	if destination == n.myrank {
		return n.self.send(b, tag, n.done)
	}

	c := n.connections[destination]
	if err := c.sendtags.Add(tag); err != nil {
		return err
	}
	c.dialMu.Lock()
	err = c.dialEnc.Encode(message{Tag: tag, Bytes: b})
	c.dialMu.Unlock()
	if err != nil {
		c.sendtags.Delete(tag)
		c.fail(err)
		return err
	}
	return nil
}

// Wait implements the Mpi function
func (n *Network) Wait(destination, tag int) error {
	if err := n.check(destination); err != nil {
		return err
	}
	if destination == n.myrank {
		return n.self.wait(tag, n.done)
	}
	c := n.connections[destination]
	if _, ok := take(c.sendtags.Channel(tag), c.dead); !ok {
		return c.failure()
	}
	c.sendtags.Delete(tag)
	return nil
}

// Receive implements the Mpi function
func (n *Network) Receive(data interface{}, source, tag int) error {
	if err := n.check(source); err != nil {
		return err
	}

	var b []byte
	if source == n.myrank {
		var err error
		b, err = n.self.receive(tag, n.done)
		if err != nil {
			return err
		}
	} else {
		c := n.connections[source]
		if err := c.receivetags.Add(tag); err != nil {
			return err
		}
		defer c.receivetags.Delete(tag)

		var ok bool
		b, ok = take(c.receivetags.Channel(tag), c.dead)
		if !ok {
			return c.failure()
		}

		// Confirm receipt so the sender's Wait returns
		c.listenMu.Lock()
		err := c.listenEnc.Encode(message{Tag: tag})
		c.listenMu.Unlock()
		if err != nil {
			c.fail(err)
			return err
		}
	}
	return decode(b, data)
}
