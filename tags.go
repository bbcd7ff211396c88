package mpi

import (
	"bytes"
	"encoding/gob"
	"errors"
	"sync"
)

var (
	// ErrAborted is returned by calls blocked on a world or connection that
	// has been torn down.
	ErrAborted = errors.New("mpi: communication aborted")
	// ErrFinalized is returned by calls made after Finalize.
	ErrFinalized = errors.New("mpi: finalized")
)

// tagManager tracks which tags are in flight with one peer and owns one
// channel per tag. The channels are created lazily and keep a single slot, so
// a message can arrive before or after the matching call is posted.
type tagManager struct {
	peer  int
	mu    sync.Mutex
	busy  map[int]bool
	chans map[int]chan []byte
}

func newTagManager(peer int) *tagManager {
	return &tagManager{
		peer:  peer,
		busy:  make(map[int]bool),
		chans: make(map[int]chan []byte),
	}
}

// Add marks the tag in flight, returning TagExists if it already is.
func (t *tagManager) Add(tag int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.busy[tag] {
		return TagExists{Tag: tag, Peer: t.peer}
	}
	t.busy[tag] = true
	return nil
}

// Delete frees the tag for reuse.
func (t *tagManager) Delete(tag int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.busy[tag] {
		panic("mpi: attempt to free a tag that is not in flight")
	}
	delete(t.busy, tag)
}

// Channel returns the channel for that tag.
func (t *tagManager) Channel(tag int) chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.chans[tag]
	if !ok {
		c = make(chan []byte, 1)
		t.chans[tag] = c
	}
	return c
}

// link is one direction of traffic between a sender and a receiver that
// share memory. sendtags carries receipt confirmations back to the sender,
// receivetags carries payloads to the receiver.
type link struct {
	sendtags    *tagManager
	receivetags *tagManager
}

func newLink(src, dst int) *link {
	return &link{
		sendtags:    newTagManager(dst),
		receivetags: newTagManager(src),
	}
}

func (l *link) send(b []byte, tag int, done <-chan struct{}) error {
	if err := l.sendtags.Add(tag); err != nil {
		return err
	}
	select {
	case l.receivetags.Channel(tag) <- b:
		return nil
	case <-done:
		l.sendtags.Delete(tag)
		return ErrAborted
	}
}

func (l *link) wait(tag int, done <-chan struct{}) error {
	if _, ok := take(l.sendtags.Channel(tag), done); !ok {
		return ErrAborted
	}
	l.sendtags.Delete(tag)
	return nil
}

func (l *link) receive(tag int, done <-chan struct{}) ([]byte, error) {
	if err := l.receivetags.Add(tag); err != nil {
		return nil, err
	}
	defer l.receivetags.Delete(tag)
	b, ok := take(l.receivetags.Channel(tag), done)
	if !ok {
		return nil, ErrAborted
	}
	l.sendtags.Channel(tag) <- nil
	return b, nil
}

func encode(data interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(b []byte, data interface{}) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(data)
}
