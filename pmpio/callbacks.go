package pmpio

import (
	"fmt"
	"reflect"
)

// Direction is whether a session reads or writes. A session never mixes the
// two.
type Direction int

const (
	Write Direction = iota
	Read
)

func (d Direction) String() string {
	switch d {
	case Write:
		return "write"
	case Read:
		return "read"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// ParseDirection maps "write" or "read" to a Direction.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "write", "w":
		return Write, nil
	case "read", "r":
		return Read, nil
	}
	return 0, fmt.Errorf("pmpio: unknown direction %q", s)
}

// Handle is whatever a file library uses to refer to an open file. The
// coordinator never looks inside it. A handle lives from the Acquire that
// produced it to the Release that consumes it.
type Handle any

// Callbacks adapts a serial, one-handle-per-process file library to the
// baton protocol.
//
// Create makes the group's physical file and positions the handle at
// namespace. It is called once per file, by the head of the group, when
// writing.
//
// Open opens the existing file and positions (or creates, when writing) the
// namespace. Every non-head rank calls it, and the head calls it when reading.
//
// Close must flush and close the file completely, since the next rank in the
// group opens it as soon as Close returns.
//
// userCtx is the UserContext of the session, passed through unchanged.
type Callbacks interface {
	Create(filename, namespace string, userCtx any) (Handle, error)
	Open(filename, namespace string, dir Direction, userCtx any) (Handle, error)
	Close(h Handle, userCtx any) error
}

// CallbackFuncs builds Callbacks from plain functions. All three must be set
// for Init to accept it.
type CallbackFuncs struct {
	CreateFunc func(filename, namespace string, userCtx any) (Handle, error)
	OpenFunc   func(filename, namespace string, dir Direction, userCtx any) (Handle, error)
	CloseFunc  func(h Handle, userCtx any) error
}

func (f CallbackFuncs) Create(filename, namespace string, userCtx any) (Handle, error) {
	return f.CreateFunc(filename, namespace, userCtx)
}

func (f CallbackFuncs) Open(filename, namespace string, dir Direction, userCtx any) (Handle, error) {
	return f.OpenFunc(filename, namespace, dir, userCtx)
}

func (f CallbackFuncs) Close(h Handle, userCtx any) error {
	return f.CloseFunc(h, userCtx)
}

func complete(cb Callbacks) bool {
	switch f := cb.(type) {
	case nil:
		return false
	case CallbackFuncs:
		return f.CreateFunc != nil && f.OpenFunc != nil && f.CloseFunc != nil
	case *CallbackFuncs:
		return f != nil && f.CreateFunc != nil && f.OpenFunc != nil && f.CloseFunc != nil
	}
	// a nil pointer of a type that implements Callbacks is still unset
	switch v := reflect.ValueOf(cb); v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Func, reflect.Chan, reflect.Slice, reflect.Interface:
		return !v.IsNil()
	}
	return true
}
