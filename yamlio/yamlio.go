// Package yamlio is a serial file library with one open handle per process.
// A file is a stream of YAML documents, one per section, and a namespace
// selects the sections that belong to one process. It plugs into pmpio as
// its Callbacks.
package yamlio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/LLNL/MACSio-sub000/pmpio"
)

// Part is one block of a rank's data.
type Part struct {
	ID     int       `yaml:"id"`
	Values []float64 `yaml:"values,flow"`
}

// Section is what one rank writes into a group file during one dump.
type Section struct {
	Namespace string `yaml:"namespace"`
	Rank      int    `yaml:"rank"`
	Dump      int    `yaml:"dump"`
	RunID     string `yaml:"run_id,omitempty"`
	Parts     []Part `yaml:"parts"`
}

// Lib opens files under Dir.
type Lib struct {
	Dir string
}

var _ pmpio.Callbacks = (*Lib)(nil)

// File is an open handle positioned at one namespace.
type File struct {
	path      string
	namespace string
	dir       pmpio.Direction
	f         *os.File
	sections  []Section
}

func (l *Lib) path(filename string) string {
	return filepath.Join(l.Dir, filename)
}

// Create truncates or creates the file for writing.
func (l *Lib) Create(filename, namespace string, _ any) (pmpio.Handle, error) {
	p := l.path(filename)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &File{path: p, namespace: namespace, dir: pmpio.Write, f: f}, nil
}

// Open opens an existing file. Writers append after the sections already in
// the file; readers load the sections of namespace.
func (l *Lib) Open(filename, namespace string, dir pmpio.Direction, _ any) (pmpio.Handle, error) {
	p := l.path(filename)
	if dir == pmpio.Write {
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			return nil, err
		}
		return &File{path: p, namespace: namespace, dir: dir, f: f}, nil
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	h := &File{path: p, namespace: namespace, dir: dir, f: f}
	dec := yaml.NewDecoder(f)
	for {
		var s Section
		err := dec.Decode(&s)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("yamlio: %s: %w", p, err)
		}
		if s.Namespace == namespace {
			h.sections = append(h.sections, s)
		}
	}
	return h, nil
}

// Close flushes a writer to stable storage and closes the file.
func (l *Lib) Close(h pmpio.Handle, _ any) error {
	file, ok := h.(*File)
	if !ok || file == nil {
		return fmt.Errorf("yamlio: not a yamlio handle: %T", h)
	}
	return file.close()
}

func (f *File) close() error {
	if f.f == nil {
		return errors.New("yamlio: file already closed")
	}
	var err error
	if f.dir == pmpio.Write {
		err = f.f.Sync()
	}
	err = errors.Join(err, f.f.Close())
	f.f = nil
	return err
}

// Path is the location of the underlying file.
func (f *File) Path() string { return f.path }

// Namespace is the namespace the handle is positioned at.
func (f *File) Namespace() string { return f.namespace }

// Write appends s as a new document, in the handle's namespace.
func (f *File) Write(s Section) error {
	if f.dir != pmpio.Write {
		return errors.New("yamlio: handle opened for reading")
	}
	s.Namespace = f.namespace
	b, err := yaml.Marshal(&s)
	if err != nil {
		return err
	}
	// every document starts with its own marker so appends from separate
	// handles never run together
	if _, err := f.f.Write(append([]byte("---\n"), b...)); err != nil {
		return err
	}
	return nil
}

// Sections returns the sections of the namespace, in file order.
func (f *File) Sections() []Section {
	return f.sections
}
