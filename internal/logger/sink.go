package logger

import (
	"errors"
	"io"
	"sync"
)

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Serialize wraps two writers with one shared mutex, so that lines from
// stdout and stderr never interleave when both end up in the same sink.
func Serialize(a, b io.Writer) (io.Writer, io.Writer) {
	mu := &sync.Mutex{}
	return lockedWriter{mu: mu, w: a}, lockedWriter{mu: mu, w: b}
}

// multiWriter writes every line to all sinks. Unlike io.MultiWriter a
// failing sink does not stop delivery to the others.
type multiWriter struct {
	ws []io.Writer
}

// Multi fans out writes. nil writers are skipped.
func Multi(ws ...io.Writer) io.Writer {
	var out []io.Writer
	for _, w := range ws {
		if w != nil {
			out = append(out, w)
		}
	}
	switch len(out) {
	case 0:
		return io.Discard
	case 1:
		return out[0]
	}
	return &multiWriter{ws: out}
}

func (m *multiWriter) Write(p []byte) (int, error) {
	var errs []error
	for _, w := range m.ws {
		if _, err := w.Write(p); err != nil {
			errs = append(errs, err)
		}
	}
	return len(p), errors.Join(errs...)
}

// Outputs are the destinations for one app's stdout and stderr lines.
type Outputs struct {
	Stdout  io.Writer
	Stderr  io.Writer
	closers []io.Closer
}

// Close releases file and network sinks. Console sinks are left open.
func (o *Outputs) Close() error {
	if o == nil {
		return nil
	}
	var errs []error
	for _, c := range o.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	o.closers = nil
	return errors.Join(errs...)
}
