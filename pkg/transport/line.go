// Package transport speaks line-oriented request/response protocols over a
// serial port.
package transport

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// ErrTimeout is returned when no complete reply arrives within the read
// timeout.
var ErrTimeout = errors.New("timed out waiting for reply")

// Port is the part of serial.Port a Line uses.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

var _ Port = serial.Port(nil)

// Line serializes commands to one instrument. It is safe for concurrent use;
// a Query holds the line until its reply is read.
type Line struct {
	mu      sync.Mutex
	port    Port
	name    string
	term    string
	timeout time.Duration
	now     func() time.Time
	pending []byte
}

// Open opens the serial port at path.
func Open(path string, opts PortOptions) (*Line, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open serial port %s", path)
	}
	l, err := NewLine(port, path, opts)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"port":     path,
		"baudRate": mode.BaudRate,
	}).Info("serial port opened")
	return l, nil
}

// NewLine wraps an already open port. name only appears in logs and errors.
func NewLine(port Port, name string, opts PortOptions) (*Line, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	l := &Line{
		port:    port,
		name:    name,
		term:    opts.Terminator,
		timeout: opts.ReadTimeout(),
		now:     time.Now,
	}
	if err := port.SetReadTimeout(l.timeout); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set read timeout on %s", name)
	}
	return l, nil
}

func (l *Line) Name() string { return l.name }

// Write sends cmd without waiting for a reply.
func (l *Line) Write(cmd string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.write(cmd)
}

// Query sends cmd and returns the next reply line without its terminator.
// Stale input left from earlier exchanges is discarded first.
func (l *Line) Query(cmd string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pending = l.pending[:0]
	if err := l.port.ResetInputBuffer(); err != nil {
		return "", pkgerrors.Wrapf(err, "%s: failed to reset input", l.name)
	}
	if err := l.write(cmd); err != nil {
		return "", err
	}
	reply, err := l.readLine()
	if err != nil {
		return "", pkgerrors.Wrapf(err, "%s: query %q", l.name, cmd)
	}
	logrus.WithFields(logrus.Fields{
		"port":  l.name,
		"cmd":   cmd,
		"reply": reply,
	}).Trace("query answered")
	return reply, nil
}

func (l *Line) write(cmd string) error {
	logrus.WithFields(logrus.Fields{
		"port": l.name,
		"cmd":  cmd,
	}).Trace("writing to instrument")

	if _, err := io.WriteString(l.port, cmd+l.term); err != nil {
		return pkgerrors.Wrapf(err, "%s: write %q", l.name, cmd)
	}
	return nil
}

// readLine reads until the terminator. A Read returning no data means the
// port timed out.
func (l *Line) readLine() (string, error) {
	deadline := l.now().Add(l.timeout)
	buf := make([]byte, 256)
	for {
		if i := bytes.Index(l.pending, []byte(l.term)); i >= 0 {
			line := string(l.pending[:i])
			l.pending = append(l.pending[:0], l.pending[i+len(l.term):]...)
			return strings.TrimRight(line, "\r"), nil
		}
		if l.now().After(deadline) {
			return "", ErrTimeout
		}

		n, err := l.port.Read(buf)
		l.pending = append(l.pending, buf[:n]...)
		if err != nil {
			return "", err
		}
		if n == 0 {
			return "", ErrTimeout
		}
	}
}

func (l *Line) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port.Close()
}
