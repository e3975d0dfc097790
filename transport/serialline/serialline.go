// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package serialline implements transport.Transport over raw serial
// lines, for modems wired to a UART instead of the kernel link driver.
package serialline

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/openchirp/xmmboot/transport"
)

const (
	defaultBaudRate = 115200
	// go-serial takes the inter-character timeout in milliseconds and
	// rounds it to tenths of a second.
	defaultInterCharacterTimeout = 100
	pollChunk                    = 256
)

// openPort is replaced in tests.
var openPort = serial.Open

// Config describes the serial lines of one device.
type Config struct {
	Paths    map[transport.Kind]string
	BaudRate uint
	// InterCharacterTimeout bounds a single read in milliseconds.
	InterCharacterTimeout uint
	RTSCTSFlowControl     bool
	// PowerSwitch is an optional control file accepting "on" and "off".
	PowerSwitch string
}

type Transport struct {
	cfg Config
	log zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Transport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = defaultBaudRate
	}
	if cfg.InterCharacterTimeout == 0 {
		cfg.InterCharacterTimeout = defaultInterCharacterTimeout
	}
	return &Transport{cfg: cfg, log: log}
}

// Open implements transport.Transport.
func (t *Transport) Open(kind transport.Kind) (transport.Handle, error) {
	path, ok := t.cfg.Paths[kind]
	if !ok || path == "" {
		return nil, fmt.Errorf("%w: %v", transport.ErrUnsupportedKind, kind)
	}
	options := serial.OpenOptions{
		PortName:              path,
		BaudRate:              t.cfg.BaudRate,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: t.cfg.InterCharacterTimeout,
		RTSCTSFlowControl:     t.cfg.RTSCTSFlowControl,
	}
	port, err := openPort(options)
	if err != nil {
		return nil, fmt.Errorf("serialline: open %s: %w", path, err)
	}
	t.log.Debug().Str("port", path).Uint("baud", t.cfg.BaudRate).Msg("opened serial line")
	return &handle{port: port, path: path, now: time.Now}, nil
}

func (t *Transport) power(value string) error {
	if t.cfg.PowerSwitch == "" {
		return nil
	}
	if err := os.WriteFile(t.cfg.PowerSwitch, []byte(value), 0); err != nil {
		return fmt.Errorf("serialline: power %s: %w", value, err)
	}
	return nil
}

func (t *Transport) PowerOn() error {
	return t.power("on")
}

func (t *Transport) PowerOff() error {
	return t.power("off")
}

type fder interface {
	Fd() uintptr
}

type handle struct {
	port    io.ReadWriteCloser
	path    string
	pending []byte
	closed  bool
	now     func() time.Time
}

// readUntil retries reads until data arrives or timeout passes. Each
// port read is bounded by the inter-character timeout, and an expired
// read comes back empty.
func (h *handle) readUntil(p []byte, timeout time.Duration) (int, error) {
	deadline := h.now().Add(timeout)
	for {
		n, err := h.port.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, fmt.Errorf("serialline: read %s: %w", h.path, err)
		}
		if !h.now().Before(deadline) {
			return 0, transport.ErrTimedOut
		}
	}
}

func (h *handle) Read(p []byte, timeout time.Duration) (int, error) {
	if h.closed {
		return 0, transport.ErrClosed
	}
	if len(h.pending) > 0 {
		n := copy(p, h.pending)
		h.pending = h.pending[n:]
		return n, nil
	}
	return h.readUntil(p, timeout)
}

// Write ignores timeout; the line driver paces writes itself.
func (h *handle) Write(p []byte, timeout time.Duration) (int, error) {
	if h.closed {
		return 0, transport.ErrClosed
	}
	n, err := h.port.Write(p)
	if err != nil {
		return n, fmt.Errorf("serialline: write %s: %w", h.path, err)
	}
	return n, nil
}

func (h *handle) Poll(timeout time.Duration) error {
	if h.closed {
		return transport.ErrClosed
	}
	if len(h.pending) > 0 {
		return nil
	}
	if f, ok := h.port.(fder); ok {
		fds := []unix.PollFd{{Fd: int32(f.Fd()), Events: unix.POLLIN}}
		for {
			n, err := unix.Poll(fds, int(timeout/time.Millisecond))
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				return fmt.Errorf("serialline: poll %s: %w", h.path, err)
			}
			if n == 0 {
				return transport.ErrTimedOut
			}
			return nil
		}
	}
	buf := make([]byte, pollChunk)
	n, err := h.readUntil(buf, timeout)
	if err != nil {
		return err
	}
	h.pending = append(h.pending, buf[:n]...)
	return nil
}

func (h *handle) Close() error {
	if h.closed {
		return transport.ErrClosed
	}
	h.closed = true
	return h.port.Close()
}
