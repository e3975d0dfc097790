// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package datagram implements transport.Transport over packet sockets.
//
// Each Read returns exactly one datagram and each Write sends one, so
// runtime messages keep their boundaries. Opening a channel first brings
// the associated network interface up.
package datagram

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/openchirp/xmmboot/transport"
)

const defaultMaxDatagram = 0x80000 + 6

// Endpoint is the local and remote address of one channel.
type Endpoint struct {
	Local  string
	Remote string
}

type Config struct {
	// Network is a packet network accepted by net.ListenPacket,
	// typically "unixgram" or "udp".
	Network   string
	Endpoints map[transport.Kind]Endpoint
	// Interface is brought up before the first channel opens.
	Interface string
	// PowerControl is an optional control file accepting "on" and "off".
	PowerControl string
	MaxDatagram  int
}

type Transport struct {
	cfg Config
	log zerolog.Logger
	up  bool
}

func New(cfg Config, log zerolog.Logger) *Transport {
	if cfg.MaxDatagram <= 0 {
		cfg.MaxDatagram = defaultMaxDatagram
	}
	return &Transport{cfg: cfg, log: log}
}

// interfaceUp sets IFF_UP on the named interface.
func interfaceUp(name string) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("datagram: control socket: %w", err)
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return fmt.Errorf("datagram: interface %q: %w", name, err)
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return fmt.Errorf("datagram: get flags of %s: %w", name, err)
	}
	flags := ifr.Uint16()
	if flags&unix.IFF_UP != 0 {
		return nil
	}
	ifr.SetUint16(flags | unix.IFF_UP)
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr); err != nil {
		return fmt.Errorf("datagram: set flags of %s: %w", name, err)
	}
	return nil
}

func (t *Transport) resolve(addr string) (net.Addr, error) {
	switch t.cfg.Network {
	case "unixgram":
		return net.ResolveUnixAddr(t.cfg.Network, addr)
	case "udp", "udp4", "udp6":
		return net.ResolveUDPAddr(t.cfg.Network, addr)
	}
	return nil, fmt.Errorf("datagram: unsupported network %q", t.cfg.Network)
}

// Open implements transport.Transport.
func (t *Transport) Open(kind transport.Kind) (transport.Handle, error) {
	ep, ok := t.cfg.Endpoints[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %v", transport.ErrUnsupportedKind, kind)
	}
	if t.cfg.Interface != "" && !t.up {
		if err := interfaceUp(t.cfg.Interface); err != nil {
			return nil, err
		}
		t.up = true
	}
	remote, err := t.resolve(ep.Remote)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket(t.cfg.Network, ep.Local)
	if err != nil {
		return nil, fmt.Errorf("datagram: listen %s: %w", ep.Local, err)
	}
	t.log.Debug().Str("local", ep.Local).Str("remote", ep.Remote).Stringer("kind", kind).Msg("opened datagram channel")
	return &handle{conn: conn, remote: remote, max: t.cfg.MaxDatagram}, nil
}

func (t *Transport) power(value string) error {
	if t.cfg.PowerControl == "" {
		return nil
	}
	if err := os.WriteFile(t.cfg.PowerControl, []byte(value), 0); err != nil {
		return fmt.Errorf("datagram: power %s: %w", value, err)
	}
	return nil
}

func (t *Transport) PowerOn() error {
	return t.power("on")
}

func (t *Transport) PowerOff() error {
	return t.power("off")
}

type handle struct {
	conn    net.PacketConn
	remote  net.Addr
	max     int
	pending []byte
	closed  bool
}

func timedOut(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (h *handle) receive(timeout time.Duration) ([]byte, error) {
	if err := h.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := make([]byte, h.max)
	n, _, err := h.conn.ReadFrom(buf)
	if err != nil {
		if timedOut(err) {
			return nil, transport.ErrTimedOut
		}
		return nil, fmt.Errorf("datagram: read: %w", err)
	}
	return buf[:n], nil
}

// Read returns the next datagram, or the unread rest of the last one.
// A datagram longer than p is split across reads.
func (h *handle) Read(p []byte, timeout time.Duration) (int, error) {
	if h.closed {
		return 0, transport.ErrClosed
	}
	if len(h.pending) == 0 {
		d, err := h.receive(timeout)
		if err != nil {
			return 0, err
		}
		h.pending = d
	}
	n := copy(p, h.pending)
	h.pending = h.pending[n:]
	return n, nil
}

func (h *handle) Write(p []byte, timeout time.Duration) (int, error) {
	if h.closed {
		return 0, transport.ErrClosed
	}
	if err := h.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := h.conn.WriteTo(p, h.remote)
	if err != nil {
		if timedOut(err) {
			return n, transport.ErrTimedOut
		}
		return n, fmt.Errorf("datagram: write: %w", err)
	}
	return n, nil
}

// Poll receives the next datagram ahead of time and keeps it for Read.
func (h *handle) Poll(timeout time.Duration) error {
	if h.closed {
		return transport.ErrClosed
	}
	if len(h.pending) > 0 {
		return nil
	}
	d, err := h.receive(timeout)
	if err != nil {
		return err
	}
	h.pending = d
	return nil
}

func (h *handle) Close() error {
	if h.closed {
		return transport.ErrClosed
	}
	h.closed = true
	return h.conn.Close()
}
