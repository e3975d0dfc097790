// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package chardev implements transport.Transport over the modem
// character devices exported by the kernel link driver.
//
// Boot and runtime channels are plain device files opened non-blocking.
// Power and link requests are ioctls on those files, and host controller
// power goes through sysfs switches.
package chardev

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/openchirp/xmmboot/transport"
)

// ioc builds an argument-less ioctl request of the modem driver family.
func ioc(nr uint) uint {
	return 'o'<<8 | nr
}

var (
	ioctlModemOn           = ioc(0x19)
	ioctlModemOff          = ioc(0x20)
	ioctlModemBootOn       = ioc(0x22)
	ioctlModemBootOff      = ioc(0x23)
	ioctlModemStatus       = ioc(0x27)
	ioctlLinkControlEnable = ioc(0x30)
	ioctlLinkControlActive = ioc(0x31)
	ioctlLinkGetHostWake   = ioc(0x32)
	ioctlLinkConnected     = ioc(0x33)
)

// ModemState is the value returned by the status request.
type ModemState int

const (
	StateOffline ModemState = iota
	StateCrashReset
	StateCrashExit
	StateBooting
	StateOnline
)

var state2String = map[ModemState]string{
	StateOffline:    "OFFLINE",
	StateCrashReset: "CRASH_RESET",
	StateCrashExit:  "CRASH_EXIT",
	StateBooting:    "BOOTING",
	StateOnline:     "ONLINE",
}

func (s ModemState) String() string {
	if str, ok := state2String[s]; ok {
		return str
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

const (
	pollInterval   = 50 * time.Millisecond
	onlinePolls    = 100
	connectedPolls = 100
	hostWakePolls  = 10
)

var ErrForeignHandle = errors.New("chardev: handle not opened by this transport")

// Config lists the device files and switches of one device.
type Config struct {
	Paths map[transport.Kind]string
	// HostPower lists sysfs switches for the host controller, written
	// in order.
	HostPower []string
	// CheckStatus makes runtime channel reads and writes fail with
	// transport.ErrNotReady unless the modem is booting or online.
	CheckStatus bool
}

// Transport opens modem character devices.
type Transport struct {
	cfg   Config
	log   zerolog.Logger
	sleep func(time.Duration)
	link  *handle
}

type Option func(*Transport)

func WithLogger(log zerolog.Logger) Option {
	return func(t *Transport) {
		t.log = log
	}
}

// WithSleep replaces the function used between status polls.
func WithSleep(fn func(time.Duration)) Option {
	return func(t *Transport) {
		t.sleep = fn
	}
}

func New(cfg Config, opts ...Option) *Transport {
	t := &Transport{
		cfg:   cfg,
		log:   zerolog.Nop(),
		sleep: time.Sleep,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) open(kind transport.Kind) (*handle, error) {
	path, ok := t.cfg.Paths[kind]
	if !ok || path == "" {
		return nil, fmt.Errorf("%w: %v", transport.ErrUnsupportedKind, kind)
	}
	flags := unix.O_RDWR | unix.O_NOCTTY | unix.O_NONBLOCK | unix.O_CLOEXEC
	if kind == transport.LinkPM {
		flags = unix.O_RDWR | unix.O_CLOEXEC
	}
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	runtime := kind == transport.Formatted || kind == transport.RawAccess
	t.log.Debug().Str("path", path).Stringer("kind", kind).Msg("opened device")
	return &handle{
		fd:          fd,
		path:        path,
		checkStatus: t.cfg.CheckStatus && runtime,
	}, nil
}

// Open implements transport.Transport.
func (t *Transport) Open(kind transport.Kind) (transport.Handle, error) {
	h, err := t.open(kind)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Close releases the link power management handle if it was opened.
func (t *Transport) Close() error {
	if t.link == nil {
		return nil
	}
	err := t.link.Close()
	t.link = nil
	return err
}

func (t *Transport) modemPower(on bool) (err error) {
	h, err := t.open(transport.Boot0)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, h.Close())
	}()
	return t.SetModemPower(h, on)
}

// PowerOn switches the modem on through the first boot channel.
func (t *Transport) PowerOn() error {
	return t.modemPower(true)
}

// PowerOff switches the modem off through the first boot channel.
func (t *Transport) PowerOff() error {
	return t.modemPower(false)
}

func own(h transport.Handle) (*handle, error) {
	ch, ok := h.(*handle)
	if !ok || ch == nil {
		return nil, ErrForeignHandle
	}
	if ch.fd < 0 {
		return nil, transport.ErrClosed
	}
	return ch, nil
}

func (t *Transport) request(h transport.Handle, req uint, name string) error {
	ch, err := own(h)
	if err != nil {
		return err
	}
	if err := unix.IoctlSetInt(ch.fd, req, 0); err != nil {
		return fmt.Errorf("chardev: %s on %s: %w", name, ch.path, err)
	}
	return nil
}

func (t *Transport) SetModemPower(h transport.Handle, on bool) error {
	if on {
		return t.request(h, ioctlModemOn, "modem on")
	}
	return t.request(h, ioctlModemOff, "modem off")
}

func (t *Transport) SetBootPower(h transport.Handle, on bool) error {
	if on {
		return t.request(h, ioctlModemBootOn, "boot on")
	}
	return t.request(h, ioctlModemBootOff, "boot off")
}

// Status reads the modem state through h.
func (t *Transport) Status(h transport.Handle) (ModemState, error) {
	ch, err := own(h)
	if err != nil {
		return 0, err
	}
	return ch.status()
}

// WaitOnline polls the modem state until it reports online.
func (t *Transport) WaitOnline(h transport.Handle) error {
	ch, err := own(h)
	if err != nil {
		return err
	}
	for i := 0; i < onlinePolls; i++ {
		state, err := ch.status()
		if err != nil {
			return err
		}
		if state == StateOnline {
			return nil
		}
		t.sleep(pollInterval)
	}
	return fmt.Errorf("chardev: waiting for online status: %w", transport.ErrTimedOut)
}

// SetHostPower writes every host power switch. It fails only when no
// switch could be written.
func (t *Transport) SetHostPower(on bool) error {
	if len(t.cfg.HostPower) == 0 {
		return nil
	}
	value := []byte("0\n")
	if on {
		value = []byte("1\n")
	}
	var errs error
	written := 0
	for _, path := range t.cfg.HostPower {
		if err := os.WriteFile(path, value, 0); err != nil {
			t.log.Debug().Err(err).Str("path", path).Msg("host power switch not written")
			errs = multierr.Append(errs, err)
			continue
		}
		written++
		t.sleep(pollInterval)
	}
	if written == 0 {
		return fmt.Errorf("chardev: host power: %w", errs)
	}
	return nil
}

func (t *Transport) linkHandle() (*handle, error) {
	if t.link != nil {
		return t.link, nil
	}
	h, err := t.open(transport.LinkPM)
	if err != nil {
		return nil, err
	}
	t.link = h
	return h, nil
}

func (t *Transport) linkControl(req uint, name string, on bool) error {
	h, err := t.linkHandle()
	if err != nil {
		return err
	}
	v := 0
	if on {
		v = 1
	}
	if err := unix.IoctlSetPointerInt(h.fd, req, v); err != nil {
		return fmt.Errorf("chardev: %s: %w", name, err)
	}
	return nil
}

func (t *Transport) SetLinkEnable(on bool) error {
	return t.linkControl(ioctlLinkControlEnable, "link enable", on)
}

func (t *Transport) SetLinkActive(on bool) error {
	return t.linkControl(ioctlLinkControlActive, "link active", on)
}

func (t *Transport) linkWait(req uint, polls int, what string) error {
	h, err := t.linkHandle()
	if err != nil {
		return err
	}
	for i := 0; i < polls; i++ {
		v, err := unix.IoctlRetInt(h.fd, req)
		if err != nil {
			return fmt.Errorf("chardev: %s: %w", what, err)
		}
		if v != 0 {
			return nil
		}
		t.sleep(pollInterval)
	}
	return fmt.Errorf("chardev: waiting for %s: %w", what, transport.ErrTimedOut)
}

func (t *Transport) WaitLinkConnected() error {
	return t.linkWait(ioctlLinkConnected, connectedPolls, "link connected")
}

func (t *Transport) WaitHostWake() error {
	return t.linkWait(ioctlLinkGetHostWake, hostWakePolls, "host wake")
}

type handle struct {
	fd          int
	path        string
	checkStatus bool
}

func (h *handle) status() (ModemState, error) {
	v, err := unix.IoctlRetInt(h.fd, ioctlModemStatus)
	if err != nil {
		return 0, fmt.Errorf("chardev: status on %s: %w", h.path, err)
	}
	return ModemState(v), nil
}

func (h *handle) ready() error {
	if h.fd < 0 {
		return transport.ErrClosed
	}
	if !h.checkStatus {
		return nil
	}
	state, err := h.status()
	if err != nil {
		return err
	}
	if state != StateBooting && state != StateOnline {
		return fmt.Errorf("%w: %v", transport.ErrNotReady, state)
	}
	return nil
}

func (h *handle) wait(events int16, timeout time.Duration) error {
	fds := []unix.PollFd{{Fd: int32(h.fd), Events: events}}
	for {
		n, err := unix.Poll(fds, int(timeout/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("chardev: poll %s: %w", h.path, err)
		}
		if n == 0 {
			return transport.ErrTimedOut
		}
		if fds[0].Revents&events == 0 && fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return fmt.Errorf("chardev: poll %s: revents 0x%x", h.path, fds[0].Revents)
		}
		return nil
	}
}

func (h *handle) Poll(timeout time.Duration) error {
	if h.fd < 0 {
		return transport.ErrClosed
	}
	return h.wait(unix.POLLIN, timeout)
}

func (h *handle) Read(p []byte, timeout time.Duration) (int, error) {
	if err := h.ready(); err != nil {
		return 0, err
	}
	if err := h.wait(unix.POLLIN, timeout); err != nil {
		return 0, err
	}
	for {
		n, err := unix.Read(h.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, transport.ErrTimedOut
		case err != nil:
			return 0, fmt.Errorf("chardev: read %s: %w", h.path, err)
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (h *handle) Write(p []byte, timeout time.Duration) (int, error) {
	if err := h.ready(); err != nil {
		return 0, err
	}
	for {
		n, err := unix.Write(h.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if err := h.wait(unix.POLLOUT, timeout); err != nil {
				return 0, err
			}
			continue
		case err != nil:
			return 0, fmt.Errorf("chardev: write %s: %w", h.path, err)
		}
		return n, nil
	}
}

func (h *handle) Close() error {
	if h.fd < 0 {
		return transport.ErrClosed
	}
	err := unix.Close(h.fd)
	h.fd = -1
	return err
}
