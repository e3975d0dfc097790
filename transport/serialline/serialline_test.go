// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package serialline

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/rs/zerolog"

	"github.com/openchirp/xmmboot/transport"
)

// fakePort returns one scripted chunk per read and io.EOF once the
// script runs out, like a line whose read timer expired.
type fakePort struct {
	reads   [][]byte
	written bytes.Buffer
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.reads) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.reads[0])
	if n < len(p.reads[0]) {
		p.reads[0] = p.reads[0][n:]
	} else {
		p.reads = p.reads[1:]
	}
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func withPort(t *testing.T, port *fakePort) *serial.OpenOptions {
	t.Helper()
	var got serial.OpenOptions
	saved := openPort
	openPort = func(options serial.OpenOptions) (io.ReadWriteCloser, error) {
		got = options
		return port, nil
	}
	t.Cleanup(func() { openPort = saved })
	return &got
}

func TestOpenOptions(t *testing.T) {
	port := &fakePort{}
	got := withPort(t, port)

	tr := New(Config{Paths: map[transport.Kind]string{transport.Boot0: "/dev/ttyUSB0"}}, zerolog.Nop())
	h, err := tr.Open(transport.Boot0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if got.PortName != "/dev/ttyUSB0" {
		t.Errorf("PortName = %q", got.PortName)
	}
	if got.BaudRate != defaultBaudRate {
		t.Errorf("BaudRate = %d, want %d", got.BaudRate, defaultBaudRate)
	}
	if got.DataBits != 8 || got.StopBits != 1 {
		t.Errorf("framing = %d data / %d stop, want 8/1", got.DataBits, got.StopBits)
	}
	if got.MinimumReadSize != 0 || got.InterCharacterTimeout != defaultInterCharacterTimeout {
		t.Errorf("read timing = min %d / timeout %d", got.MinimumReadSize, got.InterCharacterTimeout)
	}
}

func TestPollKeepsData(t *testing.T) {
	port := &fakePort{reads: [][]byte{{0xf0, 0x2a}}}
	withPort(t, port)

	tr := New(Config{Paths: map[transport.Kind]string{transport.Boot0: "/dev/ttyS1"}}, zerolog.Nop())
	h, err := tr.Open(transport.Boot0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := h.Poll(time.Second); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	buf := make([]byte, 2)
	if err := transport.ReadFull(h, buf, time.Second); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(buf, []byte{0xf0, 0x2a}) {
		t.Errorf("read %x, want f02a", buf)
	}
}

func TestReadTimesOut(t *testing.T) {
	port := &fakePort{}
	withPort(t, port)

	tr := New(Config{Paths: map[transport.Kind]string{transport.Boot0: "/dev/ttyS1"}}, zerolog.Nop())
	h, err := tr.Open(transport.Boot0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := h.Read(make([]byte, 4), 10*time.Millisecond); !errors.Is(err, transport.ErrTimedOut) {
		t.Errorf("Read = %v, want ErrTimedOut", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !port.closed {
		t.Error("port not closed")
	}
	if _, err := h.Write([]byte("ATAT"), time.Second); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Write after close = %v, want ErrClosed", err)
	}
}

func TestWriteReachesPort(t *testing.T) {
	port := &fakePort{}
	withPort(t, port)

	tr := New(Config{Paths: map[transport.Kind]string{transport.Boot0: "/dev/ttyS1"}}, zerolog.Nop())
	h, err := tr.Open(transport.Boot0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := transport.WriteFull(h, []byte("ATAT"), time.Second); err != nil {
		t.Fatalf("WriteFull: %v", err)
	}
	if port.written.String() != "ATAT" {
		t.Errorf("port saw %q", port.written.String())
	}
}

func TestPowerSwitch(t *testing.T) {
	sw := filepath.Join(t.TempDir(), "control")
	if err := os.WriteFile(sw, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	tr := New(Config{PowerSwitch: sw}, zerolog.Nop())
	if err := tr.PowerOn(); err != nil {
		t.Fatalf("PowerOn: %v", err)
	}
	b, _ := os.ReadFile(sw)
	if string(b) != "on" {
		t.Errorf("switch = %q, want on", b)
	}
	if err := New(Config{}, zerolog.Nop()).PowerOff(); err != nil {
		t.Errorf("PowerOff without switch = %v", err)
	}
}

func TestOpenUnknownKind(t *testing.T) {
	tr := New(Config{}, zerolog.Nop())
	if _, err := tr.Open(transport.Formatted); !errors.Is(err, transport.ErrUnsupportedKind) {
		t.Errorf("Open = %v, want ErrUnsupportedKind", err)
	}
}
