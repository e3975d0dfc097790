// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package chardev

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"github.com/openchirp/xmmboot/transport"
)

// cfmakeraw turns off all terminal input and output processing.
func cfmakeraw(t *unix.Termios) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
}

// rawPTY returns a pty pair with the terminal side in raw mode.
func rawPTY(t *testing.T) (master, tty *os.File) {
	t.Helper()
	master, tty, err := pty.Open()
	if err != nil {
		t.Skipf("no pty available: %v", err)
	}
	t.Cleanup(func() {
		master.Close()
		tty.Close()
	})
	termios, err := unix.IoctlGetTermios(int(tty.Fd()), unix.TCGETS)
	if err != nil {
		t.Fatalf("get termios: %v", err)
	}
	cfmakeraw(termios)
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(int(tty.Fd()), unix.TCSETS, termios); err != nil {
		t.Fatalf("set termios: %v", err)
	}
	return master, tty
}

func TestRequestNumbers(t *testing.T) {
	tests := []struct {
		name string
		got  uint
		want uint
	}{
		{"modem on", ioctlModemOn, 0x6f19},
		{"modem off", ioctlModemOff, 0x6f20},
		{"boot on", ioctlModemBootOn, 0x6f22},
		{"boot off", ioctlModemBootOff, 0x6f23},
		{"status", ioctlModemStatus, 0x6f27},
		{"link enable", ioctlLinkControlEnable, 0x6f30},
		{"link active", ioctlLinkControlActive, 0x6f31},
		{"host wake", ioctlLinkGetHostWake, 0x6f32},
		{"link connected", ioctlLinkConnected, 0x6f33},
	}
	for _, test := range tests {
		if test.got != test.want {
			t.Errorf("%s request = 0x%x, want 0x%x", test.name, test.got, test.want)
		}
	}
}

func TestRoundTripThroughPTY(t *testing.T) {
	master, tty := rawPTY(t)

	tr := New(Config{Paths: map[transport.Kind]string{transport.Boot0: tty.Name()}})
	h, err := tr.Open(transport.Boot0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if err := transport.WriteFull(h, []byte("ATAT"), time.Second); err != nil {
		t.Fatalf("WriteFull: %v", err)
	}
	got := make([]byte, 4)
	if _, err := master.Read(got); err != nil {
		t.Fatalf("master read: %v", err)
	}
	if string(got) != "ATAT" {
		t.Errorf("modem side read %q, want %q", got, "ATAT")
	}

	if err := h.Poll(20 * time.Millisecond); !errors.Is(err, transport.ErrTimedOut) {
		t.Errorf("Poll on idle channel = %v, want ErrTimedOut", err)
	}

	reply := []byte{0x00, 0xaa, 0xcc, 0xcc}
	if _, err := master.Write(reply); err != nil {
		t.Fatalf("master write: %v", err)
	}
	buf := make([]byte, len(reply))
	if err := transport.ReadFull(h, buf, time.Second); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if diff := cmp.Diff(reply, buf); diff != "" {
		t.Errorf("reply mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenUnknownKind(t *testing.T) {
	tr := New(Config{})
	_, err := tr.Open(transport.RawAccess)
	if !errors.Is(err, transport.ErrUnsupportedKind) {
		t.Errorf("Open error = %v, want ErrUnsupportedKind", err)
	}
}

func TestOpenMissingDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "umts_boot0")
	tr := New(Config{Paths: map[transport.Kind]string{transport.Boot0: path}})
	_, err := tr.Open(transport.Boot0)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Open error = %v, want not exist", err)
	}
}

func TestClosedHandle(t *testing.T) {
	_, tty := rawPTY(t)
	tr := New(Config{Paths: map[transport.Kind]string{transport.Boot0: tty.Name()}})
	h, err := tr.Open(transport.Boot0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
	if err := tr.SetModemPower(h, true); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("SetModemPower on closed handle = %v, want ErrClosed", err)
	}
}

func TestSetHostPowerWritesSwitches(t *testing.T) {
	dir := t.TempDir()
	ehci := filepath.Join(dir, "ehci_power")
	ohci := filepath.Join(dir, "ohci_power")
	for _, p := range []string{ehci, ohci} {
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	var slept []time.Duration
	tr := New(Config{HostPower: []string{ehci, ohci}}, WithSleep(func(d time.Duration) {
		slept = append(slept, d)
	}))

	if err := tr.SetHostPower(true); err != nil {
		t.Fatalf("SetHostPower(true): %v", err)
	}
	for _, p := range []string{ehci, ohci} {
		b, err := os.ReadFile(p)
		if err != nil {
			t.Fatal(err)
		}
		if string(b) != "1\n" {
			t.Errorf("%s = %q, want %q", filepath.Base(p), b, "1\n")
		}
	}
	if len(slept) != 2 {
		t.Errorf("slept %d times, want 2", len(slept))
	}
}

func TestSetHostPowerPartialFailure(t *testing.T) {
	dir := t.TempDir()
	ok := filepath.Join(dir, "ehci_power")
	if err := os.WriteFile(ok, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(dir, "nope", "ohci_power")

	tr := New(Config{HostPower: []string{missing, ok}}, WithSleep(func(time.Duration) {}))
	if err := tr.SetHostPower(false); err != nil {
		t.Errorf("SetHostPower with one writable switch = %v, want nil", err)
	}

	tr = New(Config{HostPower: []string{missing}}, WithSleep(func(time.Duration) {}))
	if err := tr.SetHostPower(false); err == nil {
		t.Error("SetHostPower with no writable switch succeeded")
	}
}

func TestModemStateString(t *testing.T) {
	if got := StateOnline.String(); got != "ONLINE" {
		t.Errorf("StateOnline = %q", got)
	}
	if got := ModemState(9).String(); got != "STATE(9)" {
		t.Errorf("ModemState(9) = %q", got)
	}
}
