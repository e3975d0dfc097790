// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package xmmboot

import (
	"encoding/binary"
	"fmt"

	"github.com/openchirp/xmmboot/profile"
	"github.com/openchirp/xmmboot/transport/transporttest"
)

const (
	simProbe = iota
	simPSI
	simEBL
	simCommands
	simDone
)

// modemSim plays the modem side of the boot exchange on a
// transporttest transport.
type modemSim struct {
	p *profile.Profile

	// deaf, when it returns true, drops the write unanswered.
	deaf func() bool
	// badPSIAck answers the PSI with a full read budget of wrong acks.
	badPSIAck bool
	// corruptEcho counts echoes to corrupt per command.
	corruptEcho map[profile.CommandID]int
	// zeroEcho counts echoes to replace with a zero length word.
	zeroEcho map[profile.CommandID]int
	// cutPreamble, when positive, stops the modem after that many PSI
	// preamble bytes.
	cutPreamble int
	chipID      byte

	state int
	phase int
	need  int
	buf   []byte

	psi        []byte
	ebl        []byte
	portConfig []byte
	commands   []Command
	errs       []string
}

func newModemSim(p *profile.Profile) *modemSim {
	return &modemSim{
		p:           p,
		corruptEcho: map[profile.CommandID]int{},
		zeroEcho:    map[profile.CommandID]int{},
		chipID:      0x31,
	}
}

func (m *modemSim) errorf(format string, args ...interface{}) {
	m.errs = append(m.errs, fmt.Sprintf(format, args...))
}

func (m *modemSim) expect(state, need int) {
	m.state, m.need, m.buf = state, need, nil
}

// fill accumulates w and reports whether the expected block is complete.
func (m *modemSim) fill(w []byte) bool {
	m.buf = append(m.buf, w...)
	return len(m.buf) >= m.need
}

func (m *modemSim) ack(v uint16) []byte {
	b := make([]byte, m.p.Acks.Width)
	if len(b) == 1 {
		b[0] = byte(v)
	} else {
		binary.LittleEndian.PutUint16(b, v)
	}
	return b
}

func (m *modemSim) regionLen(name string) int {
	r, err := m.p.Region(name)
	if err != nil {
		panic(err)
	}
	return int(r.Length)
}

func (m *modemSim) respond(h *transporttest.Handle, w []byte) {
	if m.deaf != nil && m.deaf() {
		return
	}
	le := binary.LittleEndian
	switch m.state {
	case simProbe:
		if string(w) != m.p.Probe.Message {
			return
		}
		if m.p.Dialect == profile.HSIC {
			h.Queue([]byte{byte(m.p.Acks.Boot)}, []byte{m.chipID})
		} else {
			boot := make([]byte, 4)
			le.PutUint16(boot, m.p.Acks.Boot)
			h.Queue(boot)
		}
		m.expect(simPSI, 4+m.regionLen(profile.RegionPSI)+len(psiTrailer(m.p.PSIChecksum, 0)))

	case simPSI:
		if !m.fill(w) {
			return
		}
		n := m.regionLen(profile.RegionPSI)
		m.psi = append([]byte(nil), m.buf[4:4+n]...)
		if got, want := m.buf[4+n:], psiTrailer(m.p.PSIChecksum, xorSum(m.psi)); string(got) != string(want) {
			m.errorf("psi trailer %x, want %x", got, want)
		}
		if m.cutPreamble > 0 {
			h.Queue(make([]byte, m.cutPreamble))
			m.expect(simDone, 0)
			return
		}
		if m.badPSIAck {
			if m.p.Acks.PSIPreamble > 0 {
				h.Queue(make([]byte, m.p.Acks.PSIPreamble))
			}
			for i := 0; i < m.p.Retry.AckReads; i++ {
				h.Queue(m.ack(m.p.Acks.PSI ^ 0x0F0F))
			}
			m.expect(simDone, 0)
			return
		}
		if m.p.Acks.PSIPreamble > 0 {
			h.Queue(make([]byte, m.p.Acks.PSIPreamble))
		}
		h.Queue(m.ack(m.p.Acks.PSI))
		m.phase = 0
		if m.p.Dialect == profile.MIPI {
			m.expect(simEBL, 12)
		} else {
			m.expect(simEBL, 4)
		}

	case simEBL:
		if !m.fill(w) {
			return
		}
		m.eblStep(h)

	case simCommands:
		m.command(h, w)
	}
}

func (m *modemSim) eblStep(h *transporttest.Handle) {
	le := binary.LittleEndian
	size := m.regionLen(profile.RegionEBL)
	switch {
	case m.p.Dialect == profile.MIPI && m.phase == 0:
		if le.Uint32(m.buf) != 8 || le.Uint16(m.buf[8:]) != 2 || le.Uint16(m.buf[10:]) != 2 {
			m.errorf("ebl boot magic %x", m.buf)
		}
		h.Queue(m.ack(m.p.Acks.EBLMagic))
		m.expect(simEBL, 8)
		m.phase = 1
	case m.p.Dialect == profile.MIPI && m.phase == 1:
		if le.Uint32(m.buf) != 4 || int(le.Uint32(m.buf[4:])) != size {
			m.errorf("ebl size block %x", m.buf)
		}
		h.Queue(m.ack(m.p.Acks.EBLSize))
		m.expect(simEBL, 4+size+1)
		m.phase = 2
	case m.phase == 0:
		if int(le.Uint32(m.buf)) != size {
			m.errorf("ebl size %x", m.buf)
		}
		h.Queue(m.ack(m.p.Acks.EBLSize))
		m.expect(simEBL, size+1)
		m.phase = 2
	default:
		data := m.buf
		if m.p.Dialect == profile.MIPI {
			if int(le.Uint32(data)) != size+1 {
				m.errorf("ebl length word %x", data[:4])
			}
			data = data[4:]
		}
		m.ebl = append([]byte(nil), data[:size]...)
		if data[size] != xorSum(m.ebl) {
			m.errorf("ebl checksum 0x%02X", data[size])
		}
		h.Queue(m.ack(m.p.Acks.EBL))
		m.queuePortConfig(h)
		m.expect(simCommands, 0)
	}
}

func (m *modemSim) queuePortConfig(h *transporttest.Handle) {
	if m.p.Dialect == profile.HSIC {
		m.portConfig = make([]byte, m.p.PortConfigSize)
		for i := range m.portConfig {
			m.portConfig[i] = byte(i)
		}
		h.Queue(m.portConfig)
		return
	}
	m.portConfig = []byte("port config 0123")
	head := make([]byte, 4)
	binary.LittleEndian.PutUint32(head, uint32(len(m.portConfig)))
	h.Queue(head, m.portConfig)
}

func (m *modemSim) lookup(code uint16) (profile.CommandID, profile.Command, bool) {
	for _, id := range []profile.CommandID{
		profile.SetPortConfig, profile.SecStart, profile.SecEnd,
		profile.HwReset, profile.FlashSetAddress, profile.FlashWriteBlock,
	} {
		c, err := m.p.Command(id)
		if err == nil && c.Code == code {
			return id, c, true
		}
	}
	return 0, profile.Command{}, false
}

func (m *modemSim) command(h *transporttest.Handle, w []byte) {
	le := binary.LittleEndian
	codeAt := 6
	if m.p.Dialect == profile.HSIC {
		codeAt = 2
	}
	if len(w) < codeAt+2 {
		m.errorf("short command write %x", w)
		return
	}
	id, entry, ok := m.lookup(le.Uint16(w[codeAt:]))
	if !ok {
		m.errorf("unknown command code 0x%X", le.Uint16(w[codeAt:]))
		return
	}
	c, err := DecodeCommand(m.p.Dialect, w, entry.ShortTail)
	if err != nil {
		m.errorf("%v: %v", id, err)
		return
	}
	c.ID = id
	c.Payload = append([]byte(nil), c.Payload...)
	m.commands = append(m.commands, c)
	if id == profile.HwReset {
		m.expect(simDone, 0)
	}
	if !entry.Ack {
		return
	}

	if m.zeroEcho[id] > 0 {
		m.zeroEcho[id]--
		h.Queue(make([]byte, 4))
		return
	}
	echo := append([]byte(nil), w...)
	if m.corruptEcho[id] > 0 {
		m.corruptEcho[id]--
		le.PutUint16(echo[codeAt:], entry.Code^0x00FF)
	}
	if m.p.Dialect == profile.MIPI {
		padded := (len(echo) + 3) &^ 3
		echo = append(echo, make([]byte, padded-len(echo))...)
		le.PutUint32(echo, uint32(padded-4))
	}
	h.Queue(echo)
}

// sent returns the commands with id, in order.
func (m *modemSim) sent(id profile.CommandID) []Command {
	var cs []Command
	for _, c := range m.commands {
		if c.ID == id {
			cs = append(cs, c)
		}
	}
	return cs
}

