// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package xmmboot

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"

	"github.com/openchirp/xmmboot/metrics"
	"github.com/openchirp/xmmboot/profile"
)

const hwResetMagic uint32 = 0x111001

// eblBootMagic opens the MIPI EBL exchange.
var eblBootMagic = []uint16{0x0000, 0x0000, 0x0002, 0x0002}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func (s *session) powerReset() error {
	if s.lc == nil {
		if err := s.t.PowerOff(); err != nil {
			return fmt.Errorf("power off: %w", err)
		}
		if err := s.t.PowerOn(); err != nil {
			return fmt.Errorf("power on: %w", err)
		}
		return nil
	}

	if err := s.open(s.p.BootChannels()[0]); err != nil {
		return err
	}
	h := s.link.h
	if s.p.Link.HostPowerCycle {
		if err := s.lc.SetHostPower(false); err != nil {
			return fmt.Errorf("host power off: %w", err)
		}
		err := multierr.Append(s.lc.SetModemPower(h, true), s.lc.SetHostPower(true))
		if err != nil {
			return fmt.Errorf("power on: %w", err)
		}
		return nil
	}
	if err := s.lc.SetModemPower(h, false); err != nil {
		return fmt.Errorf("modem power off: %w", err)
	}
	if err := s.lc.SetModemPower(h, true); err != nil {
		return fmt.Errorf("modem power on: %w", err)
	}
	return nil
}

func (s *session) linkEstablish() error {
	if s.link == nil {
		if err := s.open(s.p.BootChannels()[0]); err != nil {
			return err
		}
	}
	if s.lc != nil && s.p.Link.WaitConnected {
		if err := s.lc.WaitLinkConnected(); err != nil {
			return fmt.Errorf("wait link connected: %w", err)
		}
	}
	return nil
}

func (s *session) handshake() error {
	l := s.link
	if err := l.probe(); err != nil {
		return err
	}
	if err := l.waitAck("boot", s.p.Acks.BootWidth, s.p.Acks.Boot, s.p.Timing.AckTimeout); err != nil {
		return err
	}
	if s.p.Acks.ChipID {
		id := make([]byte, 1)
		if err := l.read(id, s.p.Timing.PreambleTimeout); err != nil {
			return fmt.Errorf("chip id: %w", err)
		}
		s.log.Info().Msgf("chip id 0x%02X", id[0])
	}
	return nil
}

// sendChunks writes data in chunk sized writes and reports progress.
func (s *session) sendChunks(data []byte, chunk int) error {
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		if err := s.link.write(data[off:end]); err != nil {
			return err
		}
		s.progress(end, len(data))
	}
	if s.cfg.Metrics {
		metrics.RecordBytes(s.p.Name, s.stage.String(), len(data))
	}
	return nil
}

func (s *session) region(name string) ([]byte, error) {
	r, err := s.p.Region(name)
	if err != nil {
		return nil, err
	}
	return s.img.Region(r)
}

func (s *session) psiUpload() error {
	psi, err := s.region(profile.RegionPSI)
	if err != nil {
		return err
	}
	s.log.Info().Str("size", humanize.IBytes(uint64(len(psi)))).Msg("uploading PSI")
	if err := s.link.write(psiHeader(s.p.Dialect, len(psi))); err != nil {
		return err
	}
	if err := s.sendChunks(psi, s.p.Chunks.PSI); err != nil {
		return err
	}
	return s.link.write(psiTrailer(s.p.PSIChecksum, xorSum(psi)))
}

func (s *session) psiAckWait() error {
	if n := s.p.Acks.PSIPreamble; n > 0 {
		if err := s.link.discard(n, s.p.Timing.PreambleTimeout); err != nil {
			return err
		}
	}
	return s.link.waitAck("psi", s.p.Acks.Width, s.p.Acks.PSI, s.p.Timing.AckTimeout)
}

// switchChannel moves the exchange to the second boot channel.
func (s *session) switchChannel() error {
	if err := s.link.Close(); err != nil {
		s.link = nil
		return fmt.Errorf("close %v: %w", s.p.BootChannels()[0], err)
	}
	s.link = nil
	return s.open(s.p.BootChannels()[1])
}

func (s *session) eblUpload() error {
	ebl, err := s.region(profile.RegionEBL)
	if err != nil {
		return err
	}
	l := s.link
	width, timeout := s.p.Acks.Width, s.p.Timing.AckTimeout
	s.log.Info().Str("size", humanize.IBytes(uint64(len(ebl)))).Msg("uploading EBL")

	if s.p.Dialect == profile.MIPI {
		magic := make([]byte, 2*len(eblBootMagic))
		for i, v := range eblBootMagic {
			binary.LittleEndian.PutUint16(magic[2*i:], v)
		}
		if err := l.write(append(le32(uint32(len(magic))), magic...)); err != nil {
			return err
		}
		if err := l.waitAck("ebl magic", width, s.p.Acks.EBLMagic, timeout); err != nil {
			return err
		}
		if err := l.write(append(le32(4), le32(uint32(len(ebl)))...)); err != nil {
			return err
		}
		if err := l.waitAck("ebl size", width, s.p.Acks.EBLSize, timeout); err != nil {
			return err
		}
		if err := l.writeU32(uint32(len(ebl)) + 1); err != nil {
			return err
		}
	} else {
		if err := l.writeU32(uint32(len(ebl))); err != nil {
			return err
		}
		if err := l.waitAck("ebl size", width, s.p.Acks.EBLSize, timeout); err != nil {
			return err
		}
	}

	if err := s.sendChunks(ebl, s.p.Chunks.EBL); err != nil {
		return err
	}
	if err := l.write([]byte{xorSum(ebl)}); err != nil {
		return err
	}
	return l.waitAck("ebl", width, s.p.Acks.EBL, timeout)
}

func (s *session) portConfig() error {
	cfg, err := s.link.readPortConfig()
	if err != nil {
		return fmt.Errorf("port config: %w", err)
	}
	s.log.Debug().Int("len", len(cfg)).Msg("received port config")
	return s.link.sendCommand(profile.SetPortConfig, cfg)
}

func (s *session) secureStart() error {
	sec, err := s.region(profile.RegionSecure)
	if err != nil {
		return err
	}
	return s.link.sendCommand(profile.SecStart, sec)
}

// upload sends data to addr with FLASH_SET_ADDRESS and FLASH_WRITE_BLOCK.
func (s *session) upload(addr uint32, data []byte) error {
	s.log.Info().Str("size", humanize.IBytes(uint64(len(data)))).Msgf("uploading to 0x%08X", addr)
	if err := s.link.sendCommand(profile.FlashSetAddress, le32(addr)); err != nil {
		return err
	}
	chunk := s.p.Chunks.Data
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		if err := s.link.sendCommand(profile.FlashWriteBlock, data[off:end]); err != nil {
			return fmt.Errorf("block at 0x%x: %w", off, err)
		}
		s.progress(end, len(data))
	}
	if s.cfg.Metrics {
		metrics.RecordBytes(s.p.Name, s.stage.String(), len(data))
	}
	s.settle()
	return nil
}

func (s *session) firmwareUpload() error {
	fw, err := s.region(profile.RegionFirmware)
	if err != nil {
		return err
	}
	return s.upload(s.p.Addresses.Firmware, fw)
}

func (s *session) calibrationUpload() error {
	if s.cal == nil {
		return fmt.Errorf("%w: no calibration provider", ErrIntegrity)
	}
	if !s.cal.Verify() {
		s.log.Warn().Msg("calibration data failed verification, loading will try the backup")
	}
	data, err := s.cal.Load()
	if err != nil {
		return fmt.Errorf("load calibration: %w", err)
	}
	return s.upload(s.p.Addresses.Calibration, data)
}

func (s *session) mpsUpload() error {
	data, err := readMPS(s.p.MPS)
	if err != nil {
		return err
	}
	return s.upload(s.p.MPS.Address, data)
}

// readMPS reads exactly the profile's MPS size from its file.
func readMPS(m *profile.MPS) ([]byte, error) {
	f, err := os.Open(m.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: mps data: %v", ErrImage, err)
	}
	defer f.Close()
	buf := make([]byte, m.Size)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("%w: mps data %s: %v", ErrImage, m.Path, err)
	}
	return buf, nil
}

func (s *session) secureEnd() error {
	return s.link.sendCommand(profile.SecEnd, []byte{0, 0})
}

func (s *session) hardwareReset() error {
	return s.link.sendCommand(profile.HwReset, le32(hwResetMagic))
}

func (s *session) linkReestablish() error {
	if s.lc == nil {
		s.settle()
		return nil
	}
	switch s.p.Link.Reestablish {
	case "online":
		if err := s.lc.WaitOnline(s.link.h); err != nil {
			return fmt.Errorf("wait online: %w", err)
		}
		if err := s.lc.SetBootPower(s.link.h, false); err != nil {
			return fmt.Errorf("boot power off: %w", err)
		}
	case "hostwake":
		if err := s.toggleLink(); err != nil {
			return err
		}
	}
	s.settle()
	return nil
}

// toggleLink cycles the host controller and the link after the modem
// has reset into its firmware.
func (s *session) toggleLink() error {
	s.settle()
	if err := s.lc.WaitHostWake(); err != nil {
		s.log.Warn().Err(err).Msg("host wake not seen before link reset")
	}
	err := multierr.Combine(
		s.lc.SetLinkEnable(false),
		s.lc.SetHostPower(false),
		s.lc.SetLinkActive(false),
	)
	if err != nil {
		return fmt.Errorf("link off: %w", err)
	}
	if err := s.lc.WaitHostWake(); err != nil {
		return fmt.Errorf("wait host wake: %w", err)
	}
	err = multierr.Combine(
		s.lc.SetLinkEnable(true),
		s.lc.SetHostPower(true),
		s.lc.SetLinkActive(true),
	)
	if err != nil {
		return fmt.Errorf("link on: %w", err)
	}
	if err := s.lc.WaitLinkConnected(); err != nil {
		return fmt.Errorf("wait link connected: %w", err)
	}
	return nil
}
