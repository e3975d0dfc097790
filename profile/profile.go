// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package profile describes the devices the boot engine can bring up.
//
// A Profile is decoded from a TOML document. The dialect key selects a
// set of defaults (probe string, ACK values, chunk sizes, command table)
// and the document overrides what differs on the device. Profiles are
// validated once at load time and are immutable afterwards.
package profile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/openchirp/xmmboot/firmware"
	"github.com/openchirp/xmmboot/nvdata"
	"github.com/openchirp/xmmboot/transport"
)

// ErrInvalid is wrapped by every profile validation error. Layout
// problems additionally wrap the firmware errors.
var ErrInvalid = fmt.Errorf("%w: invalid device profile", firmware.ErrImage)

var ErrUnknown = errors.New("profile: unknown device profile")

// Dialect selects the boot wire format.
type Dialect string

const (
	MIPI Dialect = "mipi"
	HSIC Dialect = "hsic"
)

// ChecksumVariant selects how the PSI checksum is written.
type ChecksumVariant string

const (
	// ChecksumByte writes the XOR of the PSI as one byte.
	ChecksumByte ChecksumVariant = "byte"
	// ChecksumWord writes xor<<24 | 0xFFFFFF as a little-endian word.
	ChecksumWord ChecksumVariant = "word"
)

// Region names the engine looks up.
const (
	RegionPSI      = "psi"
	RegionEBL      = "ebl"
	RegionSecure   = "sec_start"
	RegionFirmware = "firmware"
	RegionNVData   = "nv_data"
)

var requiredRegions = []string{RegionPSI, RegionEBL, RegionSecure, RegionFirmware}

type Probe struct {
	Message  string        `toml:"message"`
	Interval time.Duration `toml:"interval"`
	Attempts int           `toml:"attempts"`
}

// Acks holds the acknowledgement values of the boot exchange. Width is
// the number of bytes read per ACK after the boot acknowledgement; only
// the low 16 bits of a wider read are compared.
type Acks struct {
	Boot        uint16 `toml:"boot"`
	BootWidth   int    `toml:"boot_width"`
	ChipID      bool   `toml:"chip_id"`
	PSI         uint16 `toml:"psi"`
	PSIPreamble int    `toml:"psi_preamble"`
	EBLMagic    uint16 `toml:"ebl_magic"`
	EBLSize     uint16 `toml:"ebl_size"`
	EBL         uint16 `toml:"ebl"`
	Width       int    `toml:"width"`
}

type Chunks struct {
	PSI  int `toml:"psi"`
	EBL  int `toml:"ebl"`
	Data int `toml:"data"`
}

type Addresses struct {
	Firmware    uint32 `toml:"firmware"`
	Calibration uint32 `toml:"calibration"`
}

type Paths struct {
	// Boot lists one boot channel, or two when the modem moves to a
	// second channel after the PSI.
	Boot      []string `toml:"boot"`
	Formatted string   `toml:"formatted"`
	RawAccess string   `toml:"rawaccess"`
	LinkPM    string   `toml:"link_pm"`
	Image     string   `toml:"image"`
	HostPower []string `toml:"host_power"`
}

// Link selects the power and link sequence around the boot exchange.
type Link struct {
	// HostPowerCycle powers the modem on between host controller off
	// and on, instead of switching modem power off and on.
	HostPowerCycle bool `toml:"host_power_cycle"`
	// WaitConnected waits for the link after power reset.
	WaitConnected bool `toml:"wait_connected"`
	// Reestablish selects the post-reset sequence: "online" waits for the
	// online status and drops boot power, "hostwake" toggles the link.
	Reestablish string `toml:"reestablish"`
}

// MPS is an optional small data file uploaded after the calibration.
type MPS struct {
	Path    string `toml:"path"`
	Size    int    `toml:"size"`
	Address uint32 `toml:"address"`
}

type Timing struct {
	AckTimeout        time.Duration `toml:"ack_timeout"`
	PreambleTimeout   time.Duration `toml:"preamble_timeout"`
	PortConfigTimeout time.Duration `toml:"port_config_timeout"`
	SettleDelay       time.Duration `toml:"settle_delay"`
	WriteTimeout      time.Duration `toml:"write_timeout"`
}

type Retry struct {
	BootAttempts   int           `toml:"boot_attempts"`
	CommandRetries int           `toml:"command_retries"`
	AckReads       int           `toml:"ack_reads"`
	Backoff        time.Duration `toml:"backoff"`
}

// Profile is one device description.
type Profile struct {
	Name           string             `toml:"name"`
	Description    string             `toml:"description"`
	Dialect        Dialect            `toml:"dialect"`
	ImageSize      int64              `toml:"image_size"`
	Regions        []firmware.Region  `toml:"regions"`
	PSIChecksum    ChecksumVariant    `toml:"psi_checksum"`
	PortConfigSize int                `toml:"port_config_size"`
	Probe          Probe              `toml:"probe"`
	Acks           Acks               `toml:"acks"`
	Chunks         Chunks             `toml:"chunks"`
	Addresses      Addresses          `toml:"addresses"`
	Commands       map[string]Command `toml:"commands"`
	Paths          Paths              `toml:"paths"`
	Link           Link               `toml:"link"`
	Calibration    nvdata.Config      `toml:"calibration"`
	MPS            *MPS               `toml:"mps"`
	Timing         Timing             `toml:"timing"`
	Retry          Retry              `toml:"retry"`

	table map[CommandID]Command
}

func defaults(d Dialect) Profile {
	p := Profile{
		Dialect: d,
		Probe: Probe{
			Message:  "ATAT",
			Interval: 100 * time.Millisecond,
			Attempts: 50,
		},
		Addresses: Addresses{
			Firmware:    0x60300000,
			Calibration: 0x60E80000,
		},
		Paths: Paths{
			Formatted: "/dev/umts_ipc0",
			RawAccess: "/dev/umts_rfs0",
			LinkPM:    "/dev/link_pm",
		},
		Calibration: nvdata.DefaultConfig(),
		Timing: Timing{
			AckTimeout:        time.Second,
			PreambleTimeout:   100 * time.Millisecond,
			PortConfigTimeout: 2 * time.Second,
			SettleDelay:       300 * time.Millisecond,
			WriteTimeout:      time.Second,
		},
		Retry: Retry{
			BootAttempts:   5,
			CommandRetries: 3,
			AckReads:       50,
			Backoff:        500 * time.Millisecond,
		},
	}
	switch d {
	case MIPI:
		p.PSIChecksum = ChecksumWord
		p.Acks = Acks{Boot: 0xFFFF, BootWidth: 4, PSI: 0xDD01, EBLMagic: 0xAA00, EBLSize: 0xCCCC, EBL: 0xA551, Width: 4}
		p.Chunks = Chunks{PSI: 0x1000, EBL: 0xDFC, Data: 0xDF2}
		p.Commands = mipiCommands()
		p.Link.Reestablish = "online"
	case HSIC:
		p.PSIChecksum = ChecksumByte
		p.PortConfigSize = 0x4C
		p.Acks = Acks{Boot: 0xF0, BootWidth: 1, ChipID: true, PSI: 0xAA00, PSIPreamble: 22 + 2, EBLSize: 0xCCCC, EBL: 0xA551, Width: 2}
		p.Chunks = Chunks{PSI: 0x1000, EBL: 0x4000, Data: 0x4000}
		p.Commands = hsicCommands()
		p.Paths.HostPower = []string{
			"/sys/devices/platform/s5p-ehci/ehci_power",
			"/sys/devices/platform/s5p-ohci/ohci_power",
		}
		p.Link = Link{HostPowerCycle: true, WaitConnected: true, Reestablish: "hostwake"}
	}
	return p
}

type header struct {
	Dialect Dialect `toml:"dialect"`
}

// Decode parses and validates one profile document.
func Decode(doc string) (*Profile, error) {
	var h header
	if _, err := toml.Decode(doc, &h); err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}
	if h.Dialect != MIPI && h.Dialect != HSIC {
		return nil, fmt.Errorf("%w: dialect %q", ErrInvalid, h.Dialect)
	}

	p := defaults(h.Dialect)
	md, err := toml.Decode(doc, &p)
	if err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}
	if !md.IsDefined("name") {
		return nil, fmt.Errorf("%w: missing name", ErrInvalid)
	}
	if md.IsDefined("mps") && p.MPS != nil && p.MPS.Address == 0 {
		p.MPS.Address = 0x61080000
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", p.Name, err)
	}
	return &p, nil
}

func (p *Profile) validate() error {
	if p.ImageSize <= 0 {
		return fmt.Errorf("%w: image size 0x%x", ErrInvalid, p.ImageSize)
	}
	if err := firmware.ValidateLayout(p.ImageSize, p.Regions); err != nil {
		return err
	}
	for _, name := range requiredRegions {
		if _, err := p.Region(name); err != nil {
			return err
		}
	}
	if p.PSIChecksum != ChecksumByte && p.PSIChecksum != ChecksumWord {
		return fmt.Errorf("%w: psi checksum %q", ErrInvalid, p.PSIChecksum)
	}
	if p.Chunks.PSI <= 0 || p.Chunks.EBL <= 0 || p.Chunks.Data <= 0 {
		return fmt.Errorf("%w: chunk sizes %+v", ErrInvalid, p.Chunks)
	}
	if p.Probe.Message == "" || p.Probe.Attempts <= 0 || p.Probe.Interval <= 0 {
		return fmt.Errorf("%w: probe %+v", ErrInvalid, p.Probe)
	}
	for _, w := range []int{p.Acks.BootWidth, p.Acks.Width} {
		if w != 1 && w != 2 && w != 4 {
			return fmt.Errorf("%w: ack width %d", ErrInvalid, w)
		}
	}
	if n := len(p.Paths.Boot); n != 1 && n != 2 {
		return fmt.Errorf("%w: %d boot channels", ErrInvalid, n)
	}
	if p.Retry.BootAttempts <= 0 || p.Retry.CommandRetries <= 0 || p.Retry.AckReads <= 0 {
		return fmt.Errorf("%w: retry policy %+v", ErrInvalid, p.Retry)
	}
	if p.Link.Reestablish != "online" && p.Link.Reestablish != "hostwake" && p.Link.Reestablish != "none" {
		return fmt.Errorf("%w: link reestablish %q", ErrInvalid, p.Link.Reestablish)
	}
	if p.MPS != nil && (p.MPS.Path == "" || p.MPS.Size <= 0) {
		return fmt.Errorf("%w: mps %+v", ErrInvalid, *p.MPS)
	}
	if p.Calibration.Size <= 0 {
		return fmt.Errorf("%w: calibration size %d", ErrInvalid, p.Calibration.Size)
	}

	table := make(map[CommandID]Command, len(commandIDs))
	for _, id := range commandIDs {
		c, ok := p.Commands[id.Key()]
		if !ok || c.Code == 0 {
			return fmt.Errorf("%w: command %v not defined", ErrInvalid, id)
		}
		if p.Dialect == HSIC && c.FrameSize <= 0 {
			return fmt.Errorf("%w: command %v has no frame size", ErrInvalid, id)
		}
		table[id] = c
	}
	if len(p.Commands) != len(commandIDs) {
		return fmt.Errorf("%w: unknown entries in command table", ErrInvalid)
	}
	if p.Dialect == HSIC && table[FlashWriteBlock].FrameSize < p.Chunks.Data {
		return fmt.Errorf("%w: data chunk 0x%x exceeds write block frame 0x%x",
			ErrInvalid, p.Chunks.Data, table[FlashWriteBlock].FrameSize)
	}
	p.table = table
	return nil
}

// Region returns the named region.
func (p *Profile) Region(name string) (firmware.Region, error) {
	for _, r := range p.Regions {
		if r.Name == name {
			return r, nil
		}
	}
	return firmware.Region{}, fmt.Errorf("%w: %q", firmware.ErrNoRegion, name)
}

// Command returns the table entry for id.
func (p *Profile) Command(id CommandID) (Command, error) {
	c, ok := p.table[id]
	if !ok {
		return Command{}, fmt.Errorf("%w: command %v not defined", ErrInvalid, id)
	}
	return c, nil
}

// BootChannels returns the boot channel kinds in use order.
func (p *Profile) BootChannels() []transport.Kind {
	if len(p.Paths.Boot) == 2 {
		return []transport.Kind{transport.Boot0, transport.Boot1}
	}
	return []transport.Kind{transport.Boot0}
}

// DevicePaths maps channel kinds to the profile's device files.
func (p *Profile) DevicePaths() map[transport.Kind]string {
	m := map[transport.Kind]string{}
	for i, path := range p.Paths.Boot {
		m[transport.Boot0+transport.Kind(i)] = path
	}
	for kind, path := range map[transport.Kind]string{
		transport.Formatted: p.Paths.Formatted,
		transport.RawAccess: p.Paths.RawAccess,
		transport.LinkPM:    p.Paths.LinkPM,
	} {
		if path != "" {
			m[kind] = path
		}
	}
	return m
}

func (p *Profile) String() string {
	return fmt.Sprintf("%s (%s)", p.Name, p.Dialect)
}
