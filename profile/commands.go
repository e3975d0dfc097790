package profile

import (
	"fmt"
)

// CommandID names a boot command independently of its wire code.
type CommandID int

// CommandID constants
const (
	SetPortConfig CommandID = iota
	SecStart
	SecEnd
	HwReset
	FlashSetAddress
	FlashWriteBlock
)

var commandIDs = []CommandID{
	SetPortConfig,
	SecStart,
	SecEnd,
	HwReset,
	FlashSetAddress,
	FlashWriteBlock,
}

var cmd2String = map[CommandID]string{
	SetPortConfig:   "SET_PORT_CONFIG",
	SecStart:        "SEC_START",
	SecEnd:          "SEC_END",
	HwReset:         "HW_RESET",
	FlashSetAddress: "FLASH_SET_ADDRESS",
	FlashWriteBlock: "FLASH_WRITE_BLOCK",
}

// cmd2Key maps each command to its key in the [commands] table.
var cmd2Key = map[CommandID]string{
	SetPortConfig:   "set_port_config",
	SecStart:        "sec_start",
	SecEnd:          "sec_end",
	HwReset:         "hw_reset",
	FlashSetAddress: "flash_set_address",
	FlashWriteBlock: "flash_write_block",
}

func (c CommandID) String() string {
	if str, ok := cmd2String[c]; ok {
		return str
	}
	return fmt.Sprintf("COMMAND(%d)", int(c))
}

// Key returns the profile table key of c.
func (c CommandID) Key() string {
	return cmd2Key[c]
}

// Command is one entry of the boot-command table.
type Command struct {
	Code uint16 `toml:"code"`
	// Ack is set when the modem echoes the command.
	Ack bool `toml:"ack"`
	// ShortTail drops the trailing footer magic on the MIPI dialect.
	ShortTail bool `toml:"short_tail"`
	// FrameSize is the zero-padded payload size on the HSIC dialect.
	FrameSize int `toml:"frame_size"`
}

func mipiCommands() map[string]Command {
	return map[string]Command{
		"set_port_config":   {Code: 0x86, Ack: true},
		"sec_start":         {Code: 0x204, Ack: true},
		"sec_end":           {Code: 0x205, Ack: true, ShortTail: true},
		"hw_reset":          {Code: 0x208, ShortTail: true},
		"flash_set_address": {Code: 0x802, Ack: true},
		"flash_write_block": {Code: 0x804, Ack: true, ShortTail: true},
	}
}

func hsicCommands() map[string]Command {
	return map[string]Command{
		"set_port_config":   {Code: 0x86, Ack: true, FrameSize: 0x800},
		"sec_start":         {Code: 0x204, Ack: true, FrameSize: 0x4000},
		"sec_end":           {Code: 0x205, Ack: true, FrameSize: 0x4000},
		"hw_reset":          {Code: 0x208, FrameSize: 0x4000},
		"flash_set_address": {Code: 0x802, Ack: true, FrameSize: 0x4000},
		"flash_write_block": {Code: 0x804, FrameSize: 0x4000},
	}
}
