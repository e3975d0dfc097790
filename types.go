package xmmboot

import (
	"fmt"
)

// Stage is one step of the bootstrap state machine.
type Stage int

// Stage constants, in boot order
const (
	StagePowerReset = Stage(iota)
	StageLinkEstablish
	StageHandshakeProbe
	StagePsiUpload
	StagePsiAckWait
	StageSecondaryChannelSwitch
	StageEblUpload
	StagePortConfigExchange
	StageSecureStart
	StageFirmwareUpload
	StageCalibrationUpload
	StageMpsUpload
	StageSecureEnd
	StageHardwareReset
	StageLinkReestablish
	StageOnline
	StageFailed
)

var stage2String = map[Stage]string{
	StagePowerReset:             "PowerReset",
	StageLinkEstablish:          "LinkEstablish",
	StageHandshakeProbe:         "HandshakeProbe",
	StagePsiUpload:              "PsiUpload",
	StagePsiAckWait:             "PsiAckWait",
	StageSecondaryChannelSwitch: "SecondaryChannelSwitch",
	StageEblUpload:              "EblUpload",
	StagePortConfigExchange:     "PortConfigExchange",
	StageSecureStart:            "SecureStart",
	StageFirmwareUpload:         "AddressedImageUpload(Firmware)",
	StageCalibrationUpload:      "AddressedImageUpload(CalibrationData)",
	StageMpsUpload:              "AddressedImageUpload(MpsData)",
	StageSecureEnd:              "SecureEnd",
	StageHardwareReset:          "HardwareReset",
	StageLinkReestablish:        "LinkReestablish",
	StageOnline:                 "Online",
	StageFailed:                 "Failed",
}

func (s Stage) String() string {
	if str, ok := stage2String[s]; ok {
		return str
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Kind classifies a bootstrap failure.
type Kind int

// Kind constants
const (
	KindIO = Kind(iota + 1)
	KindTimedOut
	KindProtocol
	KindImage
	KindIntegrity
	KindCanceled
)

var kind2String = map[Kind]string{
	KindIO:        "IoError",
	KindTimedOut:  "TimedOut",
	KindProtocol:  "ProtocolError",
	KindImage:     "ImageError",
	KindIntegrity: "IntegrityError",
	KindCanceled:  "Canceled",
}

func (k Kind) String() string {
	if str, ok := kind2String[k]; ok {
		return str
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Retryable reports whether a failure of kind k restarts the bootstrap.
func (k Kind) Retryable() bool {
	switch k {
	case KindIO, KindTimedOut, KindProtocol:
		return true
	}
	return false
}

// Progress reports the position of a running bootstrap.
type Progress struct {
	Stage   Stage
	Attempt int
	// BytesSent and BytesTotal cover the payload of the current stage.
	BytesSent  int
	BytesTotal int
}

// ProgressCallback is called on every stage entry and after every data
// chunk. It runs on the bootstrap goroutine and must return quickly.
type ProgressCallback func(Progress)
