// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upb

import (
	"fmt"
	"time"
)

// MessageType classifies a frame received from the PIM.
type MessageType uint8

const (
	TypeUnknown MessageType = iota
	TypeAck
	TypeNak
	TypeAccept
	TypeBusy
	TypeError
	TypeReport
)

func (t MessageType) String() string {
	switch t {
	case TypeAck:
		return "ACK"
	case TypeNak:
		return "NAK"
	case TypeAccept:
		return "ACCEPT"
	case TypeBusy:
		return "BUSY"
	case TypeError:
		return "ERROR"
	case TypeReport:
		return "REPORT"
	default:
		return "UNKNOWN"
	}
}

// Command is a UPB message data id (MDID).
type Command uint8

func (c Command) String() string {
	switch c {
	case CmdNull:
		return "NULL"
	case CmdActivate:
		return "ACTIVATE"
	case CmdDeactivate:
		return "DEACTIVATE"
	case CmdGoto:
		return "GOTO"
	case CmdReportState:
		return "REPORT_STATE"
	case CmdDeviceState:
		return "DEVICE_STATE"
	default:
		return fmt.Sprintf("MDID(0x%02X)", uint8(c))
	}
}

// ControlWord is the two byte UPB packet header.
type ControlWord uint16

// NewControlWord builds a control word for a packet of the given total length.
func NewControlWord(length int, link, ackRequested bool) ControlWord {
	hi := byte(length) & ctlLengthMask
	if link {
		hi |= ctlLink
	}
	var lo byte
	if ackRequested {
		lo |= ctlAckPulse
	}
	return ControlWord(uint16(hi)<<8 | uint16(lo))
}

func (c ControlWord) hi() byte { return byte(c >> 8) }
func (c ControlWord) lo() byte { return byte(c) }

// IsLink reports whether the destination is a link (group) id.
func (c ControlWord) IsLink() bool { return c.hi()&ctlLink != 0 }

// RepeaterRequest returns the 2-bit repeater request field.
func (c ControlWord) RepeaterRequest() uint8 { return (c.hi() & ctlRepeatMask) >> 5 }

// Length returns the packet length field, checksum included.
func (c ControlWord) Length() int { return int(c.hi() & ctlLengthMask) }

// AckRequested reports whether any acknowledgment (pulse, id pulse or message) was requested.
func (c ControlWord) AckRequested() bool { return c.lo()&ctlAckMask != 0 }

// TransmitCount returns the 2-bit transmit count field.
func (c ControlWord) TransmitCount() uint8 { return (c.lo() & ctlCountMask) >> 2 }

// Sequence returns the 2-bit transmit sequence field.
func (c ControlWord) Sequence() uint8 { return c.lo() & ctlSeqMask }

// Message is a decoded PIM frame. Messages are immutable once decoded.
type Message struct {
	msgType     MessageType
	network     uint8
	source      uint8
	destination uint8
	control     ControlWord
	command     Command
	arguments   []byte
	raw         string
	timestamp   time.Time
}

// Type returns the frame classification.
func (m *Message) Type() MessageType { return m.msgType }

// Network returns the network id. Zero for non-report frames.
func (m *Message) Network() uint8 { return m.network }

// Source returns the sending unit id.
func (m *Message) Source() uint8 { return m.source }

// Destination returns the destination id as transmitted.
func (m *Message) Destination() uint8 { return m.destination }

// ControlWord returns the packet control word.
func (m *Message) ControlWord() ControlWord { return m.control }

// Command returns the message data id.
func (m *Message) Command() Command { return m.command }

// Arguments returns a copy of the command arguments.
func (m *Message) Arguments() []byte {
	if len(m.arguments) == 0 {
		return nil
	}
	out := make([]byte, len(m.arguments))
	copy(out, m.arguments)
	return out
}

// Raw returns the frame text the message was decoded from.
func (m *Message) Raw() string { return m.raw }

// Timestamp returns the decode time.
func (m *Message) Timestamp() time.Time { return m.timestamp }

// EffectiveDestination returns the destination, or the source when the
// destination is one of the invalid ids (broadcast 0, unassigned 255).
func (m *Message) EffectiveDestination() uint8 {
	if IsValidID(m.destination) {
		return m.destination
	}
	return m.source
}

// IsSelfReport reports whether the message was sent by the unit it addresses.
func (m *Message) IsSelfReport() bool {
	return m.EffectiveDestination() == m.source
}

// Level returns the dim level carried by the message, if any.
// ACTIVATE maps to 100 and DEACTIVATE to 0.
func (m *Message) Level() (int, bool) {
	switch m.command {
	case CmdActivate:
		return MaxLevel, true
	case CmdDeactivate:
		return 0, true
	case CmdGoto, CmdDeviceState:
		if len(m.arguments) == 0 {
			return 0, false
		}
		return int(m.arguments[0]), true
	}
	return 0, false
}

// IsValidID reports whether id addresses a single unit or link.
func IsValidID(id uint8) bool {
	return id != BroadcastID && id != UnassignedID
}
