// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upb

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Decode errors. Returned errors wrap one of these with frame context.
var (
	ErrFrameEmpty     = errors.New("upb: empty frame")
	ErrInvalidHex     = errors.New("upb: invalid hex in packet")
	ErrPacketTooShort = errors.New("upb: packet too short")
	ErrPacketTooLong  = errors.New("upb: packet too long")
	ErrLengthMismatch = errors.New("upb: packet length mismatch")
	ErrChecksum       = errors.New("upb: checksum mismatch")
)

// Long-form frame names some PIM firmware and serial bridges emit.
var frameAliases = map[string]MessageType{
	"ACK":    TypeAck,
	"NAK":    TypeNak,
	"ACCEPT": TypeAccept,
	"BUSY":   TypeBusy,
	"ERROR":  TypeError,
}

// Decode parses one frame, without its delimiter, into a Message.
//
// Frames with an unrecognized prefix decode to a TypeUnknown message rather
// than an error. Only "PU" frames carry a packet; a malformed packet fails the
// whole frame and no Message is returned.
func Decode(frame string) (*Message, error) {
	text := strings.TrimSpace(frame)
	if text == "" {
		return nil, ErrFrameEmpty
	}

	m := &Message{raw: text, timestamp: time.Now()}

	if t, ok := frameAliases[text]; ok {
		m.msgType = t
		return m, nil
	}

	if len(text) < 2 {
		m.msgType = TypeUnknown
		return m, nil
	}

	switch text[:2] {
	case prefixAck:
		m.msgType = TypeAck
	case prefixNak:
		m.msgType = TypeNak
	case prefixAccept:
		m.msgType = TypeAccept
	case prefixBusy:
		m.msgType = TypeBusy
	case prefixError:
		m.msgType = TypeError
	case prefixReport:
		if err := decodePacket(m, text[2:]); err != nil {
			return nil, fmt.Errorf("decode %q: %w", text, err)
		}
		m.msgType = TypeReport
	default:
		m.msgType = TypeUnknown
	}

	return m, nil
}

// DecodePacket parses the hex text of a bare UPB packet (no "PU" prefix) into
// a report Message.
func DecodePacket(packet string) (*Message, error) {
	m := &Message{raw: packet, timestamp: time.Now(), msgType: TypeReport}
	if err := decodePacket(m, strings.TrimSpace(packet)); err != nil {
		return nil, err
	}
	return m, nil
}

func decodePacket(m *Message, hexText string) error {
	data, err := hex.DecodeString(hexText)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	if len(data) < MinPacketSize {
		return fmt.Errorf("%w: %d bytes (min %d)", ErrPacketTooShort, len(data), MinPacketSize)
	}
	if len(data) > MaxPacketSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrPacketTooLong, len(data), MaxPacketSize)
	}

	ctl := ControlWord(uint16(data[0])<<8 | uint16(data[1]))
	if ctl.Length() != len(data) {
		return fmt.Errorf("%w: header says %d, got %d", ErrLengthMismatch, ctl.Length(), len(data))
	}
	if !VerifyChecksum(data) {
		expected := Checksum(data[:len(data)-1])
		return fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrChecksum, expected, data[len(data)-1])
	}

	m.control = ctl
	m.network = data[2]
	m.destination = data[3]
	m.source = data[4]

	body := data[5 : len(data)-1]
	if len(body) > 0 {
		m.command = Command(body[0])
		if len(body) > 1 {
			m.arguments = append([]byte(nil), body[1:]...)
		}
	}
	return nil
}
