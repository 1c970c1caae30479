// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upb

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Request describes an outgoing UPB packet.
type Request struct {
	Network      uint8
	Destination  uint8
	Source       uint8 // DefaultSourceID when zero
	Link         bool
	AckRequested bool
	Command      Command
	Arguments    []byte
}

// Encode returns the uppercase ASCII-hex packet, checksum included. The
// transmit marker and delimiter are added by the writer.
//
// A CmdNull request without arguments encodes with an empty message data
// field, which is how a ping is sent.
func (r Request) Encode() ([]byte, error) {
	if len(r.Arguments) > MaxArguments {
		return nil, fmt.Errorf("%w: %d arguments (max %d)", ErrPacketTooLong, len(r.Arguments), MaxArguments)
	}

	source := r.Source
	if source == 0 {
		source = DefaultSourceID
	}

	body := make([]byte, 0, 1+len(r.Arguments))
	if r.Command != CmdNull || len(r.Arguments) > 0 {
		body = append(body, byte(r.Command))
		body = append(body, r.Arguments...)
	}

	length := MinPacketSize + len(body)
	ctl := NewControlWord(length, r.Link, r.AckRequested)

	packet := make([]byte, 0, length)
	packet = append(packet, byte(ctl>>8), byte(ctl))
	packet = append(packet, r.Network, r.Destination, source)
	packet = append(packet, body...)
	packet = append(packet, Checksum(packet))

	return []byte(strings.ToUpper(hex.EncodeToString(packet))), nil
}

// Encode builds and encodes a request addressed from the default source id.
func Encode(network, destination uint8, link, ackRequested bool, cmd Command, args ...byte) ([]byte, error) {
	return Request{
		Network:      network,
		Destination:  destination,
		Link:         link,
		AckRequested: ackRequested,
		Command:      cmd,
		Arguments:    args,
	}.Encode()
}

// EncodeRegisterWrite returns the raw bytes that write values to a PIM
// register starting at reg: 0x17, register, values, checksum, delimiter.
// The checksum covers the register and values.
func EncodeRegisterWrite(reg byte, values ...byte) []byte {
	body := make([]byte, 0, 1+len(values))
	body = append(body, reg)
	body = append(body, values...)

	out := make([]byte, 0, len(body)+3)
	out = append(out, RegisterWrite)
	out = append(out, body...)
	out = append(out, Checksum(body), Delimiter)
	return out
}

// MessageModeCommand returns the sequence that switches the PIM into message
// mode, in which it reports every packet seen on the bus.
func MessageModeCommand() []byte {
	return EncodeRegisterWrite(RegisterPIMOptions, PIMMessageMode)
}
