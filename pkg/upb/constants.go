// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package upb implements the UPB (Universal Powerline Bus) wire protocol as spoken
// between a host and a Powerline Interface Module (PIM).
//
// The PIM exchanges carriage-return terminated ASCII frames with the host. Frames
// received from the PIM start with a two letter prefix ("PK", "PN", "PU", ...); "PU"
// frames carry a hex encoded UPB packet. Frames sent to the PIM are prefixed with a
// transmit marker byte. This package provides frame extraction, packet decoding and
// encoding, checksum handling, command builders and human-readable formatting.
package upb

// Framing bytes
const (
	Delimiter      = 0x0D // Carriage return, terminates every frame
	TransmitMarker = 0x14 // Precedes a packet written to the PIM
	RegisterWrite  = 0x17 // Precedes a PIM register write
)

// Buffer and packet size limits
const (
	DefaultBufferSize = 512
	MinPacketSize     = 6  // CTL(2) NID DID SID CKS
	MaxPacketSize     = 31 // LEN is a 5-bit field
	MaxArguments      = MaxPacketSize - MinPacketSize - 1
)

// PIM register holding the operating mode, and the value selecting message mode.
const (
	RegisterPIMOptions = 0x70
	PIMMessageMode     = 0x02
)

// Unit ids
const (
	BroadcastID     = 0x00
	UnassignedID    = 0xFF
	DefaultSourceID = UnassignedID
	MinUnitID       = 1
	MaxUnitID       = 250
)

// Control word, first byte
const (
	ctlLink       = 0x80
	ctlRepeatMask = 0x60
	ctlLengthMask = 0x1F
)

// Control word, second byte
const (
	ctlAckMessage = 0x40
	ctlAckID      = 0x20
	ctlAckPulse   = 0x10
	ctlAckMask    = 0x70
	ctlCountMask  = 0x0C
	ctlSeqMask    = 0x03
)

// Frame prefixes sent by the PIM
const (
	prefixAccept = "PA"
	prefixBusy   = "PB"
	prefixError  = "PE"
	prefixAck    = "PK"
	prefixNak    = "PN"
	prefixReport = "PU"
)

// Message data ids (MDID). Only the subset used to drive device state is named.
const (
	CmdNull        Command = 0x00
	CmdActivate    Command = 0x20
	CmdDeactivate  Command = 0x21
	CmdGoto        Command = 0x22
	CmdReportState Command = 0x30
	CmdDeviceState Command = 0x86
)

// MaxLevel is the highest dim level accepted by GOTO.
const MaxLevel = 100
