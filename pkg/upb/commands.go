// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upb

import "fmt"

// Command builder functions create Requests ready for encoding. The
// destination is a unit id, or a link id when link is true.

// NewActivate creates an ACTIVATE request (0x20), turning a unit on or
// activating a link.
func NewActivate(network, destination uint8, link bool) Request {
	return Request{Network: network, Destination: destination, Link: link, Command: CmdActivate}
}

// NewDeactivate creates a DEACTIVATE request (0x21).
func NewDeactivate(network, destination uint8, link bool) Request {
	return Request{Network: network, Destination: destination, Link: link, Command: CmdDeactivate}
}

// NewGoto creates a GOTO request (0x22) to the given level, 0-100.
func NewGoto(network, destination uint8, link bool, level int) (Request, error) {
	if level < 0 || level > MaxLevel {
		return Request{}, fmt.Errorf("upb: level %d out of range 0-%d", level, MaxLevel)
	}
	return Request{
		Network:     network,
		Destination: destination,
		Link:        link,
		Command:     CmdGoto,
		Arguments:   []byte{byte(level)},
	}, nil
}

// NewPing creates an ack-requested packet with no message data. A unit that
// hears it answers with an acknowledgment pulse, which the PIM reports as ACK.
func NewPing(network, destination uint8) Request {
	return Request{Network: network, Destination: destination, AckRequested: true, Command: CmdNull}
}

// NewRefresh creates a REPORT_STATE request (0x30). The unit replies with a
// DEVICE_STATE report carrying its current level.
func NewRefresh(network, destination uint8) Request {
	return Request{Network: network, Destination: destination, Command: CmdReportState}
}

// NewLevel picks ACTIVATE, DEACTIVATE or GOTO for a target level.
func NewLevel(network, destination uint8, link bool, level int) (Request, error) {
	switch level {
	case 0:
		return NewDeactivate(network, destination, link), nil
	case MaxLevel:
		return NewActivate(network, destination, link), nil
	}
	return NewGoto(network, destination, link, level)
}
