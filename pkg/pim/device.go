// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pim

import (
	"fmt"
	"time"

	"github.com/Thermoquad/upbridge/pkg/upb"
)

// DeviceState is the liveness of a unit.
type DeviceState int

const (
	DeviceInitializing DeviceState = iota
	DeviceAlive
	DeviceDead
	DeviceFailed
)

func (s DeviceState) String() string {
	switch s {
	case DeviceInitializing:
		return "INITIALIZING"
	case DeviceAlive:
		return "ALIVE"
	case DeviceDead:
		return "DEAD"
	case DeviceFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// DeviceRecord is a snapshot of what the session knows about a unit.
type DeviceRecord struct {
	ID          uint8
	State       DeviceState
	Level       int // last reported level, -1 when unknown
	LastCommand upb.Command
	LastSeen    time.Time
}

func newDeviceRecord(id uint8) *DeviceRecord {
	return &DeviceRecord{ID: id, State: DeviceInitializing, Level: -1}
}

// Listener receives reports addressed to a unit. Implementations must be
// comparable, so deregistration can tell them apart; use pointer receivers.
//
// OnMessageReceived runs on the reader goroutine and delays every frame
// behind it, so it should return quickly.
type Listener interface {
	OnMessageReceived(m *upb.Message)
}

// LinkRecord is a registered link (group) id.
type LinkRecord struct {
	ID   uint8
	Name string
}
