// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pim

import "fmt"

// StatusKind is the kind of a status signal.
type StatusKind int

const (
	StatusOnline StatusKind = iota
	StatusOffline
	StatusDeviceError
)

func (k StatusKind) String() string {
	switch k {
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	case StatusDeviceError:
		return "device-error"
	default:
		return fmt.Sprintf("status(%d)", int(k))
	}
}

// Reason categorizes an offline transition.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonPortNotFound
	ReasonPortInUse
	ReasonUnsupportedConfig
	ReasonTransportError
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonPortNotFound:
		return "port-not-found"
	case ReasonPortInUse:
		return "port-in-use"
	case ReasonUnsupportedConfig:
		return "unsupported-config"
	case ReasonTransportError:
		return "transport-error"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Status is a connection-status signal. Reason is set for StatusOffline,
// Unit for StatusDeviceError.
type Status struct {
	Kind   StatusKind
	Reason Reason
	Unit   uint8
	Err    error
}

func (s Status) String() string {
	switch s.Kind {
	case StatusOffline:
		if s.Err != nil {
			return fmt.Sprintf("offline (%s): %v", s.Reason, s.Err)
		}
		return fmt.Sprintf("offline (%s)", s.Reason)
	case StatusDeviceError:
		return fmt.Sprintf("device %d communication error", s.Unit)
	default:
		return s.Kind.String()
	}
}
