// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"

	"github.com/Thermoquad/upbridge/pkg/pim"
	"github.com/Thermoquad/upbridge/pkg/upb"
)

// livenessOf maps a write outcome to the addressed unit's state. ok is false
// when the outcome says nothing about the unit.
func livenessOf(o pim.Outcome, err error) (pim.DeviceState, bool) {
	switch {
	case o == pim.OutcomeAck, o == pim.OutcomeNak:
		return pim.DeviceAlive, true
	case o == pim.OutcomeWriteFailed && errors.Is(err, pim.ErrNoAcknowledgment):
		return pim.DeviceDead, true
	default:
		return 0, false
	}
}

// sendTracked sends req and, once it resolves, records the unit's liveness
// and calls done, if set, from its own goroutine.
func sendTracked(s *pim.Session, req upb.Request, done func(o pim.Outcome, err error)) *pim.Completion {
	c := s.SendCommand(req)
	go func() {
		<-c.Done()
		o, err := c.Outcome(), c.Err()
		state, ok := livenessOf(o, err)
		if ok && !req.Link {
			s.SetDeviceState(req.Destination, state)
		}
		if done != nil {
			done(o, err)
		}
	}()
	return c
}
