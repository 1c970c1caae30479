// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package upb

import (
	"errors"
	"fmt"
)

// AnomalyType represents different kinds of message anomalies
type AnomalyType int

const (
	AnomalyInvalidLevel AnomalyType = iota
	AnomalyMissingArgument
	AnomalyInvalidSource
	AnomalyInvalidUnit
	AnomalyChecksum
	AnomalyDecodeError
)

func (a AnomalyType) String() string {
	switch a {
	case AnomalyInvalidLevel:
		return "invalid level"
	case AnomalyMissingArgument:
		return "missing argument"
	case AnomalyInvalidSource:
		return "invalid source"
	case AnomalyInvalidUnit:
		return "invalid unit"
	case AnomalyChecksum:
		return "checksum"
	case AnomalyDecodeError:
		return "decode error"
	default:
		return fmt.Sprintf("anomaly(%d)", int(a))
	}
}

// ValidationError represents a message that decoded but carries
// implausible content
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidateMessage checks a decoded report for anomalies.
// Returns a slice of validation errors (empty if the message is plausible)
func ValidateMessage(m *Message) []ValidationError {
	anomalies := []ValidationError{}
	if m.Type() != TypeReport {
		return anomalies
	}

	if !IsValidID(m.Source()) {
		anomalies = append(anomalies, ValidationError{
			Type:    AnomalyInvalidSource,
			Message: fmt.Sprintf("Source id %d is reserved", m.Source()),
			Details: map[string]interface{}{"source": m.Source()},
		})
	}

	if !m.ControlWord().IsLink() {
		if unit := m.EffectiveDestination(); unit > MaxUnitID {
			anomalies = append(anomalies, ValidationError{
				Type:    AnomalyInvalidUnit,
				Message: fmt.Sprintf("Unit id %d out of range %d-%d", unit, MinUnitID, MaxUnitID),
				Details: map[string]interface{}{"unit": unit, "max": MaxUnitID},
			})
		}
	}

	switch m.Command() {
	case CmdGoto, CmdDeviceState:
		args := m.Arguments()
		if len(args) == 0 {
			anomalies = append(anomalies, ValidationError{
				Type:    AnomalyMissingArgument,
				Message: fmt.Sprintf("%s without level argument", m.Command()),
				Details: map[string]interface{}{"command": m.Command().String()},
			})
			break
		}
		if args[0] > MaxLevel {
			anomalies = append(anomalies, ValidationError{
				Type:    AnomalyInvalidLevel,
				Message: fmt.Sprintf("Invalid level=%d (max %d)", args[0], MaxLevel),
				Details: map[string]interface{}{"level": args[0], "max": MaxLevel},
			})
		}
	}

	return anomalies
}

// DecodeAnomaly describes a frame that failed to decode.
func DecodeAnomaly(frame string, err error) ValidationError {
	anomaly := AnomalyDecodeError
	if errors.Is(err, ErrChecksum) {
		anomaly = AnomalyChecksum
	}
	return ValidationError{
		Type:    anomaly,
		Message: err.Error(),
		Details: map[string]interface{}{"frame": frame},
	}
}
