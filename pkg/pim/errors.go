// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pim

import (
	"errors"
	"fmt"
)

var (
	ErrQueueFull        = errors.New("pim: write queue full")
	ErrPipelineStopped  = errors.New("pim: write pipeline stopped")
	ErrNoAcknowledgment = errors.New("pim: no acknowledgment after retries")
	ErrCancelled        = errors.New("pim: write cancelled")
	ErrNotStarted       = errors.New("pim: session not started")
	ErrAlreadyStarted   = errors.New("pim: session already started")
)

// TransportError is a fault on the underlying byte stream, categorized
// for status reporting.
type TransportError struct {
	Reason Reason
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("pim: transport %s: %v", e.Reason, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
