// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/Thermoquad/upbridge/pkg/pim"
	"github.com/Thermoquad/upbridge/pkg/upb"
)

func TestParseAction(t *testing.T) {
	goto40, _ := upb.NewGoto(2, 5, false, 40)
	linkGoto, _ := upb.NewGoto(2, 9, true, 25)

	tests := []struct {
		name string
		link bool
		args []string
		want upb.Request
	}{
		{"on", false, []string{"5", "on"}, upb.NewActivate(2, 5, false)},
		{"off upper", false, []string{"5", "OFF"}, upb.NewDeactivate(2, 5, false)},
		{"level", false, []string{"5", "level", "40"}, goto40},
		{"level percent", false, []string{"5", "level", "40%"}, goto40},
		{"level full", false, []string{"5", "level", "100"}, upb.NewActivate(2, 5, false)},
		{"level zero", false, []string{"5", "level", "0"}, upb.NewDeactivate(2, 5, false)},
		{"refresh", false, []string{"5", "refresh"}, upb.NewRefresh(2, 5)},
		{"ping", false, []string{"5", "ping"}, upb.NewPing(2, 5)},
		{"link on", true, []string{"9", "on"}, upb.NewActivate(2, 9, true)},
		{"link level", true, []string{"9", "level", "25"}, linkGoto},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAction(2, tt.link, tt.args)
			if err != nil {
				t.Fatalf("parseAction() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseAction() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseActionErrors(t *testing.T) {
	tests := []struct {
		name string
		link bool
		args []string
	}{
		{"missing action", false, []string{"5"}},
		{"unit zero", false, []string{"0", "on"}},
		{"unit 251", false, []string{"251", "on"}},
		{"not a number", false, []string{"kitchen", "on"}},
		{"unknown action", false, []string{"5", "blink"}},
		{"level missing", false, []string{"5", "level"}},
		{"level range", false, []string{"5", "level", "101"}},
		{"level text", false, []string{"5", "level", "half"}},
		{"extra argument", false, []string{"5", "on", "now"}},
		{"refresh link", true, []string{"9", "refresh"}},
		{"ping link", true, []string{"9", "ping"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseAction(2, tt.link, tt.args); err == nil {
				t.Errorf("parseAction(%v) error = nil", tt.args)
			}
		})
	}
}

func TestParseUnitList(t *testing.T) {
	got, err := parseUnitList(" 5, 7,,12 ")
	if err != nil {
		t.Fatalf("parseUnitList() error = %v", err)
	}
	if !reflect.DeepEqual(got, []uint8{5, 7, 12}) {
		t.Errorf("parseUnitList() = %v, want [5 7 12]", got)
	}

	for _, raw := range []string{"5,x", "0", "300"} {
		if _, err := parseUnitList(raw); err == nil {
			t.Errorf("parseUnitList(%q) error = nil", raw)
		}
	}
}

func TestReportChannelNeverBlocks(t *testing.T) {
	reports := make(reportChannel, 1)
	m, err := upb.Decode("PU0800010005866408")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		reports.OnMessageReceived(m)
		reports.OnMessageReceived(m)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnMessageReceived blocked on a full channel")
	}
	if len(reports) != 1 {
		t.Errorf("buffered reports = %d, want 1", len(reports))
	}
}

func TestLivenessOf(t *testing.T) {
	tests := []struct {
		name   string
		o      pim.Outcome
		err    error
		want   pim.DeviceState
		wantOK bool
	}{
		{"ack", pim.OutcomeAck, nil, pim.DeviceAlive, true},
		{"nak", pim.OutcomeNak, nil, pim.DeviceAlive, true},
		{"exhausted", pim.OutcomeWriteFailed, pim.ErrNoAcknowledgment, pim.DeviceDead, true},
		{"queue full", pim.OutcomeWriteFailed, pim.ErrQueueFull, 0, false},
		{"not started", pim.OutcomeWriteFailed, pim.ErrNotStarted, 0, false},
		{"wrapped exhausted", pim.OutcomeWriteFailed, errors.Join(errors.New("unit 5"), pim.ErrNoAcknowledgment), pim.DeviceDead, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := livenessOf(tt.o, tt.err)
			if ok != tt.wantOK || (ok && got != tt.want) {
				t.Errorf("livenessOf() = %v, %v; want %v, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestSendTrackedWithoutConnection(t *testing.T) {
	s := pim.NewSession(pim.Config{})

	called := make(chan pim.Outcome, 1)
	c := sendTracked(s, upb.NewPing(0, 5), func(o pim.Outcome, err error) {
		called <- o
	})

	select {
	case o := <-called:
		if o != pim.OutcomeWriteFailed {
			t.Errorf("outcome = %v, want WRITE_FAILED", o)
		}
	case <-time.After(time.Second):
		t.Fatal("done callback not called")
	}
	if !errors.Is(c.Err(), pim.ErrNotStarted) {
		t.Errorf("Err() = %v, want ErrNotStarted", c.Err())
	}
	if _, ok := s.Device(5); ok {
		t.Error("a write that never reached the PIM created a device record")
	}
}
