// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pim

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/upbridge/pkg/upb"
)

func TestRouteSelfReportMarksAlive(t *testing.T) {
	d := NewDispatchTable(zerolog.Nop(), nil)
	l := &recordingListener{}
	d.RegisterListener(5, l)

	// unit 5 reports its own state with no explicit destination
	m := report(t, upb.Request{Network: 1, Source: 5, Command: upb.CmdDeviceState, Arguments: []byte{75}})

	if got := d.Route(m); got != RouteDelivered {
		t.Fatalf("Route() = %v, want %v", got, RouteDelivered)
	}
	if l.count() != 1 {
		t.Errorf("listener called %d times, want 1", l.count())
	}

	rec, ok := d.Device(5)
	if !ok {
		t.Fatal("Device(5) missing")
	}
	if rec.State != DeviceAlive {
		t.Errorf("State = %v, want ALIVE", rec.State)
	}
	if rec.Level != 75 {
		t.Errorf("Level = %d, want 75", rec.Level)
	}
	if rec.LastCommand != upb.CmdDeviceState {
		t.Errorf("LastCommand = %v, want DEVICE_STATE", rec.LastCommand)
	}
	if rec.LastSeen.IsZero() {
		t.Error("LastSeen not set")
	}
}

func TestRouteWithoutListenerStillTracksDevice(t *testing.T) {
	var discovered []uint8
	d := NewDispatchTable(zerolog.Nop(), func(unit uint8) { discovered = append(discovered, unit) })

	// unit 7 commands unit 9; unit 9 is referenced but did not speak
	m := report(t, upb.Request{Network: 1, Source: 7, Destination: 9, Command: upb.CmdActivate})

	if got := d.Route(m); got != RouteDroppedNoListener {
		t.Fatalf("Route() = %v, want %v", got, RouteDroppedNoListener)
	}
	rec, ok := d.Device(9)
	if !ok {
		t.Fatal("Device(9) was not created")
	}
	if rec.State != DeviceInitializing {
		t.Errorf("State = %v, want INITIALIZING", rec.State)
	}
	if rec.Level != 100 {
		t.Errorf("Level = %d, want 100", rec.Level)
	}

	// second reference does not rediscover
	d.Route(m)
	if len(discovered) != 1 || discovered[0] != 9 {
		t.Errorf("discovered = %v, want [9]", discovered)
	}
}

func TestRouteUnknownLinkDropped(t *testing.T) {
	d := NewDispatchTable(zerolog.Nop(), nil)
	l := &recordingListener{}
	d.RegisterListener(3, l)

	m := report(t, upb.Request{Network: 1, Source: 5, Destination: 3, Link: true, Command: upb.CmdActivate})

	if got := d.Route(m); got != RouteDroppedUnknownLink {
		t.Fatalf("Route() = %v, want %v", got, RouteDroppedUnknownLink)
	}
	if n := len(d.Devices()); n != 0 {
		t.Errorf("Devices() has %d records, want 0", n)
	}
	if l.count() != 0 {
		t.Error("unit listener received a link report")
	}
}

func TestRouteRegisteredLink(t *testing.T) {
	d := NewDispatchTable(zerolog.Nop(), nil)
	d.RegisterLink(LinkRecord{ID: 3, Name: "evening"})

	m := report(t, upb.Request{Network: 1, Source: 5, Destination: 3, Link: true, Command: upb.CmdActivate})
	if got := d.Route(m); got != RouteLink {
		t.Fatalf("Route() = %v, want %v", got, RouteLink)
	}
	if n := len(d.Devices()); n != 0 {
		t.Errorf("Devices() has %d records, want 0", n)
	}

	d.DeregisterLink(3)
	if got := d.Route(m); got != RouteDroppedUnknownLink {
		t.Errorf("Route() after DeregisterLink = %v, want %v", got, RouteDroppedUnknownLink)
	}
}

func TestRouteIgnoresNonReports(t *testing.T) {
	d := NewDispatchTable(zerolog.Nop(), nil)
	for _, frame := range []string{"PK", "PN", "PA", "PE", "PB"} {
		m, err := upb.Decode(frame)
		if err != nil {
			t.Fatalf("Decode(%q) error = %v", frame, err)
		}
		if got := d.Route(m); got != RouteIgnored {
			t.Errorf("Route(%s) = %v, want %v", frame, got, RouteIgnored)
		}
	}
}

func TestDeregisterStaleListener(t *testing.T) {
	d := NewDispatchTable(zerolog.Nop(), nil)
	old := &recordingListener{}
	current := &recordingListener{}

	d.RegisterListener(5, old)
	d.RegisterListener(5, current)
	d.DeregisterListener(5, old) // stale, must not remove current

	m := report(t, upb.Request{Network: 1, Source: 5, Command: upb.CmdActivate})
	if got := d.Route(m); got != RouteDelivered {
		t.Fatalf("Route() = %v, want %v", got, RouteDelivered)
	}
	if old.count() != 0 || current.count() != 1 {
		t.Errorf("old, current calls = %d, %d; want 0, 1", old.count(), current.count())
	}

	d.DeregisterListener(5, current)
	if got := d.Route(m); got != RouteDroppedNoListener {
		t.Errorf("Route() after deregister = %v, want %v", got, RouteDroppedNoListener)
	}

	// deregistering twice is harmless
	d.DeregisterListener(5, current)
}

func TestSetDeviceState(t *testing.T) {
	d := NewDispatchTable(zerolog.Nop(), nil)
	d.SetDeviceState(12, DeviceDead)

	rec, ok := d.Device(12)
	if !ok || rec.State != DeviceDead {
		t.Fatalf("Device(12) = %+v, %v; want DEAD", rec, ok)
	}

	// a self-report brings it back
	d.Route(report(t, upb.Request{Network: 1, Source: 12, Command: upb.CmdDeviceState, Arguments: []byte{0}}))
	if rec, _ := d.Device(12); rec.State != DeviceAlive {
		t.Errorf("State = %v after self-report, want ALIVE", rec.State)
	}
}

func TestDevicesSorted(t *testing.T) {
	d := NewDispatchTable(zerolog.Nop(), nil)
	for _, id := range []uint8{40, 2, 17} {
		d.SetDeviceState(id, DeviceInitializing)
	}
	devices := d.Devices()
	if len(devices) != 3 || devices[0].ID != 2 || devices[1].ID != 17 || devices[2].ID != 40 {
		t.Errorf("Devices() = %+v, want ids 2, 17, 40", devices)
	}
}

func TestConcurrentRegistrationAndRouting(t *testing.T) {
	d := NewDispatchTable(zerolog.Nop(), nil)
	m := report(t, upb.Request{Network: 1, Source: 5, Command: upb.CmdActivate})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := &recordingListener{}
			for j := 0; j < 500; j++ {
				d.RegisterListener(5, l)
				d.RegisterLink(LinkRecord{ID: uint8(j)})
				d.DeregisterListener(5, l)
				d.DeregisterLink(uint8(j))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 2000; j++ {
			switch d.Route(m) {
			case RouteDelivered, RouteDroppedNoListener:
			default:
				t.Error("unexpected route result")
				return
			}
			d.Devices()
		}
	}()
	wg.Wait()

	if rec, ok := d.Device(5); !ok || rec.State != DeviceAlive {
		t.Errorf("Device(5) = %+v, %v; want ALIVE", rec, ok)
	}
}
