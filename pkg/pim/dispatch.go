// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package pim

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/upbridge/pkg/upb"
)

// RouteResult is what Route did with a message.
type RouteResult int

const (
	RouteIgnored RouteResult = iota // not a report
	RouteDroppedUnknownLink
	RouteLink // link report for a registered link
	RouteDroppedNoListener
	RouteDelivered
)

func (r RouteResult) String() string {
	switch r {
	case RouteIgnored:
		return "ignored"
	case RouteDroppedUnknownLink:
		return "unknown_link"
	case RouteLink:
		return "link"
	case RouteDroppedNoListener:
		return "no_listener"
	case RouteDelivered:
		return "delivered"
	default:
		return "unknown"
	}
}

// DispatchTable maps unit ids to device records and listeners, and link ids
// to link records. It is safe for concurrent use; listeners are invoked
// without holding the table lock.
type DispatchTable struct {
	mu        sync.RWMutex
	devices   map[uint8]*DeviceRecord
	listeners map[uint8]Listener
	links     map[uint8]LinkRecord

	onDiscovered func(unit uint8)
	log          zerolog.Logger
}

// NewDispatchTable creates an empty table. onDiscovered, if set, is called
// once per unit id when its record is first created.
func NewDispatchTable(log zerolog.Logger, onDiscovered func(unit uint8)) *DispatchTable {
	return &DispatchTable{
		devices:      make(map[uint8]*DeviceRecord),
		listeners:    make(map[uint8]Listener),
		links:        make(map[uint8]LinkRecord),
		onDiscovered: onDiscovered,
		log:          log.With().Str("component", "dispatch").Logger(),
	}
}

// Route delivers a report to the listener bound to its effective destination.
//
// Link reports are only checked against the registered links; fan-out to the
// link members is left to the caller. Device reports always create or update
// the unit's record, even when nobody listens.
func (d *DispatchTable) Route(m *upb.Message) RouteResult {
	if m.Type() != upb.TypeReport {
		return RouteIgnored
	}

	target := m.EffectiveDestination()

	if m.ControlWord().IsLink() {
		d.mu.RLock()
		_, ok := d.links[target]
		d.mu.RUnlock()
		if !ok {
			d.log.Debug().Uint8("link", target).Msg("report for unknown link dropped")
			return RouteDroppedUnknownLink
		}
		return RouteLink
	}

	d.mu.Lock()
	rec, created := d.fetchOrCreate(target)
	if m.Source() == target {
		rec.State = DeviceAlive
	}
	rec.LastSeen = m.Timestamp()
	rec.LastCommand = m.Command()
	if level, ok := m.Level(); ok {
		rec.Level = level
	}
	listener := d.listeners[target]
	d.mu.Unlock()

	if created && d.onDiscovered != nil {
		d.onDiscovered(target)
	}

	if listener == nil {
		d.log.Debug().Uint8("unit", target).Msg("no listener for unit")
		return RouteDroppedNoListener
	}

	listener.OnMessageReceived(m)
	return RouteDelivered
}

// fetchOrCreate must be called with mu held for writing.
func (d *DispatchTable) fetchOrCreate(id uint8) (*DeviceRecord, bool) {
	if rec, ok := d.devices[id]; ok {
		return rec, false
	}
	rec := newDeviceRecord(id)
	d.devices[id] = rec
	return rec, true
}

// RegisterListener binds l to a unit id, replacing any previous binding.
func (d *DispatchTable) RegisterListener(id uint8, l Listener) {
	if l == nil {
		return
	}
	d.mu.Lock()
	d.listeners[id] = l
	d.mu.Unlock()
}

// DeregisterListener removes the binding for id only if it is still l.
func (d *DispatchTable) DeregisterListener(id uint8, l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if current, ok := d.listeners[id]; ok && current == l {
		delete(d.listeners, id)
	}
}

// RegisterLink makes reports addressed to the link routable.
func (d *DispatchTable) RegisterLink(link LinkRecord) {
	d.mu.Lock()
	d.links[link.ID] = link
	d.mu.Unlock()
}

// DeregisterLink forgets a link.
func (d *DispatchTable) DeregisterLink(id uint8) {
	d.mu.Lock()
	delete(d.links, id)
	d.mu.Unlock()
}

// Link returns the link record for id.
func (d *DispatchTable) Link(id uint8) (LinkRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	link, ok := d.links[id]
	return link, ok
}

// Device returns a snapshot of the record for id.
func (d *DispatchTable) Device(id uint8) (DeviceRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.devices[id]
	if !ok {
		return DeviceRecord{}, false
	}
	return *rec, true
}

// Devices returns snapshots of every record, ordered by id.
func (d *DispatchTable) Devices() []DeviceRecord {
	d.mu.RLock()
	out := make([]DeviceRecord, 0, len(d.devices))
	for _, rec := range d.devices {
		out = append(out, *rec)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetDeviceState records a liveness change observed outside the table,
// creating the record if the unit was never seen.
func (d *DispatchTable) SetDeviceState(id uint8, state DeviceState) {
	d.mu.Lock()
	rec, created := d.fetchOrCreate(id)
	rec.State = state
	d.mu.Unlock()

	if created && d.onDiscovered != nil {
		d.onDiscovered(id)
	}
}
