// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hvdcp3

import (
	"fmt"

	"github.com/Thermoquad/qc3tune/pkg/psy"
)

// Snapshot is the set of power supply readings used for one decision cycle.
// It is recreated wholesale every cycle.
type Snapshot struct {
	BatteryPresent  bool
	USBPresent      bool
	ParallelPresent bool

	// Source type reported by the usb endpoint is HVDCP or HVDCP3
	IsUSBHVDCP bool

	InputCurrentLimited    bool
	ParallelCurrentLimited bool

	USBVoltage     int // microvolts
	BatteryVoltage int // microvolts

	// USBVoltage is at or above the overvoltage threshold
	HVDCPOvervoltage bool

	MaxPulseAllowed int

	// Pulse count as reported by the battery endpoint. Independent of the
	// session's own counter.
	PulseCount int

	InputCurrentLimitNow int // microamps
}

// refreshSnapshot reads every property needed for a cycle in one pass. It
// fails only when an endpoint is unavailable; individual property failures
// are logged and read as zero.
func (s *Session) refreshSnapshot() (Snapshot, error) {
	for _, ep := range psy.Endpoints {
		if !s.src.Available(ep) {
			return Snapshot{}, fmt.Errorf("refresh: %w: %s", psy.ErrEndpointUnavailable, ep)
		}
	}

	get := func(ep psy.Endpoint, prop psy.Property) int {
		v, err := psy.GetOrZero(s.src, ep, prop)
		if err != nil {
			s.logf("Couldn't read property: %v", err)
		}
		return v
	}

	var snap Snapshot
	snap.BatteryPresent = get(psy.EndpointBattery, psy.PropPresent) != 0
	snap.USBPresent = get(psy.EndpointUSB, psy.PropPresent) != 0
	snap.IsUSBHVDCP = psy.IsHVDCP(get(psy.EndpointUSB, psy.PropType))
	snap.ParallelPresent = get(psy.EndpointParallel, psy.PropPresent) != 0
	snap.InputCurrentLimited = get(psy.EndpointBattery, psy.PropInputCurrentLimited) != 0
	snap.ParallelCurrentLimited = get(psy.EndpointParallel, psy.PropInputCurrentLimited) != 0
	snap.USBVoltage = get(psy.EndpointUSB, psy.PropVoltageNow)
	snap.HVDCPOvervoltage = snap.USBVoltage >= OvervoltageThreshold
	snap.BatteryVoltage = get(psy.EndpointBattery, psy.PropVoltageNow)
	snap.MaxPulseAllowed = get(psy.EndpointBattery, psy.PropMaxPulseAllowed)
	snap.PulseCount = get(psy.EndpointBattery, psy.PropDpDm)
	snap.InputCurrentLimitNow = get(psy.EndpointBattery, psy.PropInputCurrentMax)

	s.logf("hvdcp %v, usb_uv %d, pulse_cnt %d", snap.IsUSBHVDCP, snap.USBVoltage, snap.PulseCount)
	return snap, nil
}
