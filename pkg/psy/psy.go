// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package psy defines the power supply property boundary consumed by the
// HVDCP3 negotiation engine.
//
// A power supply exposes named integer properties on a small set of
// endpoints. The engine only ever reads or writes one property at a time and
// treats every call as a standalone, best-effort operation: endpoints come
// and go during attach/detach races, so callers are expected to tolerate
// both ErrEndpointUnavailable and ErrPropertyAccessFailed.
package psy

import (
	"errors"
	"fmt"
)

// Endpoint names a power supply endpoint.
type Endpoint string

// Endpoints used by the negotiation engine.
const (
	EndpointUSB      Endpoint = "usb"
	EndpointBattery  Endpoint = "battery"
	EndpointParallel Endpoint = "parallel"
)

// Endpoints lists every endpoint the engine consumes, in refresh order.
var Endpoints = []Endpoint{EndpointUSB, EndpointBattery, EndpointParallel}

// Property identifies a single integer property on an endpoint.
type Property uint8

// Property identifiers
const (
	PropPresent             Property = iota // 1 when the supply is present
	PropType                                // source type, see Type* values
	PropInputCurrentLimited                 // 1 when the input path is current limited
	PropVoltageNow                          // microvolts
	PropMaxPulseAllowed                     // maximum DP/DM pulse count the charger allows
	PropDpDm                                // read: pulse count, write: DpDm* command
	PropInputCurrentMax                     // input current limit, microamps
	PropRerunAICL                           // write 1 to re-run AICL
	propCount
)

// Valid reports whether p is a known property identifier.
func (p Property) Valid() bool {
	return p < propCount
}

func (p Property) String() string {
	switch p {
	case PropPresent:
		return "present"
	case PropType:
		return "type"
	case PropInputCurrentLimited:
		return "input_current_limited"
	case PropVoltageNow:
		return "voltage_now"
	case PropMaxPulseAllowed:
		return "max_pulse_allowed"
	case PropDpDm:
		return "dp_dm"
	case PropInputCurrentMax:
		return "input_current_max"
	case PropRerunAICL:
		return "rerun_aicl"
	default:
		return fmt.Sprintf("property(%d)", uint8(p))
	}
}

// DP/DM command values written to PropDpDm on the battery endpoint.
const (
	DpDmPrepare         = 1
	DpDmConfirmedHVDCP3 = 2
	DpDmDpPulse         = 3 // pulse-up: raise source voltage one step
	DpDmDmPulse         = 4 // pulse-down: lower source voltage one step
)

// Source type values reported by PropType on the usb endpoint.
const (
	TypeUnknown = iota
	TypeUSB
	TypeUSBDCP
	TypeUSBCDP
	TypeUSBHVDCP
	TypeUSBHVDCP3
)

// IsHVDCP reports whether a source type value is a high voltage dedicated
// charger of either generation.
func IsHVDCP(sourceType int) bool {
	return sourceType == TypeUSBHVDCP || sourceType == TypeUSBHVDCP3
}

var (
	// ErrEndpointUnavailable is returned when the named endpoint is absent or
	// not yet initialized.
	ErrEndpointUnavailable = errors.New("psy: endpoint unavailable")

	// ErrPropertyAccessFailed is returned when a get or set round trip itself
	// reports failure.
	ErrPropertyAccessFailed = errors.New("psy: property access failed")
)

// Source reads and writes integer properties on power supply endpoints.
// Implementations must be safe for concurrent use.
type Source interface {
	// Available reports whether the endpoint can currently be addressed.
	Available(ep Endpoint) bool

	// Get reads a single property.
	Get(ep Endpoint, prop Property) (int, error)

	// Set writes a single property.
	Set(ep Endpoint, prop Property, value int) error
}

// NotifyOK is the acknowledgement code returned by notification callbacks.
const NotifyOK = 1

// NotifyFunc is called with the name of the supply that changed. The return
// value is an acknowledgement code and is not used for flow control.
type NotifyFunc func(supply string) int

// Notifier delivers supply-changed notifications from an asynchronous
// context.
type Notifier interface {
	// RegisterNotifier installs fn and returns a function that removes it.
	RegisterNotifier(fn NotifyFunc) (unregister func(), err error)
}

// GetOrZero reads a property and returns 0 on any failure. The error is
// still returned so the caller can log it.
func GetOrZero(s Source, ep Endpoint, prop Property) (int, error) {
	v, err := s.Get(ep, prop)
	if err != nil {
		return 0, fmt.Errorf("get %s/%s: %w", ep, prop, err)
	}
	return v, nil
}
