// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package psy

import (
	"fmt"
	"sync"
)

// SimConfig describes the simulated charging path.
type SimConfig struct {
	// Output voltage in microvolts before any pulses are applied.
	BaseVoltage int

	// Voltage change per DP/DM pulse in microvolts.
	StepVoltage int

	// Maximum number of pulse-up steps the source honours.
	MaxPulses int

	// Pulse-up steps after prepare before the source leaves its base
	// voltage. Until then the output stays at BaseVoltage.
	AuthPulses int

	// Current the source can deliver, in microamps.
	SourceMaxCurrent int

	// Input current limit configured on the charger, in microamps.
	InputCurrentLimit int

	// Power drawn by the charger when unconstrained, in microwatts.
	LoadPower int64

	// Battery voltage in microvolts.
	BatteryVoltage int

	// Whether a parallel charger is fitted.
	ParallelPresent bool
}

// DefaultSimConfig returns a 5V base, 200mV/step, 20 step QC3 source feeding
// an 18W load through a 2A input current limit.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		BaseVoltage:       5000000,
		StepVoltage:       200000,
		MaxPulses:         20,
		AuthPulses:        6,
		SourceMaxCurrent:  3000000,
		InputCurrentLimit: 2000000,
		LoadPower:         18000000,
		BatteryVoltage:    3800000,
		ParallelPresent:   true,
	}
}

// Write records a single property write made against the simulator.
type Write struct {
	Endpoint Endpoint
	Property Property
	Value    int
}

type simFault struct {
	ep   Endpoint
	prop Property
}

// Sim is an in-memory QC3 charging path. It models the prepare/pulse
// authentication handshake, DP/DM voltage stepping, AICL re-runs and input
// current limiting derived from load power. Sim implements Source and
// Notifier and is safe for concurrent use.
type Sim struct {
	mu  sync.Mutex
	cfg SimConfig

	attached   bool
	sourceType int
	prepared   bool
	authed     bool // completed the pulse-up handshake since prepare
	confirmed  bool
	pulses     int
	aiclRuns   int

	unavailable map[Endpoint]bool
	faults      map[simFault]bool
	writes      []Write

	notifiers map[int]NotifyFunc
	nextID    int
}

// NewSim creates a detached simulator.
func NewSim(cfg SimConfig) *Sim {
	return &Sim{
		cfg:         cfg,
		unavailable: make(map[Endpoint]bool),
		faults:      make(map[simFault]bool),
		notifiers:   make(map[int]NotifyFunc),
	}
}

// Attach connects a source of the given type to the usb endpoint and
// notifies registered callbacks.
func (s *Sim) Attach(sourceType int) {
	s.mu.Lock()
	s.attached = true
	s.sourceType = sourceType
	s.prepared = false
	s.authed = false
	s.confirmed = false
	s.pulses = 0
	s.mu.Unlock()
	s.notify(string(EndpointUSB))
}

// Detach removes the source and notifies registered callbacks.
func (s *Sim) Detach() {
	s.mu.Lock()
	s.attached = false
	s.sourceType = TypeUnknown
	s.prepared = false
	s.authed = false
	s.confirmed = false
	s.pulses = 0
	s.mu.Unlock()
	s.notify(string(EndpointUSB))
}

// SetLoad changes the power drawn by the charger.
func (s *Sim) SetLoad(microwatts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.LoadPower = microwatts
}

// SetUnavailable marks an endpoint as absent.
func (s *Sim) SetUnavailable(ep Endpoint, unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable[ep] = unavailable
}

// FailProperty makes every get and set of prop on ep fail.
func (s *Sim) FailProperty(ep Endpoint, prop Property, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[simFault{ep, prop}] = fail
}

// Writes returns a copy of every successful write in order.
func (s *Sim) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Write, len(s.writes))
	copy(out, s.writes)
	return out
}

// Pulses returns the number of voltage steps currently applied.
func (s *Sim) Pulses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulses
}

// Confirmed reports whether the source has been confirmed as HVDCP3.
func (s *Sim) Confirmed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed
}

// AICLRuns returns how many times AICL has been re-run.
func (s *Sim) AICLRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aiclRuns
}

// Available implements Source.
func (s *Sim) Available(ep Endpoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.known(ep) && !s.unavailable[ep]
}

func (s *Sim) known(ep Endpoint) bool {
	return ep == EndpointUSB || ep == EndpointBattery || ep == EndpointParallel
}

// Get implements Source.
func (s *Sim) Get(ep Endpoint, prop Property) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ep, prop); err != nil {
		return 0, err
	}

	switch ep {
	case EndpointUSB:
		switch prop {
		case PropPresent:
			return boolInt(s.attached), nil
		case PropType:
			if !s.attached {
				return TypeUnknown, nil
			}
			return s.sourceType, nil
		case PropVoltageNow:
			return s.voltage(), nil
		}
	case EndpointBattery:
		switch prop {
		case PropPresent:
			return 1, nil
		case PropInputCurrentLimited:
			return boolInt(s.limited()), nil
		case PropVoltageNow:
			return s.cfg.BatteryVoltage, nil
		case PropMaxPulseAllowed:
			return s.cfg.MaxPulses, nil
		case PropDpDm:
			return s.pulses, nil
		case PropInputCurrentMax:
			return s.effectiveLimit(), nil
		}
	case EndpointParallel:
		switch prop {
		case PropPresent:
			return boolInt(s.cfg.ParallelPresent), nil
		case PropInputCurrentLimited:
			return 0, nil
		}
	}
	return 0, fmt.Errorf("%w: %s has no readable %s", ErrPropertyAccessFailed, ep, prop)
}

// Set implements Source.
func (s *Sim) Set(ep Endpoint, prop Property, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ep, prop); err != nil {
		return err
	}
	if ep != EndpointBattery {
		return fmt.Errorf("%w: %s/%s is read-only", ErrPropertyAccessFailed, ep, prop)
	}

	switch prop {
	case PropDpDm:
		s.dpdm(value)
	case PropRerunAICL:
		s.aiclRuns++
	default:
		return fmt.Errorf("%w: %s/%s is read-only", ErrPropertyAccessFailed, ep, prop)
	}
	s.writes = append(s.writes, Write{Endpoint: ep, Property: prop, Value: value})
	return nil
}

// RegisterNotifier implements Notifier.
func (s *Sim) RegisterNotifier(fn NotifyFunc) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("psy: nil notifier")
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.notifiers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.notifiers, id)
		s.mu.Unlock()
	}, nil
}

func (s *Sim) notify(supply string) {
	s.mu.Lock()
	fns := make([]NotifyFunc, 0, len(s.notifiers))
	for _, fn := range s.notifiers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(supply)
	}
}

func (s *Sim) check(ep Endpoint, prop Property) error {
	if !s.known(ep) || s.unavailable[ep] {
		return fmt.Errorf("%w: %s", ErrEndpointUnavailable, ep)
	}
	if s.faults[simFault{ep, prop}] {
		return fmt.Errorf("%w: %s/%s", ErrPropertyAccessFailed, ep, prop)
	}
	return nil
}

// dpdm applies a DP/DM command. Pulses count only after prepare, and the
// output holds at the base voltage until AuthPulses pulse-ups have arrived.
func (s *Sim) dpdm(cmd int) {
	if !s.attached || !IsHVDCP(s.sourceType) {
		return
	}
	switch cmd {
	case DpDmPrepare:
		s.prepared = true
		s.authed = s.cfg.AuthPulses <= 0
		s.confirmed = false
		s.pulses = 0
	case DpDmConfirmedHVDCP3:
		if s.authed && s.voltage() > s.cfg.BaseVoltage {
			s.confirmed = true
		}
	case DpDmDpPulse:
		if s.prepared && s.pulses < s.cfg.MaxPulses {
			s.pulses++
		}
		if s.prepared && s.pulses >= s.cfg.AuthPulses {
			s.authed = true
		}
	case DpDmDmPulse:
		if s.prepared && s.pulses > 0 {
			s.pulses--
		}
	}
}

func (s *Sim) voltage() int {
	if !s.attached {
		return 0
	}
	if !s.authed {
		return s.cfg.BaseVoltage
	}
	return s.cfg.BaseVoltage + s.pulses*s.cfg.StepVoltage
}

func (s *Sim) effectiveLimit() int {
	if s.cfg.SourceMaxCurrent < s.cfg.InputCurrentLimit {
		return s.cfg.SourceMaxCurrent
	}
	return s.cfg.InputCurrentLimit
}

// limited reports whether the load needs more input current than the path
// can carry at the present voltage.
func (s *Sim) limited() bool {
	v := s.voltage()
	if v <= 0 {
		return false
	}
	// uW / uV = A, scaled to uA
	need := s.cfg.LoadPower * 1000000 / int64(v)
	return need > int64(s.effectiveLimit())
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
