// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package hvdcp3 negotiates the HVDCP3 (Quick Charge 3) protocol with an
// attached USB power source and then tunes the negotiated voltage against
// the charger's input current limiting.
//
// A Session owns all negotiation state. One background worker refreshes a
// Snapshot of the power supply properties and ticks the state machine once
// per wake; supply-changed notifications only set a flag and wake the
// worker. Authentication sends a prepare command followed by six pulse-up
// bursts and confirms the source once its output reaches 6V. Optimization
// then pulses the voltage up while the input is current limited and down
// when it is not, re-running AICL between steps.
package hvdcp3

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Thermoquad/qc3tune/pkg/psy"
)

// Protocol constants
const (
	MaxPulseAllowed      = 20       // 5V + 20 * 200mV = 9V ceiling
	AuthPulses           = 6        // pulse-up bursts sent during authentication
	ConfirmedVoltage     = 6000000  // microvolts
	OvervoltageThreshold = 10000000 // microvolts
)

// Timing
const (
	PulseUpDelay      = 100 * time.Millisecond
	PulseDownDelay    = 60 * time.Millisecond
	AICLSettleDelay   = 2000 * time.Millisecond
	HoldDelay         = 60000 * time.Millisecond
	HVDCPPollInterval = 2000 * time.Millisecond
)

// ErrInvalidState is returned when a state outside the enumeration is
// assigned.
var ErrInvalidState = errors.New("hvdcp3: invalid state")

// Config is read once when a session is created.
type Config struct {
	// NegotiationAllowed enables the voltage optimization phase. When false
	// an HVDCP3 source is still authenticated, then held in OptiInitialVol.
	NegotiationAllowed bool

	// Logger receives diagnostics. Nil uses log.Default().
	Logger *log.Logger

	// PollInterval is the worker wake timeout while an HVDCP source is
	// attached. Zero uses HVDCPPollInterval.
	PollInterval time.Duration

	// Sleep performs the timed waits of the state actions. Nil uses
	// time.Sleep.
	Sleep func(time.Duration)
}

// Status is a point-in-time copy of the session for observers.
type Status struct {
	State              State
	PulseCount         int
	PulseOpti          int
	Snapshot           Snapshot
	Cycles             uint64
	NegotiationAllowed bool
	RefreshErr         error
}

// Session is the root negotiation object for one charging port.
type Session struct {
	src psy.Source
	cfg Config
	log *log.Logger

	// mu guards state, pulseCount, snapshot, attachPending and the counters
	// below. Action bodies run without it.
	mu            sync.Mutex
	state         State
	pulseCount    int
	pulseOpti     int
	snapshot      Snapshot
	attachPending bool
	cycles        uint64
	refreshErr    error

	wake chan struct{}

	callbacks struct {
		mu       sync.Mutex
		observer func(Status)
	}

	lifecycle struct {
		mu         sync.Mutex
		started    bool
		stop       chan struct{}
		done       chan struct{}
		unregister func()
	}
}

// New creates a session in state NoHvdcp3 over the given property source.
func New(src psy.Source, cfg Config) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = HVDCPPollInterval
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	l := cfg.Logger
	if l == nil {
		l = log.Default()
	}
	return &Session{
		src:   src,
		cfg:   cfg,
		log:   l,
		state: NoHvdcp3,
		wake:  make(chan struct{}, 1),
	}
}

// SetObserver sets a callback invoked from the worker after every cycle.
// Pass nil to remove it.
func (s *Session) SetObserver(fn func(Status)) {
	s.callbacks.mu.Lock()
	s.callbacks.observer = fn
	s.callbacks.mu.Unlock()
}

// State returns the current negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) error {
	if !st.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidState, int(st))
	}
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	return nil
}

// PulseCount returns the session's net pulse counter.
func (s *Session) PulseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulseCount
}

// NegotiationAllowed reports the configured negotiation flag.
func (s *Session) NegotiationAllowed() bool {
	return s.cfg.NegotiationAllowed
}

// Status returns a copy of the session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:              s.state,
		PulseCount:         s.pulseCount,
		PulseOpti:          s.pulseOpti,
		Snapshot:           s.snapshot,
		Cycles:             s.cycles,
		NegotiationAllowed: s.cfg.NegotiationAllowed,
		RefreshErr:         s.refreshErr,
	}
}

func (s *Session) currentSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func (s *Session) logf(format string, args ...interface{}) {
	s.log.Printf("hvdcp3: "+format, args...)
}

func (s *Session) notifyObserver() {
	st := s.Status()
	s.callbacks.mu.Lock()
	fn := s.callbacks.observer
	s.callbacks.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}
