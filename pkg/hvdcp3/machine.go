// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hvdcp3

import (
	"fmt"
	"time"

	"github.com/Thermoquad/qc3tune/pkg/psy"
)

// action runs the work of a state with that state's table entry. The bool
// result is the state's verdict (confirmed, limited); a non-nil error marks
// the action as failed.
type action func(s *Session, e tableEntry) (bool, error)

type tableEntry struct {
	argument int
	delay    time.Duration
	call     action
}

// stateTable is indexed by State.
var stateTable = [stateCount]tableEntry{
	NoHvdcp3:       {0, 60000 * time.Millisecond, actNoHvdcp3},
	Prepare:        {0, 60 * time.Millisecond, actPrepare},
	DpPulse:        {AuthPulses, 100 * time.Millisecond, actDpPulse},
	Confirmed:      {0, 60 * time.Millisecond, actConfirmed},
	OptiInitialVol: {0, 60 * time.Millisecond, actOptiInitialVol},
	OptiRerunAicl:  {0, 60000 * time.Millisecond, actRerunAicl},
	OptiNotLimited: {0, 60000 * time.Millisecond, actNotLimited},
	OptiDpPulse:    {0, 60000 * time.Millisecond, actOptiDpPulse},
	OptiLimited:    {0, 60000 * time.Millisecond, actLimited},
	OptiDmPulse:    {0, 60000 * time.Millisecond, actOptiDmPulse},
}

func (s *Session) do(st State) (bool, error) {
	if !st.Valid() {
		return false, fmt.Errorf("%w: %d", ErrInvalidState, int(st))
	}
	e := stateTable[st]
	return e.call(s, e)
}

// tick runs one state machine step against the current snapshot and
// returns the state it moved to.
func (s *Session) tick() State {
	snap := s.currentSnapshot()
	from := s.State()

	if !snap.IsUSBHVDCP {
		if from != NoHvdcp3 {
			s.logf("ev: %s -> %s (source not hvdcp)", from, NoHvdcp3)
		}
		s.setState(NoHvdcp3)
		return NoHvdcp3
	}

	next := s.next(from, snap)
	s.logf("ev: %s -> %s", from, next)
	if err := s.setState(next); err != nil {
		// unreachable: next only ever yields enumeration members
		s.logf("BUG: %v", err)
		s.setState(NoHvdcp3)
		return NoHvdcp3
	}
	return next
}

func (s *Session) next(from State, snap Snapshot) State {
	switch from {
	case NoHvdcp3:
		s.do(NoHvdcp3)
		return Prepare

	case Prepare:
		s.do(Prepare)
		return DpPulse

	case DpPulse:
		if _, err := s.do(DpPulse); err != nil {
			s.logf("auth pulses failed: %v", err)
			return NoHvdcp3
		}
		return Confirmed

	case Confirmed:
		if ok, _ := s.do(Confirmed); ok {
			return OptiInitialVol
		}
		return NoHvdcp3

	case OptiInitialVol:
		// Authentication is done; voltage tuning waits here until allowed.
		if !s.cfg.NegotiationAllowed {
			return OptiInitialVol
		}
		if ok, _ := s.do(OptiInitialVol); ok {
			return OptiRerunAicl
		}
		return NoHvdcp3

	case OptiRerunAicl:
		s.do(OptiRerunAicl)
		if snap.InputCurrentLimited {
			return OptiLimited
		}
		return OptiNotLimited

	case OptiNotLimited:
		s.do(OptiNotLimited)
		if snap.InputCurrentLimited {
			return OptiLimited
		}
		return OptiDmPulse

	case OptiDpPulse:
		s.do(OptiDpPulse)
		if snap.InputCurrentLimited {
			return OptiDpPulse
		}
		return OptiRerunAicl

	case OptiLimited:
		if limited, _ := s.do(OptiLimited); limited {
			return OptiDpPulse
		}
		return OptiRerunAicl

	case OptiDmPulse:
		s.do(OptiDmPulse)
		if snap.InputCurrentLimited {
			return OptiLimited
		}
		return OptiRerunAicl

	default:
		s.logf("BUG: %v: %d", ErrInvalidState, int(from))
		return NoHvdcp3
	}
}

func actNoHvdcp3(s *Session, e tableEntry) (bool, error) {
	s.resetPulses()
	return false, nil
}

func actPrepare(s *Session, e tableEntry) (bool, error) {
	s.logf("start prepare")
	if err := s.src.Set(psy.EndpointBattery, psy.PropDpDm, psy.DpDmPrepare); err != nil {
		s.logf("Couldn't send prepare: %v", err)
		return false, err
	}
	return true, nil
}

func actDpPulse(s *Session, e tableEntry) (bool, error) {
	s.resetPulses()
	if !s.src.Available(psy.EndpointBattery) {
		return false, fmt.Errorf("%w: %s", psy.ErrEndpointUnavailable, psy.EndpointBattery)
	}

	s.logf("start auth %d", e.argument)
	for i := 0; i < e.argument; i++ {
		s.sendDpDm(psy.DpDmDpPulse)
		s.mu.Lock()
		s.pulseCount++
		cnt := s.pulseCount
		s.mu.Unlock()
		s.logf("confirm pulse cnt %d", cnt)
		s.cfg.Sleep(e.delay)
	}
	s.logf("end auth")
	return true, nil
}

func actConfirmed(s *Session, e tableEntry) (bool, error) {
	s.logf("start confirm")
	uv, err := psy.GetOrZero(s.src, psy.EndpointUSB, psy.PropVoltageNow)
	if err != nil {
		s.logf("Couldn't read usb voltage: %v", err)
	}
	s.logf("confirm voltage now %d (uv)", uv)
	if uv >= ConfirmedVoltage {
		s.sendDpDm(psy.DpDmConfirmedHVDCP3)
		s.logf("confirm ok")
		return true, nil
	}
	s.logf("failed confirm")
	return false, nil
}

// actOptiInitialVol seeds the optimization target and re-runs the
// confirmation check.
func actOptiInitialVol(s *Session, e tableEntry) (bool, error) {
	s.mu.Lock()
	s.pulseOpti = MaxPulseAllowed
	s.mu.Unlock()
	return actConfirmed(s, e)
}

func actRerunAicl(s *Session, e tableEntry) (bool, error) {
	if err := s.src.Set(psy.EndpointBattery, psy.PropRerunAICL, 1); err != nil {
		s.logf("Couldn't rerun aicl: %v", err)
	}
	s.cfg.Sleep(AICLSettleDelay)
	return false, nil
}

func actNotLimited(s *Session, e tableEntry) (bool, error) {
	s.cfg.Sleep(e.delay)
	return false, nil
}

func actOptiDpPulse(s *Session, e tableEntry) (bool, error) {
	if s.PulseCount() <= MaxPulseAllowed {
		s.increasePulses(1)
	}
	return false, nil
}

func actLimited(s *Session, e tableEntry) (bool, error) {
	return s.currentSnapshot().InputCurrentLimited, nil
}

func actOptiDmPulse(s *Session, e tableEntry) (bool, error) {
	s.decreasePulses(1)
	s.cfg.Sleep(e.delay)
	return false, nil
}
