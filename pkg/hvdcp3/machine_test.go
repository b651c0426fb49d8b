// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hvdcp3

import (
	"errors"
	"testing"
	"time"

	"github.com/Thermoquad/qc3tune/pkg/psy"
)

func allStates() []State {
	states := make([]State, 0, stateCount)
	for st := NoHvdcp3; st < stateCount; st++ {
		states = append(states, st)
	}
	return states
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{NoHvdcp3, "QC3_AUTH_NO_HVDCP3"},
		{Prepare, "QC3_AUTH_PREPARE"},
		{OptiRerunAicl, "QC3_OPTI_RERUN_AICL"},
		{OptiDmPulse, "QC3_OPTI_DM_PULSE"},
		{State(42), "INVALID(42)"},
		{State(-1), "INVALID(-1)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestState_Phases(t *testing.T) {
	for _, st := range allStates() {
		if !st.Valid() {
			t.Errorf("%s should be valid", st)
		}
		if st.Authenticating() && st.Optimizing() {
			t.Errorf("%s is in both phases", st)
		}
	}
	if !DpPulse.Authenticating() || NoHvdcp3.Authenticating() {
		t.Error("authentication phase is Prepare..OptiInitialVol")
	}
	if !OptiLimited.Optimizing() || OptiInitialVol.Optimizing() {
		t.Error("optimization phase is OptiRerunAicl..OptiDmPulse")
	}
	if stateCount.Valid() || State(-1).Valid() {
		t.Error("out-of-range states must be invalid")
	}
}

func TestSetState_RejectsInvalid(t *testing.T) {
	s, _ := newTestSession(newFakeSource())
	setState(s, OptiLimited)

	for _, bad := range []State{-1, stateCount, 99} {
		if err := s.setState(bad); !errors.Is(err, ErrInvalidState) {
			t.Errorf("setState(%d) err = %v, want ErrInvalidState", int(bad), err)
		}
	}
	if s.State() != OptiLimited {
		t.Errorf("state changed to %s after invalid assignment", s.State())
	}
	if _, err := s.do(State(99)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("do(99) err = %v, want ErrInvalidState", err)
	}
}

func TestStateTable_Complete(t *testing.T) {
	for _, st := range allStates() {
		if stateTable[st].call == nil {
			t.Errorf("%s has no action", st)
		}
	}
	if stateTable[DpPulse].argument != AuthPulses {
		t.Errorf("DpPulse argument = %d, want %d", stateTable[DpPulse].argument, AuthPulses)
	}
	if stateTable[DpPulse].delay != PulseUpDelay {
		t.Errorf("DpPulse delay = %v, want %v", stateTable[DpPulse].delay, PulseUpDelay)
	}
	if stateTable[OptiNotLimited].delay != HoldDelay || stateTable[OptiDmPulse].delay != HoldDelay {
		t.Error("hold states must wait 60s")
	}
}

func TestTick_NonHVDCPAlwaysResets(t *testing.T) {
	for _, st := range allStates() {
		t.Run(st.String(), func(t *testing.T) {
			src := hvdcpSource()
			s, rec := newTestSession(src)
			setState(s, st)
			setPulseCount(s, 7)
			setSnapshot(s, Snapshot{IsUSBHVDCP: false, InputCurrentLimited: true})

			if next := s.tick(); next != NoHvdcp3 {
				t.Errorf("tick from %s = %s, want NoHvdcp3", st, next)
			}
			if s.State() != NoHvdcp3 {
				t.Errorf("state = %s, want NoHvdcp3", s.State())
			}
			if len(src.written()) != 0 {
				t.Errorf("no action should run, got writes %v", src.written())
			}
			if len(rec.recorded()) != 0 {
				t.Errorf("no action should wait, got %v", rec.recorded())
			}
		})
	}
}

func TestTick_NegotiationNotAllowed(t *testing.T) {
	src := hvdcpSource()
	src.set(psy.EndpointUSB, psy.PropVoltageNow, 6200000)
	s := New(src, Config{Logger: quietLogger(), Sleep: func(time.Duration) {}})
	setSnapshot(s, Snapshot{IsUSBHVDCP: true})

	// Authentication runs regardless of the flag.
	want := []State{Prepare, DpPulse, Confirmed, OptiInitialVol, OptiInitialVol, OptiInitialVol}
	for i, w := range want {
		if next := s.tick(); next != w {
			t.Fatalf("tick %d = %s, want %s", i, next, w)
		}
	}
	if src.count(psy.PropDpDm, psy.DpDmConfirmedHVDCP3) != 1 {
		t.Errorf("confirmed command sent %d times, want 1", src.count(psy.PropDpDm, psy.DpDmConfirmedHVDCP3))
	}
	if src.count(psy.PropRerunAICL, 1) != 0 {
		t.Error("optimization must not start while disallowed")
	}
	if st := s.Status(); st.PulseOpti != 0 {
		t.Errorf("pulseOpti = %d, want 0 while held", st.PulseOpti)
	}

	// Detach still resets the held session.
	setSnapshot(s, Snapshot{IsUSBHVDCP: false})
	if next := s.tick(); next != NoHvdcp3 {
		t.Errorf("tick after detach = %s, want NoHvdcp3", next)
	}
}

func TestTick_AuthenticatesWithoutOptimization(t *testing.T) {
	s := New(hvdcpSource(), Config{Logger: quietLogger(), Sleep: func(time.Duration) {}})
	setSnapshot(s, Snapshot{IsUSBHVDCP: true})
	if next := s.tick(); next != Prepare {
		t.Errorf("next = %s, want Prepare", next)
	}
}

func TestTick_NoHvdcp3ToPrepare(t *testing.T) {
	s, _ := newTestSession(hvdcpSource())
	setPulseCount(s, 4)
	setSnapshot(s, Snapshot{IsUSBHVDCP: true})

	if next := s.tick(); next != Prepare {
		t.Errorf("next = %s, want Prepare", next)
	}
	if s.PulseCount() != 0 {
		t.Errorf("pulse count = %d, want 0", s.PulseCount())
	}
}

func TestTick_PrepareToDpPulse(t *testing.T) {
	src := hvdcpSource()
	s, _ := newTestSession(src)
	setState(s, Prepare)
	setSnapshot(s, Snapshot{IsUSBHVDCP: true})

	if next := s.tick(); next != DpPulse {
		t.Errorf("next = %s, want DpPulse", next)
	}
	if src.count(psy.PropDpDm, psy.DpDmPrepare) != 1 {
		t.Errorf("expected one prepare command, got writes %v", src.written())
	}
}

func TestTick_PrepareWriteFailureStillAdvances(t *testing.T) {
	src := hvdcpSource()
	src.failing[propKey{psy.EndpointBattery, psy.PropDpDm}] = true
	s, _ := newTestSession(src)
	setState(s, Prepare)
	setSnapshot(s, Snapshot{IsUSBHVDCP: true})

	if next := s.tick(); next != DpPulse {
		t.Errorf("next = %s, want DpPulse", next)
	}
}

func TestTick_DpPulseAuthenticates(t *testing.T) {
	src := hvdcpSource()
	s, rec := newTestSession(src)
	setState(s, DpPulse)
	setPulseCount(s, 3)
	setSnapshot(s, Snapshot{IsUSBHVDCP: true})

	if next := s.tick(); next != Confirmed {
		t.Errorf("next = %s, want Confirmed", next)
	}
	if s.PulseCount() != AuthPulses {
		t.Errorf("pulse count = %d, want %d", s.PulseCount(), AuthPulses)
	}
	if n := src.count(psy.PropDpDm, psy.DpDmDpPulse); n != AuthPulses {
		t.Errorf("pulse-up commands = %d, want %d", n, AuthPulses)
	}
	waits := rec.recorded()
	if len(waits) != AuthPulses {
		t.Fatalf("waits = %v, want %d", waits, AuthPulses)
	}
	for _, d := range waits {
		if d != 100*time.Millisecond {
			t.Errorf("burst delay = %v, want 100ms", d)
		}
	}
}

func TestTick_DpPulseBatteryUnavailable(t *testing.T) {
	src := hvdcpSource()
	src.unavailable[psy.EndpointBattery] = true
	s, _ := newTestSession(src)
	setState(s, DpPulse)
	setSnapshot(s, Snapshot{IsUSBHVDCP: true})

	if next := s.tick(); next != NoHvdcp3 {
		t.Errorf("next = %s, want NoHvdcp3", next)
	}
}

func TestTick_ConfirmedThreshold(t *testing.T) {
	tests := []struct {
		name    string
		uv      int
		want    State
		confirm int
	}{
		{"exactly 6V", 6000000, OptiInitialVol, 1},
		{"just below 6V", 5999999, NoHvdcp3, 0},
		{"well above", 9000000, OptiInitialVol, 1},
		{"no voltage", 0, NoHvdcp3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := hvdcpSource()
			src.set(psy.EndpointUSB, psy.PropVoltageNow, tt.uv)
			s, _ := newTestSession(src)
			setState(s, Confirmed)
			setSnapshot(s, Snapshot{IsUSBHVDCP: true})

			if next := s.tick(); next != tt.want {
				t.Errorf("next = %s, want %s", next, tt.want)
			}
			if n := src.count(psy.PropDpDm, psy.DpDmConfirmedHVDCP3); n != tt.confirm {
				t.Errorf("confirm commands = %d, want %d", n, tt.confirm)
			}
		})
	}
}

func TestTick_ConfirmedVoltageReadFails(t *testing.T) {
	src := hvdcpSource()
	src.failing[propKey{psy.EndpointUSB, psy.PropVoltageNow}] = true
	s, _ := newTestSession(src)
	setState(s, Confirmed)
	setSnapshot(s, Snapshot{IsUSBHVDCP: true})

	if next := s.tick(); next != NoHvdcp3 {
		t.Errorf("next = %s, want NoHvdcp3", next)
	}
}

func TestTick_OptiInitialVol(t *testing.T) {
	tests := []struct {
		name string
		uv   int
		want State
	}{
		{"still confirmed", 6200000, OptiRerunAicl},
		{"voltage dropped", 5000000, NoHvdcp3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := hvdcpSource()
			src.set(psy.EndpointUSB, psy.PropVoltageNow, tt.uv)
			s, _ := newTestSession(src)
			setState(s, OptiInitialVol)
			setSnapshot(s, Snapshot{IsUSBHVDCP: true})

			if next := s.tick(); next != tt.want {
				t.Errorf("next = %s, want %s", next, tt.want)
			}
			if s.Status().PulseOpti != MaxPulseAllowed {
				t.Errorf("pulseOpti = %d, want %d", s.Status().PulseOpti, MaxPulseAllowed)
			}
		})
	}
}

func TestTick_RerunAiclStable(t *testing.T) {
	for _, limited := range []bool{true, false} {
		want := OptiNotLimited
		if limited {
			want = OptiLimited
		}

		src := hvdcpSource()
		s, rec := newTestSession(src)
		setSnapshot(s, Snapshot{IsUSBHVDCP: true, InputCurrentLimited: limited})

		for i := 0; i < 5; i++ {
			setState(s, OptiRerunAicl)
			if next := s.tick(); next != want {
				t.Fatalf("limited=%v round %d: next = %s, want %s", limited, i, next, want)
			}
		}
		if n := src.count(psy.PropRerunAICL, 1); n != 5 {
			t.Errorf("rerun aicl writes = %d, want 5", n)
		}
		for _, d := range rec.recorded() {
			if d != 2*time.Second {
				t.Errorf("aicl settle = %v, want 2s", d)
			}
		}
	}
}

func TestTick_OptimizationTransitions(t *testing.T) {
	tests := []struct {
		from    State
		limited bool
		want    State
		wait    time.Duration
	}{
		{OptiNotLimited, true, OptiLimited, 60 * time.Second},
		{OptiNotLimited, false, OptiDmPulse, 60 * time.Second},
		{OptiLimited, true, OptiDpPulse, 0},
		{OptiLimited, false, OptiRerunAicl, 0},
		{OptiDpPulse, true, OptiDpPulse, 100 * time.Millisecond},
		{OptiDpPulse, false, OptiRerunAicl, 100 * time.Millisecond},
		{OptiDmPulse, true, OptiLimited, 60 * time.Second},
		{OptiDmPulse, false, OptiRerunAicl, 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.from.String(), func(t *testing.T) {
			s, rec := newTestSession(hvdcpSource())
			setState(s, tt.from)
			setPulseCount(s, 10)
			setSnapshot(s, Snapshot{IsUSBHVDCP: true, InputCurrentLimited: tt.limited})

			if next := s.tick(); next != tt.want {
				t.Errorf("limited=%v: next = %s, want %s", tt.limited, next, tt.want)
			}
			if got := rec.total(); got != tt.wait {
				t.Errorf("waited %v, want %v", got, tt.wait)
			}
		})
	}
}

func TestTick_OptiDpPulseClimbsToCeiling(t *testing.T) {
	src := hvdcpSource()
	s, _ := newTestSession(src)
	setState(s, OptiDpPulse)
	setPulseCount(s, 15)
	setSnapshot(s, Snapshot{IsUSBHVDCP: true, InputCurrentLimited: true})

	for i := 0; i < 10; i++ {
		if next := s.tick(); next != OptiDpPulse {
			t.Fatalf("next = %s, want OptiDpPulse", next)
		}
	}
	if s.PulseCount() != MaxPulseAllowed {
		t.Errorf("pulse count = %d, want %d", s.PulseCount(), MaxPulseAllowed)
	}
	if n := src.count(psy.PropDpDm, psy.DpDmDpPulse); n != 5 {
		t.Errorf("pulse-up commands = %d, want 5", n)
	}
}

func TestTick_OptiDmPulseWithPositiveCounter(t *testing.T) {
	src := hvdcpSource()
	s, _ := newTestSession(src)
	setState(s, OptiDmPulse)
	setPulseCount(s, 12)
	setSnapshot(s, Snapshot{IsUSBHVDCP: true})

	s.tick()
	if n := src.count(psy.PropDpDm, psy.DpDmDmPulse); n != 0 {
		t.Errorf("pulse-down commands = %d, want 0 while counter is positive", n)
	}
	if s.PulseCount() != 12 {
		t.Errorf("pulse count = %d, want 12", s.PulseCount())
	}
}

func TestTick_FullAuthenticationSequence(t *testing.T) {
	src := hvdcpSource()
	s, _ := newTestSession(src)
	setSnapshot(s, Snapshot{IsUSBHVDCP: true, InputCurrentLimited: true})

	// The fake source does not react to pulses, so raise the voltage by hand
	// once the pulses have gone out.
	want := []State{Prepare, DpPulse, Confirmed, OptiInitialVol, OptiRerunAicl, OptiLimited, OptiDpPulse}
	for i, w := range want {
		if w == OptiInitialVol {
			src.set(psy.EndpointUSB, psy.PropVoltageNow, 6200000)
		}
		if next := s.tick(); next != w {
			t.Fatalf("step %d: next = %s, want %s", i, next, w)
		}
	}
}
