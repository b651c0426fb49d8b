// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hvdcp3

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/qc3tune/pkg/psy"
)

// statusLog collects observer callbacks.
type statusLog struct {
	mu       sync.Mutex
	statuses []Status
}

func (l *statusLog) observe(st Status) {
	l.mu.Lock()
	l.statuses = append(l.statuses, st)
	l.mu.Unlock()
}

func (l *statusLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.statuses)
}

func (l *statusLog) last() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.statuses) == 0 {
		return Status{}
	}
	return l.statuses[len(l.statuses)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newWorkerSession(src psy.Source, poll time.Duration) (*Session, *statusLog) {
	s := New(src, Config{
		NegotiationAllowed: true,
		Logger:             quietLogger(),
		PollInterval:       poll,
		Sleep:              func(time.Duration) {},
	})
	obs := &statusLog{}
	s.SetObserver(obs.observe)
	return s, obs
}

func TestNotify_CoalescesAttachEvents(t *testing.T) {
	s, obs := newWorkerSession(hvdcpSource(), time.Hour)

	s.Notify("usb")
	s.Notify("usb")
	if err := s.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	waitFor(t, "first cycle", func() bool { return obs.len() >= 1 })
	time.Sleep(50 * time.Millisecond)

	if n := obs.len(); n != 1 {
		t.Errorf("cycles = %d, want 1", n)
	}
	if st := s.State(); st != Prepare {
		t.Errorf("state = %v, want %v", st, Prepare)
	}
}

func TestNotify_IgnoresOtherSupplies(t *testing.T) {
	s, obs := newWorkerSession(hvdcpSource(), time.Hour)
	if err := s.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if rc := s.Notify("battery"); rc != psy.NotifyOK {
		t.Errorf("Notify returned %d, want %d", rc, psy.NotifyOK)
	}
	s.Notify("parallel")
	time.Sleep(50 * time.Millisecond)
	if n := obs.len(); n != 0 {
		t.Fatalf("cycles after non-usb notify = %d, want 0", n)
	}

	s.Notify("usb")
	waitFor(t, "usb cycle", func() bool { return obs.len() == 1 })
}

func TestWorker_RefreshFailureSkipsTick(t *testing.T) {
	src := hvdcpSource()
	src.unavailable[psy.EndpointParallel] = true
	s, obs := newWorkerSession(src, time.Hour)
	if err := s.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	s.Notify("usb")
	waitFor(t, "cycle", func() bool { return obs.len() == 1 })

	st := obs.last()
	if !errors.Is(st.RefreshErr, psy.ErrEndpointUnavailable) {
		t.Errorf("RefreshErr = %v, want ErrEndpointUnavailable", st.RefreshErr)
	}
	if st.State != NoHvdcp3 {
		t.Errorf("state = %v, want %v", st.State, NoHvdcp3)
	}
	if st.Cycles != 1 {
		t.Errorf("cycles = %d, want 1", st.Cycles)
	}
	if len(src.written()) != 0 {
		t.Errorf("writes = %v, want none", src.written())
	}
}

func TestWorker_PollsWhileHVDCPAttached(t *testing.T) {
	s, obs := newWorkerSession(hvdcpSource(), time.Millisecond)
	if err := s.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	s.Notify("usb")
	waitFor(t, "repeated polling", func() bool { return obs.len() >= 3 })
}

func TestStart_Twice(t *testing.T) {
	s, _ := newWorkerSession(hvdcpSource(), time.Hour)
	if err := s.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	if err := s.Start(nil); err == nil {
		t.Error("second Start should fail")
	}
}

func TestStop_Restart(t *testing.T) {
	s, obs := newWorkerSession(hvdcpSource(), time.Hour)
	s.Stop()

	if err := s.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
	s.Stop()

	if err := s.Start(nil); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer s.Stop()
	s.Notify("usb")
	waitFor(t, "cycle after restart", func() bool { return obs.len() == 1 })
}

func TestStart_RegistersAndStopUnregisters(t *testing.T) {
	sim := psy.NewSim(psy.DefaultSimConfig())
	s, obs := newWorkerSession(sim, time.Hour)
	if err := s.Start(sim); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sim.Attach(psy.TypeUSBDCP)
	waitFor(t, "attach cycle", func() bool { return obs.len() == 1 })
	s.Stop()

	sim.Attach(psy.TypeUSBHVDCP3)
	time.Sleep(20 * time.Millisecond)
	if n := obs.len(); n != 1 {
		t.Errorf("cycles after Stop = %d, want 1", n)
	}
}

func TestSession_NegotiatesSimulatedCharger(t *testing.T) {
	sim := psy.NewSim(psy.DefaultSimConfig())
	s, obs := newWorkerSession(sim, time.Millisecond)
	if err := s.Start(sim); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	sim.Attach(psy.TypeUSBHVDCP3)

	waitFor(t, "optimization", func() bool { return obs.last().State.Optimizing() })
	if !sim.Confirmed() {
		t.Error("charger was not confirmed as HVDCP3")
	}

	// An 18W load is current limited below 9V, so the voltage climbs to the
	// ceiling.
	waitFor(t, "pulse ceiling", func() bool {
		return sim.Pulses() == MaxPulseAllowed && s.PulseCount() == MaxPulseAllowed
	})
	if sim.AICLRuns() == 0 {
		t.Error("AICL never re-run")
	}
	if st := s.Status(); st.PulseOpti != MaxPulseAllowed {
		t.Errorf("PulseOpti = %d, want %d", st.PulseOpti, MaxPulseAllowed)
	}

	sim.Detach()
	waitFor(t, "reset after detach", func() bool { return s.State() == NoHvdcp3 })
}

func TestSession_IgnoresPlainCharger(t *testing.T) {
	sim := psy.NewSim(psy.DefaultSimConfig())
	s, obs := newWorkerSession(sim, time.Millisecond)
	if err := s.Start(sim); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	sim.Attach(psy.TypeUSBDCP)
	waitFor(t, "attach cycle", func() bool { return obs.len() >= 1 })
	time.Sleep(20 * time.Millisecond)

	if st := s.State(); st != NoHvdcp3 {
		t.Errorf("state = %v, want %v", st, NoHvdcp3)
	}
	if w := sim.Writes(); len(w) != 0 {
		t.Errorf("writes = %v, want none", w)
	}
}
