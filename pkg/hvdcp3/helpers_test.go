// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hvdcp3

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/Thermoquad/qc3tune/pkg/psy"
)

type propKey struct {
	ep   psy.Endpoint
	prop psy.Property
}

// fakeSource is a flat property store that records writes.
type fakeSource struct {
	mu          sync.Mutex
	values      map[propKey]int
	unavailable map[psy.Endpoint]bool
	failing     map[propKey]bool
	writes      []psy.Write
	gets        int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		values:      make(map[propKey]int),
		unavailable: make(map[psy.Endpoint]bool),
		failing:     make(map[propKey]bool),
	}
}

func (f *fakeSource) set(ep psy.Endpoint, prop psy.Property, v int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[propKey{ep, prop}] = v
}

func (f *fakeSource) Available(ep psy.Endpoint) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unavailable[ep]
}

func (f *fakeSource) Get(ep psy.Endpoint, prop psy.Property) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.unavailable[ep] {
		return 0, psy.ErrEndpointUnavailable
	}
	if f.failing[propKey{ep, prop}] {
		return 0, psy.ErrPropertyAccessFailed
	}
	return f.values[propKey{ep, prop}], nil
}

func (f *fakeSource) Set(ep psy.Endpoint, prop psy.Property, v int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable[ep] {
		return psy.ErrEndpointUnavailable
	}
	if f.failing[propKey{ep, prop}] {
		return fmt.Errorf("%w: %s/%s", psy.ErrPropertyAccessFailed, ep, prop)
	}
	f.writes = append(f.writes, psy.Write{Endpoint: ep, Property: prop, Value: v})
	return nil
}

func (f *fakeSource) written() []psy.Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]psy.Write, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeSource) count(prop psy.Property, value int) int {
	n := 0
	for _, w := range f.written() {
		if w.Property == prop && w.Value == value {
			n++
		}
	}
	return n
}

// sleepRecorder captures requested waits without sleeping.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(d time.Duration) {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.waits))
	copy(out, r.waits)
	return out
}

func (r *sleepRecorder) total() time.Duration {
	var sum time.Duration
	for _, d := range r.recorded() {
		sum += d
	}
	return sum
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestSession(src psy.Source) (*Session, *sleepRecorder) {
	rec := &sleepRecorder{}
	s := New(src, Config{
		NegotiationAllowed: true,
		Logger:             quietLogger(),
		Sleep:              rec.sleep,
	})
	return s, rec
}

// hvdcpSource returns a fake source reporting an attached HVDCP3 charger.
func hvdcpSource() *fakeSource {
	f := newFakeSource()
	f.set(psy.EndpointUSB, psy.PropPresent, 1)
	f.set(psy.EndpointUSB, psy.PropType, psy.TypeUSBHVDCP3)
	f.set(psy.EndpointUSB, psy.PropVoltageNow, 5000000)
	f.set(psy.EndpointBattery, psy.PropPresent, 1)
	f.set(psy.EndpointBattery, psy.PropMaxPulseAllowed, MaxPulseAllowed)
	return f
}

func setSnapshot(s *Session, snap Snapshot) {
	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
}

func setState(s *Session, st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func setPulseCount(s *Session, n int) {
	s.mu.Lock()
	s.pulseCount = n
	s.mu.Unlock()
}
