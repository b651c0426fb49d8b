// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hvdcp3

import (
	"errors"
	"fmt"
	"time"

	"github.com/Thermoquad/qc3tune/pkg/psy"
)

// Notify is the supply-changed callback. A change on the usb supply sets the
// attach flag and wakes the worker; every other supply is ignored. Notify is
// safe to call from any goroutine and never blocks.
func (s *Session) Notify(supply string) int {
	if supply != string(psy.EndpointUSB) {
		return psy.NotifyOK
	}
	s.mu.Lock()
	s.attachPending = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return psy.NotifyOK
}

// Start registers Notify with n (which may be nil) and spawns the worker.
func (s *Session) Start(n psy.Notifier) error {
	s.lifecycle.mu.Lock()
	defer s.lifecycle.mu.Unlock()
	if s.lifecycle.started {
		return errors.New("hvdcp3: session already started")
	}

	var unregister func()
	if n != nil {
		var err error
		unregister, err = n.RegisterNotifier(s.Notify)
		if err != nil {
			return fmt.Errorf("hvdcp3: register notifier: %w", err)
		}
	}

	s.lifecycle.started = true
	s.lifecycle.stop = make(chan struct{})
	s.lifecycle.done = make(chan struct{})
	s.lifecycle.unregister = unregister

	s.logf("negotiation allowed: %v", s.cfg.NegotiationAllowed)
	go s.run(s.lifecycle.stop, s.lifecycle.done)
	return nil
}

// Stop asks the worker to exit and waits for it. A cycle in progress,
// including its timed waits, runs to completion first.
func (s *Session) Stop() {
	s.lifecycle.mu.Lock()
	defer s.lifecycle.mu.Unlock()
	if !s.lifecycle.started {
		return
	}
	if s.lifecycle.unregister != nil {
		s.lifecycle.unregister()
	}
	close(s.lifecycle.stop)
	<-s.lifecycle.done
	s.lifecycle.started = false
}

func (s *Session) run(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		// Only poll while an HVDCP source is attached; otherwise wait for an
		// attach notification.
		var timeout time.Duration
		if s.currentSnapshot().IsUSBHVDCP {
			timeout = s.cfg.PollInterval
		}
		if !s.wait(stop, timeout) {
			return
		}

		s.mu.Lock()
		s.attachPending = false
		s.mu.Unlock()

		s.cycle()
	}
}

// wait blocks until the attach flag is set, timeout elapses (zero waits
// forever) or stop is closed. It returns false only on stop.
func (s *Session) wait(stop chan struct{}, timeout time.Duration) bool {
	s.mu.Lock()
	pending := s.attachPending
	s.mu.Unlock()
	if pending {
		select {
		case <-s.wake:
		default:
		}
		return true
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-s.wake:
		return true
	case <-expired:
		return true
	case <-stop:
		return false
	}
}

// cycle refreshes the snapshot and ticks the state machine once. A failed
// refresh leaves the state and previous snapshot untouched.
func (s *Session) cycle() {
	snap, err := s.refreshSnapshot()

	s.mu.Lock()
	s.cycles++
	s.refreshErr = err
	if err == nil {
		s.snapshot = snap
	}
	s.mu.Unlock()

	if err != nil {
		s.logf("skipping cycle: %v", err)
	} else {
		s.tick()
	}
	s.notifyObserver()
}
