// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hvdcp3

import "github.com/Thermoquad/qc3tune/pkg/psy"

// sendDpDm writes a DP/DM command to the battery endpoint. Failures are
// logged and otherwise ignored.
func (s *Session) sendDpDm(cmd int) {
	if err := s.src.Set(psy.EndpointBattery, psy.PropDpDm, cmd); err != nil {
		s.logf("Couldn't set dp_dm %d: %v", cmd, err)
	}
}

// increasePulses issues up to n pulse-up commands, stopping once the counter
// reaches MaxPulseAllowed.
func (s *Session) increasePulses(n int) {
	for ; n > 0; n-- {
		s.mu.Lock()
		if s.pulseCount >= MaxPulseAllowed {
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()

		s.sendDpDm(psy.DpDmDpPulse)

		s.mu.Lock()
		s.pulseCount++
		s.mu.Unlock()

		s.cfg.Sleep(PulseUpDelay)
	}
}

// decreasePulses issues up to n pulse-down commands. The loop stops as soon
// as the counter is positive, so pulse-down commands only go out while the
// counter is already at zero. The counter never drops below zero.
func (s *Session) decreasePulses(n int) {
	for ; n > 0; n-- {
		s.mu.Lock()
		if s.pulseCount > 0 {
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()

		s.sendDpDm(psy.DpDmDmPulse)

		s.mu.Lock()
		if s.pulseCount > 0 {
			s.pulseCount--
		}
		s.mu.Unlock()

		s.cfg.Sleep(PulseDownDelay)
	}
}

func (s *Session) resetPulses() {
	s.mu.Lock()
	s.pulseCount = 0
	s.mu.Unlock()
}
