// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hvdcp3

import "fmt"

// State is a negotiation state.
type State int

// Negotiation states. NoHvdcp3 through OptiInitialVol authenticate the
// source; the Opti* states run the voltage optimization loop.
const (
	NoHvdcp3 State = iota
	Prepare
	DpPulse
	Confirmed
	OptiInitialVol
	OptiRerunAicl
	OptiNotLimited
	OptiDpPulse
	OptiLimited
	OptiDmPulse
	stateCount
)

// Valid reports whether s is a member of the state enumeration.
func (s State) Valid() bool {
	return s >= NoHvdcp3 && s < stateCount
}

func (s State) String() string {
	switch s {
	case NoHvdcp3:
		return "QC3_AUTH_NO_HVDCP3"
	case Prepare:
		return "QC3_AUTH_PREPARE"
	case DpPulse:
		return "QC3_AUTH_DP_PULSE"
	case Confirmed:
		return "QC3_AUTH_CONFIRMED"
	case OptiInitialVol:
		return "QC3_AUTH_OPTI_INITIAL_VOL"
	case OptiRerunAicl:
		return "QC3_OPTI_RERUN_AICL"
	case OptiNotLimited:
		return "QC3_OPTI_NOT_LIMITED"
	case OptiDpPulse:
		return "QC3_OPTI_DP_PULSE"
	case OptiLimited:
		return "QC3_OPTI_LIMITED"
	case OptiDmPulse:
		return "QC3_OPTI_DM_PULSE"
	default:
		return fmt.Sprintf("INVALID(%d)", int(s))
	}
}

// Authenticating reports whether s belongs to the authentication phase.
func (s State) Authenticating() bool {
	return s >= Prepare && s <= OptiInitialVol
}

// Optimizing reports whether s belongs to the voltage optimization phase.
func (s State) Optimizing() bool {
	return s >= OptiRerunAicl && s < stateCount
}
